/*
Copyright (C) 2022 Traefik Labs

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program. If not, see <https://www.gnu.org/licenses/>.
*/

package terms_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinSchmidt/eo-auth/internal/terms"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestStore_LatestPicksLexicographicallyGreatestVersion(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "v1.md", "# Terms v1\n\nOld terms.")
	writeDoc(t, dir, "v2.md", "# Terms v2\n\nNewer terms with **markdown**.")

	store := terms.NewStore(dir)

	doc, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, "v2", doc.Version)
	assert.Equal(t, "Terms v2", doc.Headline)
	assert.Contains(t, doc.HTML, "<strong>markdown</strong>")
}

func TestStore_LatestIsLexicographicNotNumeric(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "v9.md", "# Nine\n\nBody.")
	writeDoc(t, dir, "v10.md", "# Ten\n\nBody.")

	store := terms.NewStore(dir)

	doc, err := store.Latest()
	require.NoError(t, err)
	// Lexicographic comparison: "v9" > "v10" because '9' > '1'.
	assert.Equal(t, "v9", doc.Version)
}

func TestStore_LatestErrorsWhenEmpty(t *testing.T) {
	store := terms.NewStore(t.TempDir())

	_, err := store.Latest()
	require.Error(t, err)
}
