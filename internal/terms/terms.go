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

// Package terms implements the terms-of-service sub-flow (C6): selecting
// the current terms document and rendering it to HTML for the frontend.
package terms

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/russross/blackfriday/v2"
)

// Document is one rendered terms document.
type Document struct {
	Headline string
	HTML     string
	Version  string
}

// Store loads terms documents from a directory of Markdown files named
// `<version>.md` (e.g. `v2.md`), each beginning with a single `# Headline`
// line.
type Store struct {
	dir string
}

// NewStore returns a Store reading documents from dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Latest returns the most recent terms document. Document selection picks
// the lexicographically greatest filename stem, per spec — not a
// numeric/semver comparison, so "v10" sorts before "v9".
func (s *Store) Latest() (Document, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Document{}, fmt.Errorf("read terms directory: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		versions = append(versions, strings.TrimSuffix(e.Name(), ".md"))
	}
	if len(versions) == 0 {
		return Document{}, fmt.Errorf("no terms documents found in %q", s.dir)
	}

	sort.Strings(versions)
	latest := versions[len(versions)-1]

	return s.render(latest)
}

func (s *Store) render(version string) (Document, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, version+".md"))
	if err != nil {
		return Document{}, fmt.Errorf("read terms document %q: %w", version, err)
	}

	headline, body := splitHeadline(raw)
	html := blackfriday.Run(body)

	return Document{
		Headline: headline,
		HTML:     string(html),
		Version:  version,
	}, nil
}

// splitHeadline extracts a leading "# Headline" line, if present, returning
// it separately from the remaining Markdown body.
func splitHeadline(raw []byte) (string, []byte) {
	text := string(raw)
	lines := strings.SplitN(text, "\n", 2)

	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "# ") {
		headline := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[0]), "# "))
		if len(lines) == 2 {
			return headline, []byte(lines[1])
		}
		return headline, nil
	}

	return "", raw
}
