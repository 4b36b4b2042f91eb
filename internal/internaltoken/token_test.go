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

package internaltoken_test

import (
	"testing"
	"time"

	"github.com/MartinSchmidt/eo-auth/internal/internaltoken"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerVerifier_RoundTrip(t *testing.T) {
	signer := internaltoken.NewSigner("internal-token-secret")
	verifier := internaltoken.NewVerifier("internal-token-secret")

	raw, minted, err := signer.Sign("user-subject", "session-abc", []string{"read", "write"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	got, err := verifier.Verify(raw)
	require.NoError(t, err)

	assert.Equal(t, minted.Subject, got.Subject)
	assert.Equal(t, minted.Actor, got.Actor)
	assert.Equal(t, minted.Scope, got.Scope)
	assert.WithinDuration(t, minted.Expires, got.Expires, time.Second)
}

func TestVerifier_RejectsWrongSecret(t *testing.T) {
	signer := internaltoken.NewSigner("secret-a")
	verifier := internaltoken.NewVerifier("secret-b")

	raw, _, err := signer.Sign("sub", "actor", nil, time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	require.ErrorIs(t, err, internaltoken.ErrInvalidToken)
}

func TestVerifier_RejectsExpiredToken(t *testing.T) {
	signer := internaltoken.NewSigner("secret")
	verifier := internaltoken.NewVerifier("secret")

	raw, _, err := signer.Sign("sub", "actor", nil, -time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(raw)
	require.ErrorIs(t, err, internaltoken.ErrInvalidToken)
}

func TestVerifier_RejectsGarbage(t *testing.T) {
	verifier := internaltoken.NewVerifier("secret")

	_, err := verifier.Verify("not-a-jwt")
	require.ErrorIs(t, err, internaltoken.ErrInvalidToken)
}
