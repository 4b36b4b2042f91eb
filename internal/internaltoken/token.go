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

// Package internaltoken signs and verifies the bearer tokens the gateway
// hands to the forward-auth edge proxy once a session is established. They
// are unrelated to the identity provider's own tokens: the gateway is the
// sole issuer and the sole verifier.
package internaltoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Token is the decoded form of an internal bearer token.
type Token struct {
	Subject string    `json:"sub"`
	Actor   string    `json:"actor"`
	Scope   []string  `json:"scope"`
	Issued  time.Time `json:"-"`
	Expires time.Time `json:"-"`
}

type tokenClaims struct {
	Actor string   `json:"actor"`
	Scope []string `json:"scope"`
	jwt.RegisteredClaims
}

// Signer mints internal tokens. Built from a single process-wide secret,
// matching how the gateway's own session store only ever has one signer
// in play at a time.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer using secret to sign tokens with HS256.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns a compact JWT asserting subject acted on behalf of actor
// with the given scopes, valid from now until ttl has elapsed.
func (s *Signer) Sign(subject, actor string, scope []string, ttl time.Duration) (string, Token, error) {
	now := time.Now()
	expires := now.Add(ttl)

	claims := tokenClaims{
		Actor: actor,
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", Token{}, fmt.Errorf("sign internal token: %w", err)
	}

	return signed, Token{
		Subject: subject,
		Actor:   actor,
		Scope:   scope,
		Issued:  now,
		Expires: expires,
	}, nil
}

// Verifier checks internal tokens minted by a Signer holding the same
// secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier using secret to check token signatures.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// ErrInvalidToken is returned for any malformed, unsigned, or expired
// token, without distinguishing the cause to the caller.
var ErrInvalidToken = errors.New("invalid internal token")

// Verify checks raw's signature and expiry and returns its claims.
func (v *Verifier) Verify(raw string) (Token, error) {
	var claims tokenClaims

	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", tok.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return Token{}, ErrInvalidToken
	}

	if claims.Subject == "" {
		return Token{}, ErrInvalidToken
	}

	var issued, expires time.Time
	if claims.IssuedAt != nil {
		issued = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}

	return Token{
		Subject: claims.Subject,
		Actor:   claims.Actor,
		Scope:   claims.Scope,
		Issued:  issued,
		Expires: expires,
	}, nil
}
