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

package authstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DecodeError is returned by Codec.Decode when a state string is malformed,
// unsigned, expired, or missing required fields. Callers translate it to a
// 400 response.
type DecodeError struct {
	reason string
}

func (e *DecodeError) Error() string {
	return "decode auth state: " + e.reason
}

func newDecodeError(reason string) *DecodeError {
	return &DecodeError{reason: reason}
}

// claims is the JWT envelope around a State. Only iat is used: the codec
// does not set an expiration; Decode rejects states whose iat is older than
// the Codec's maxAge.
type claims struct {
	State
	jwt.RegisteredClaims
}

// Valid satisfies jwt.Claims. Expiration/age enforcement is done by the
// Codec itself, since the max age is a deployment policy, not a property
// of the token.
func (c claims) Valid() error {
	return nil
}

// Codec signs and verifies AuthState tokens with a single process-wide
// HMAC secret. Integrity is mandatory; confidentiality is not, except for
// the IDToken field which is separately AES-encrypted by the caller before
// being placed into the State (see IDTokenCipher).
type Codec struct {
	signingSecret []byte
	maxAge        time.Duration
}

// NewCodec returns a Codec signing tokens with secret. A zero maxAge
// disables the age check.
func NewCodec(secret string, maxAge time.Duration) *Codec {
	return &Codec{signingSecret: []byte(secret), maxAge: maxAge}
}

// Encode signs state into a URL-safe compact string.
func (c *Codec) Encode(state State) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		State: state,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	})

	signed, err := tok.SignedString(c.signingSecret)
	if err != nil {
		return "", fmt.Errorf("sign auth state: %w", err)
	}

	return signed, nil
}

// Decode verifies and parses a state string produced by Encode.
func (c *Codec) Decode(raw string) (State, error) {
	if raw == "" {
		return State{}, newDecodeError("empty state")
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", tok.Method.Alg())
		}
		return c.signingSecret, nil
	})
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) {
			return State{}, newDecodeError(verr.Error())
		}
		return State{}, newDecodeError(err.Error())
	}

	if c.maxAge > 0 && parsed.IssuedAt != nil {
		if time.Since(parsed.IssuedAt.Time) > c.maxAge {
			return State{}, newDecodeError("state token too old")
		}
	}

	if parsed.State.FeURL == "" || parsed.State.ReturnURL == "" {
		return State{}, newDecodeError("missing required fields")
	}

	return parsed.State, nil
}
