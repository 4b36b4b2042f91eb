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

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// SSNCipher encrypts the SSN column at rest (spec.md §3's "optional
// encrypted SSN"). Unlike authstate.IDTokenCipher, it derives its AES-GCM
// nonce deterministically from the plaintext instead of drawing one from
// crypto/rand: HasSSN looks users up by an equality match against the
// ciphertext column, which only works if encrypting the same SSN twice
// produces the same bytes, matching the original controller's
// encrypt_ssn/aes256_encrypt, which is likewise called before every
// has_ssn() lookup and insert.
type SSNCipher struct {
	aead     cipher.AEAD
	nonceKey []byte
}

// NewSSNCipher returns an SSNCipher keyed by key, which must be 16, 24, or
// 32 bytes (AES-128/192/256).
func NewSSNCipher(key []byte) (*SSNCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build GCM AEAD: %w", err)
	}

	return &SSNCipher{aead: aead, nonceKey: key}, nil
}

// Encrypt returns a base64url-encoded, nonce-prefixed ciphertext of ssn.
// The same ssn always encrypts to the same ciphertext under the same key.
func (c *SSNCipher) Encrypt(ssn string) (string, error) {
	mac := hmac.New(sha256.New, c.nonceKey)
	mac.Write([]byte(ssn))
	nonce := mac.Sum(nil)[:c.aead.NonceSize()]

	sealed := c.aead.Seal(nonce, nonce, []byte(ssn), nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *SSNCipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}

	return string(plaintext), nil
}
