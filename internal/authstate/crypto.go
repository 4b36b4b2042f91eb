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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// IDTokenCipher encrypts and decrypts the raw identity-provider id_token
// before it is embedded in a State and signed by the Codec. The state
// token already guarantees integrity; this adds confidentiality for the
// one field in it that is sensitive enough to warrant hiding from whatever
// holds the state value (browser history, proxy logs, the return_url
// query string it's appended to).
//
// It reuses the same symmetric key as the SSN-at-rest encryption in the
// store, since both protect data of the same sensitivity at the same
// trust boundary.
type IDTokenCipher struct {
	aead cipher.AEAD
}

// NewIDTokenCipher returns an IDTokenCipher keyed by key, which must be 16,
// 24, or 32 bytes (AES-128/192/256).
func NewIDTokenCipher(key []byte) (*IDTokenCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build GCM AEAD: %w", err)
	}

	return &IDTokenCipher{aead: aead}, nil
}

// Encrypt returns a base64url-encoded, nonce-prefixed ciphertext of
// plaintext.
func (c *IDTokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *IDTokenCipher) Decrypt(encoded string) (string, error) {
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
