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
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MartinSchmidt/eo-auth/internal/internaltoken"
)

// Controller is the thin transactional layer above the query builders,
// matching C4's operation set. Every method runs against whatever Queryer
// it's given — a pooled connection for reads, or the Queryer handed to a
// Store.WithTx callback for the SUCCESS mint sequence, which must be
// atomic.
type Controller struct {
	signer    *internaltoken.Signer
	ssnCipher *SSNCipher
}

// NewController returns a Controller signing internal tokens with signer
// and encrypting/decrypting the SSN column with ssnCipher.
func NewController(signer *internaltoken.Signer, ssnCipher *SSNCipher) *Controller {
	return &Controller{signer: signer, ssnCipher: ssnCipher}
}

// GetUserByExternalSubject looks up the User linked to one identity
// provider's external subject, or nil if no link exists.
func (c *Controller) GetUserByExternalSubject(ctx context.Context, q Queryer, idp, externalSubject string) (*User, error) {
	link, err := NewExternalUserQuery(q).
		HasIdentityProvider(idp).
		HasExternalSubject(externalSubject).
		OneOrNone(ctx)
	if err != nil {
		return nil, fmt.Errorf("look up external user: %w", err)
	}
	if link == nil {
		return nil, nil
	}

	user, err := NewUserQuery(q).HasSubject(link.Subject).OneOrNone(ctx)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}

	return c.decryptSSN(user)
}

// GetOrCreateUser looks up a User by whichever of ssn/tin is non-empty,
// creating one with a fresh subject if none matches. At least one of
// ssn/tin must be non-empty.
func (c *Controller) GetOrCreateUser(ctx context.Context, q Queryer, ssn, tin string) (User, error) {
	if ssn == "" && tin == "" {
		return User{}, fmt.Errorf("get or create user: both ssn and tin are empty")
	}

	var ssnEncrypted string
	if ssn != "" {
		var err error
		ssnEncrypted, err = c.ssnCipher.Encrypt(ssn)
		if err != nil {
			return User{}, fmt.Errorf("encrypt ssn: %w", err)
		}
	}

	query := NewUserQuery(q)
	if ssn != "" {
		query = query.HasSSN(ssnEncrypted)
	} else {
		query = query.HasTIN(tin)
	}

	existing, err := query.OneOrNone(ctx)
	if err != nil {
		return User{}, fmt.Errorf("look up user: %w", err)
	}
	if existing != nil {
		decrypted, err := c.decryptSSN(existing)
		if err != nil {
			return User{}, err
		}
		return *decrypted, nil
	}

	user := User{
		Subject:   uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
	if ssn != "" {
		user.SSN = &ssnEncrypted
	}
	if tin != "" {
		user.TIN = &tin
	}

	const insert = `
		INSERT INTO users (subject, ssn, tin, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := q.ExecContext(ctx, insert, user.Subject, user.SSN, user.TIN, user.CreatedAt); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	if ssn != "" {
		user.SSN = &ssn
	}

	return user, nil
}

// decryptSSN returns a copy of user with its SSN decrypted, leaving user
// untouched if it has none set.
func (c *Controller) decryptSSN(user *User) (*User, error) {
	if user.SSN == nil {
		return user, nil
	}

	plain, err := c.ssnCipher.Decrypt(*user.SSN)
	if err != nil {
		return nil, fmt.Errorf("decrypt ssn: %w", err)
	}

	decrypted := *user
	decrypted.SSN = &plain

	return &decrypted, nil
}

// AttachExternalUser links user to one identity provider's external
// subject. Idempotent: a second call with the same triple is a no-op, not
// an error, since concurrent first-logins for the same identity may both
// reach this call (spec.md §5).
func (c *Controller) AttachExternalUser(ctx context.Context, q Queryer, user User, idp, externalSubject string) error {
	exists, err := NewExternalUserQuery(q).
		HasIdentityProvider(idp).
		HasExternalSubject(externalSubject).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("check existing external user: %w", err)
	}
	if exists {
		return nil
	}

	const insert = `
		INSERT INTO external_users (identity_provider, external_subject, subject, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_provider, external_subject) DO NOTHING
	`
	_, err = q.ExecContext(ctx, insert, idp, externalSubject, user.Subject, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert external user: %w", err)
	}

	return nil
}

// RegisterUserLogin appends a LoginRecord for user.
func (c *Controller) RegisterUserLogin(ctx context.Context, q Queryer, user User) error {
	const insert = `
		INSERT INTO login_records (id, subject, created_at)
		VALUES ($1, $2, $3)
	`
	_, err := q.ExecContext(ctx, insert, uuid.New(), user.Subject, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert login record: %w", err)
	}

	return nil
}

// CreateToken signs an InternalToken for subject and inserts the
// corresponding SessionToken row, returning the fresh opaque token the
// browser cookie carries.
func (c *Controller) CreateToken(ctx context.Context, q Queryer, subject uuid.UUID, idToken string, scope []string, ttl time.Duration) (uuid.UUID, error) {
	signed, minted, err := c.signer.Sign(subject.String(), subject.String(), scope, ttl)
	if err != nil {
		return uuid.Nil, fmt.Errorf("sign internal token: %w", err)
	}

	opaqueToken := uuid.New()

	const insert = `
		INSERT INTO session_tokens (opaque_token, internal_token, id_token, subject, issued, expires)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = q.ExecContext(ctx, insert, opaqueToken, signed, idToken, subject, minted.Issued, minted.Expires)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert session token: %w", err)
	}

	return opaqueToken, nil
}

// GetToken looks up a SessionToken by its opaque token. When onlyValid is
// true, the lookup requires issued <= now < expires.
func (c *Controller) GetToken(ctx context.Context, q Queryer, opaqueToken uuid.UUID, onlyValid bool) (*SessionToken, error) {
	query := NewSessionTokenQuery(q).HasOpaqueToken(opaqueToken)
	if onlyValid {
		query = query.IsValid()
	}

	return query.OneOrNone(ctx)
}

// DeleteToken removes a SessionToken by its opaque token and reports
// whether a row existed.
func (c *Controller) DeleteToken(ctx context.Context, q Queryer, opaqueToken uuid.UUID) (bool, error) {
	deleted, err := NewSessionTokenQuery(q).HasOpaqueToken(opaqueToken).Delete(ctx)
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}
