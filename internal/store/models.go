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
	"time"

	"github.com/google/uuid"
)

// User is the core identity row: one per real person or company, regardless
// of how many identity providers they've logged in through.
type User struct {
	Subject   uuid.UUID `db:"subject"`
	SSN       *string   `db:"ssn"`
	TIN       *string   `db:"tin"`
	CreatedAt time.Time `db:"created_at"`
}

// ExternalUser binds one identity-provider identity to one User.
type ExternalUser struct {
	IdentityProvider string    `db:"identity_provider"`
	ExternalSubject  string    `db:"external_subject"`
	Subject          uuid.UUID `db:"subject"`
	CreatedAt        time.Time `db:"created_at"`
}

// LoginRecord is an append-only audit row written once per successful
// login. Never mutated or deleted.
type LoginRecord struct {
	ID        uuid.UUID `db:"id"`
	Subject   uuid.UUID `db:"subject"`
	CreatedAt time.Time `db:"created_at"`
}

// SessionToken is the row backing both the opaque browser cookie and the
// signed internal bearer token it resolves to.
type SessionToken struct {
	OpaqueToken   uuid.UUID `db:"opaque_token"`
	InternalToken string    `db:"internal_token"`
	IDToken       string    `db:"id_token"`
	Subject       uuid.UUID `db:"subject"`
	Issued        time.Time `db:"issued"`
	Expires       time.Time `db:"expires"`
}
