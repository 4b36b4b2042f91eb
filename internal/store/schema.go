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

// Schema is the Postgres DDL for the gateway's four tables. Applying it is
// left to whatever migration tool the deployment already uses (out of
// scope for this package); it is exported as a constant so a migration
// file or a one-off `psql -f` can stay byte-for-byte in sync with the Go
// models in models.go.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	subject    UUID PRIMARY KEY,
	ssn        TEXT UNIQUE,
	tin        TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT users_ssn_or_tin CHECK (ssn IS NOT NULL OR tin IS NOT NULL)
);

CREATE TABLE IF NOT EXISTS external_users (
	identity_provider TEXT NOT NULL,
	external_subject  TEXT NOT NULL,
	subject           UUID NOT NULL REFERENCES users (subject),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (identity_provider, external_subject)
);

CREATE TABLE IF NOT EXISTS login_records (
	id         UUID PRIMARY KEY,
	subject    UUID NOT NULL REFERENCES users (subject),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_tokens (
	opaque_token   UUID PRIMARY KEY,
	internal_token TEXT NOT NULL,
	id_token       TEXT NOT NULL,
	subject        UUID NOT NULL REFERENCES users (subject),
	issued         TIMESTAMPTZ NOT NULL,
	expires        TIMESTAMPTZ NOT NULL,
	CONSTRAINT session_tokens_issued_before_expires CHECK (issued < expires)
);
`
