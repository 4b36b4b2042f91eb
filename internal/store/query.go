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
	"strings"
	"time"

	"github.com/google/uuid"
)

// predicate accumulates AND-ed WHERE clauses and their positional
// arguments, shared by every entity's fluent query type below. Every
// predicate method on a concrete query type is itself an AND against
// whatever was already chained, per the fluent query layer contract (C7).
type predicate struct {
	conds []string
	args  []interface{}
}

func (p *predicate) and(cond string, args ...interface{}) {
	p.conds = append(p.conds, cond)
	p.args = append(p.args, args...)
}

func (p *predicate) where() string {
	if len(p.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.conds, " AND ")
}

// UserQuery is the fluent query builder over the users table.
type UserQuery struct {
	q  Queryer
	pr predicate
}

// NewUserQuery starts a query over users run against q.
func NewUserQuery(q Queryer) *UserQuery { return &UserQuery{q: q} }

// HasSSN restricts the query to the user with the given SSN.
func (q *UserQuery) HasSSN(ssn string) *UserQuery {
	q.pr.and(fmt.Sprintf("ssn = $%d", len(q.pr.args)+1), ssn)
	return q
}

// HasTIN restricts the query to the user with the given TIN.
func (q *UserQuery) HasTIN(tin string) *UserQuery {
	q.pr.and(fmt.Sprintf("tin = $%d", len(q.pr.args)+1), tin)
	return q
}

// HasSubject restricts the query to one specific subject.
func (q *UserQuery) HasSubject(subject uuid.UUID) *UserQuery {
	q.pr.and(fmt.Sprintf("subject = $%d", len(q.pr.args)+1), subject)
	return q
}

func (q *UserQuery) sql(cols string) string {
	return "SELECT " + cols + " FROM users" + q.pr.where()
}

// OneOrNone returns the single matching row, or nil if none matches.
func (q *UserQuery) OneOrNone(ctx context.Context) (*User, error) {
	var rows []User
	if err := sqlxSelect(ctx, q.q, &rows, q.sql("subject, ssn, tin, created_at"), q.pr.args); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// All returns every matching row.
func (q *UserQuery) All(ctx context.Context) ([]User, error) {
	var rows []User
	err := sqlxSelect(ctx, q.q, &rows, q.sql("subject, ssn, tin, created_at"), q.pr.args)
	return rows, err
}

// Count returns the number of matching rows.
func (q *UserQuery) Count(ctx context.Context) (int, error) {
	return sqlxCount(ctx, q.q, q.sql("count(*)"), q.pr.args)
}

// Exists reports whether at least one row matches.
func (q *UserQuery) Exists(ctx context.Context) (bool, error) {
	count, err := q.Count(ctx)
	return count > 0, err
}

// ExternalUserQuery is the fluent query builder over external_users.
type ExternalUserQuery struct {
	q  Queryer
	pr predicate
}

// NewExternalUserQuery starts a query over external_users run against q.
func NewExternalUserQuery(q Queryer) *ExternalUserQuery { return &ExternalUserQuery{q: q} }

// HasIdentityProvider restricts the query to one identity provider.
func (q *ExternalUserQuery) HasIdentityProvider(idp string) *ExternalUserQuery {
	q.pr.and(fmt.Sprintf("identity_provider = $%d", len(q.pr.args)+1), idp)
	return q
}

// HasExternalSubject restricts the query to one external subject.
func (q *ExternalUserQuery) HasExternalSubject(externalSubject string) *ExternalUserQuery {
	q.pr.and(fmt.Sprintf("external_subject = $%d", len(q.pr.args)+1), externalSubject)
	return q
}

// HasSubject restricts the query to links belonging to one User.
func (q *ExternalUserQuery) HasSubject(subject uuid.UUID) *ExternalUserQuery {
	q.pr.and(fmt.Sprintf("subject = $%d", len(q.pr.args)+1), subject)
	return q
}

func (q *ExternalUserQuery) sql(cols string) string {
	return "SELECT " + cols + " FROM external_users" + q.pr.where()
}

// OneOrNone returns the single matching row, or nil if none matches.
func (q *ExternalUserQuery) OneOrNone(ctx context.Context) (*ExternalUser, error) {
	var rows []ExternalUser
	cols := "identity_provider, external_subject, subject, created_at"
	if err := sqlxSelect(ctx, q.q, &rows, q.sql(cols), q.pr.args); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// All returns every matching row.
func (q *ExternalUserQuery) All(ctx context.Context) ([]ExternalUser, error) {
	var rows []ExternalUser
	cols := "identity_provider, external_subject, subject, created_at"
	err := sqlxSelect(ctx, q.q, &rows, q.sql(cols), q.pr.args)
	return rows, err
}

// Count returns the number of matching rows.
func (q *ExternalUserQuery) Count(ctx context.Context) (int, error) {
	return sqlxCount(ctx, q.q, q.sql("count(*)"), q.pr.args)
}

// Exists reports whether at least one row matches.
func (q *ExternalUserQuery) Exists(ctx context.Context) (bool, error) {
	count, err := q.Count(ctx)
	return count > 0, err
}

// LoginRecordQuery is the fluent query builder over login_records.
type LoginRecordQuery struct {
	q  Queryer
	pr predicate
}

// NewLoginRecordQuery starts a query over login_records run against q.
func NewLoginRecordQuery(q Queryer) *LoginRecordQuery { return &LoginRecordQuery{q: q} }

// HasSubject restricts the query to logins by one User.
func (q *LoginRecordQuery) HasSubject(subject uuid.UUID) *LoginRecordQuery {
	q.pr.and(fmt.Sprintf("subject = $%d", len(q.pr.args)+1), subject)
	return q
}

func (q *LoginRecordQuery) sql(cols string) string {
	return "SELECT " + cols + " FROM login_records" + q.pr.where()
}

// All returns every matching row.
func (q *LoginRecordQuery) All(ctx context.Context) ([]LoginRecord, error) {
	var rows []LoginRecord
	err := sqlxSelect(ctx, q.q, &rows, q.sql("id, subject, created_at"), q.pr.args)
	return rows, err
}

// Count returns the number of matching rows.
func (q *LoginRecordQuery) Count(ctx context.Context) (int, error) {
	return sqlxCount(ctx, q.q, q.sql("count(*)"), q.pr.args)
}

// SessionTokenQuery is the fluent query builder over session_tokens.
type SessionTokenQuery struct {
	q  Queryer
	pr predicate
}

// NewSessionTokenQuery starts a query over session_tokens run against q.
func NewSessionTokenQuery(q Queryer) *SessionTokenQuery { return &SessionTokenQuery{q: q} }

// HasOpaqueToken restricts the query to one opaque token.
func (q *SessionTokenQuery) HasOpaqueToken(token uuid.UUID) *SessionTokenQuery {
	q.pr.and(fmt.Sprintf("opaque_token = $%d", len(q.pr.args)+1), token)
	return q
}

// HasSubject restricts the query to sessions belonging to one User.
func (q *SessionTokenQuery) HasSubject(subject uuid.UUID) *SessionTokenQuery {
	q.pr.and(fmt.Sprintf("subject = $%d", len(q.pr.args)+1), subject)
	return q
}

// IsValid restricts the query to rows valid at the current instant:
// issued <= now < expires.
func (q *SessionTokenQuery) IsValid() *SessionTokenQuery {
	now := time.Now().UTC()
	q.pr.and(fmt.Sprintf("issued <= $%d", len(q.pr.args)+1), now)
	q.pr.and(fmt.Sprintf("expires > $%d", len(q.pr.args)+1), now)
	return q
}

func (q *SessionTokenQuery) sql(cols string) string {
	return "SELECT " + cols + " FROM session_tokens" + q.pr.where()
}

// OneOrNone returns the single matching row, or nil if none matches.
func (q *SessionTokenQuery) OneOrNone(ctx context.Context) (*SessionToken, error) {
	var rows []SessionToken
	cols := "opaque_token, internal_token, id_token, subject, issued, expires"
	if err := sqlxSelect(ctx, q.q, &rows, q.sql(cols), q.pr.args); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Count returns the number of matching rows.
func (q *SessionTokenQuery) Count(ctx context.Context) (int, error) {
	return sqlxCount(ctx, q.q, q.sql("count(*)"), q.pr.args)
}

// Exists reports whether at least one row matches.
func (q *SessionTokenQuery) Exists(ctx context.Context) (bool, error) {
	count, err := q.Count(ctx)
	return count > 0, err
}

// Delete removes every matching row and returns how many were deleted.
func (q *SessionTokenQuery) Delete(ctx context.Context) (int64, error) {
	sql := "DELETE FROM session_tokens" + q.pr.where()

	result, err := q.q.ExecContext(ctx, sql, q.pr.args...)
	if err != nil {
		return 0, fmt.Errorf("delete session_tokens: %w", err)
	}

	return result.RowsAffected()
}
