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

package store_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/MartinSchmidt/eo-auth/internal/internaltoken"
	"github.com/MartinSchmidt/eo-auth/internal/store"
)

const testSSNEncryptionKey = "test-ssn-encryption-key-32-bytes"

func newMockQueryer(t *testing.T) (store.Queryer, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return sqlx.NewDb(db, "postgres"), mock
}

func newTestController(t *testing.T) *store.Controller {
	t.Helper()

	cipher, err := store.NewSSNCipher([]byte(testSSNEncryptionKey))
	require.NoError(t, err)

	return store.NewController(internaltoken.NewSigner("secret"), cipher)
}

func TestController_GetOrCreateUser_ReturnsExisting(t *testing.T) {
	q, mock := newMockQueryer(t)
	controller := newTestController(t)

	subject := uuid.New()
	rows := sqlmock.NewRows([]string{"subject", "ssn", "tin", "created_at"}).
		AddRow(subject.String(), nil, "39315041", time.Now())

	mock.ExpectQuery(`SELECT subject, ssn, tin, created_at FROM users WHERE tin = \$1`).
		WithArgs("39315041").
		WillReturnRows(rows)

	user, err := controller.GetOrCreateUser(context.Background(), q, "", "39315041")
	require.NoError(t, err)
	require.Equal(t, subject, user.Subject)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_GetOrCreateUser_InsertsWhenMissing(t *testing.T) {
	q, mock := newMockQueryer(t)
	controller := newTestController(t)

	mock.ExpectQuery(`SELECT subject, ssn, tin, created_at FROM users WHERE tin = \$1`).
		WithArgs("39315041").
		WillReturnRows(sqlmock.NewRows([]string{"subject", "ssn", "tin", "created_at"}))

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user, err := controller.GetOrCreateUser(context.Background(), q, "", "39315041")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, user.Subject)
	require.Equal(t, "39315041", *user.TIN)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_GetOrCreateUser_EncryptsSSNAtRest(t *testing.T) {
	q, mock := newMockQueryer(t)
	controller := newTestController(t)

	cipher, err := store.NewSSNCipher([]byte(testSSNEncryptionKey))
	require.NoError(t, err)
	encrypted, err := cipher.Encrypt("0101701234")
	require.NoError(t, err)
	require.NotEqual(t, "0101701234", encrypted)

	mock.ExpectQuery(`SELECT subject, ssn, tin, created_at FROM users WHERE ssn = \$1`).
		WithArgs(encrypted).
		WillReturnRows(sqlmock.NewRows([]string{"subject", "ssn", "tin", "created_at"}))

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(sqlmock.AnyArg(), encrypted, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user, err := controller.GetOrCreateUser(context.Background(), q, "0101701234", "")
	require.NoError(t, err)
	require.Equal(t, "0101701234", *user.SSN)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_GetOrCreateUser_DecryptsExistingSSN(t *testing.T) {
	q, mock := newMockQueryer(t)
	controller := newTestController(t)

	cipher, err := store.NewSSNCipher([]byte(testSSNEncryptionKey))
	require.NoError(t, err)
	encrypted, err := cipher.Encrypt("0101701234")
	require.NoError(t, err)

	subject := uuid.New()
	rows := sqlmock.NewRows([]string{"subject", "ssn", "tin", "created_at"}).
		AddRow(subject.String(), encrypted, nil, time.Now())

	mock.ExpectQuery(`SELECT subject, ssn, tin, created_at FROM users WHERE ssn = \$1`).
		WithArgs(encrypted).
		WillReturnRows(rows)

	user, err := controller.GetOrCreateUser(context.Background(), q, "0101701234", "")
	require.NoError(t, err)
	require.Equal(t, "0101701234", *user.SSN)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_GetOrCreateUser_RequiresSSNOrTIN(t *testing.T) {
	q, _ := newMockQueryer(t)
	controller := newTestController(t)

	_, err := controller.GetOrCreateUser(context.Background(), q, "", "")
	require.Error(t, err)
}

func TestController_AttachExternalUser_NoOpWhenAlreadyLinked(t *testing.T) {
	q, mock := newMockQueryer(t)
	controller := newTestController(t)

	user := store.User{Subject: uuid.New()}

	mock.ExpectQuery(`SELECT count\(\*\) FROM external_users WHERE identity_provider = \$1 AND external_subject = \$2`).
		WithArgs("mitid", "sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := controller.AttachExternalUser(context.Background(), q, user, "mitid", "sub-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_CreateToken_SignsAndInserts(t *testing.T) {
	q, mock := newMockQueryer(t)
	controller := newTestController(t)

	subject := uuid.New()

	mock.ExpectExec(`INSERT INTO session_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	opaque, err := controller.CreateToken(context.Background(), q, subject, "raw-id-token", []string{"read"}, time.Hour)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, opaque)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestController_GetToken_AppliesValidityFilter(t *testing.T) {
	q, mock := newMockQueryer(t)
	controller := newTestController(t)

	opaque := uuid.New()

	mock.ExpectQuery(`SELECT opaque_token, internal_token, id_token, subject, issued, expires FROM session_tokens WHERE opaque_token = \$1 AND issued <= \$2 AND expires > \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"opaque_token", "internal_token", "id_token", "subject", "issued", "expires"}))

	token, err := controller.GetToken(context.Background(), q, opaque, true)
	require.NoError(t, err)
	require.Nil(t, token)
	require.NoError(t, mock.ExpectationsWereMet())
}
