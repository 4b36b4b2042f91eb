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

// Package store is the gateway's transactional persistence layer: session
// store, token controller, and the fluent query layer (C7) above a
// Postgres database.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Queryer is the subset of *sqlx.DB / *sqlx.Tx the query layer needs,
// letting the same query builders run against either a pooled connection
// or a caller-provided transaction.
type Queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// Store owns the Postgres connection pool.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and bounds the pool to poolSize connections.
func Open(dsn string, poolSize int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}

	return &Store{db: db}, nil
}

// New wraps an already-open sqlx connection, for callers (and tests) that
// manage the underlying *sql.DB themselves.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single database transaction, rolling back on any
// error (including a panic, which is re-raised after rollback) and
// committing otherwise. The orchestrator runs its whole login decision,
// including the SUCCESS mint sequence, through this; the session lookups
// and deletion on forward-auth and logout use DB() instead.
func (s *Store) WithTx(ctx context.Context, fn func(tx Queryer) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// DB exposes the pooled connection directly for read-only operations that
// don't need transactional semantics (e.g. the forward-auth lookup, which
// spec.md §4.5 requires to be a single fast indexed lookup, not a
// transaction).
func (s *Store) DB() Queryer {
	return s.db
}
