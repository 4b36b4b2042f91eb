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

	"github.com/jmoiron/sqlx"
)

// sqlxSelect runs query against q and scans the results into dest, which
// must be a pointer to a slice — the shared plumbing under every query
// type's All/OneOrNone terminator.
func sqlxSelect(ctx context.Context, q Queryer, dest interface{}, query string, args []interface{}) error {
	if err := sqlx.SelectContext(ctx, q, dest, query, args...); err != nil {
		return fmt.Errorf("query %q: %w", query, err)
	}
	return nil
}

// sqlxCount runs a `count(*)` query and returns the scalar result.
func sqlxCount(ctx context.Context, q Queryer, query string, args []interface{}) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, q, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count %q: %w", query, err)
	}
	return count, nil
}
