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

// Package sessioncookie reads the opaque session token carried by the
// gateway's session cookie. Setting the cookie is the orchestrator's job
// (it has to be chosen atomically with the mint sequence); this package
// only covers the read side shared by every protected endpoint.
package sessioncookie

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Read extracts and parses the opaque session token from the named cookie
// on req, if present.
func Read(req *http.Request, name string) (uuid.UUID, error) {
	cookie, err := req.Cookie(name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("read session cookie: %w", err)
	}

	token, err := uuid.Parse(cookie.Value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse session cookie: %w", err)
	}

	return token, nil
}
