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

// Package httpapi exposes the gateway's HTTP surface (§6): the OIDC login
// flow, the terms sub-flow, the forward-auth exchange, and the
// bearer-token-protected profile/inspect endpoints. It is a thin boundary
// translating orchestrator/store/idp results into the HTTP contracts —
// no business logic lives here.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MartinSchmidt/eo-auth/internal/authstate"
	"github.com/MartinSchmidt/eo-auth/internal/idp"
	"github.com/MartinSchmidt/eo-auth/internal/internaltoken"
	"github.com/MartinSchmidt/eo-auth/internal/orchestrator"
	"github.com/MartinSchmidt/eo-auth/internal/store"
	"github.com/MartinSchmidt/eo-auth/internal/terms"
)

// Config is every dependency the HTTP boundary needs, built once at
// startup and passed in as immutable construction-time state.
type Config struct {
	Codec         *authstate.Codec
	IDTokenCipher *authstate.IDTokenCipher
	Orchestrator  *orchestrator.Orchestrator
	Store         *store.Store
	Controller    *store.Controller
	IdP           *idp.Client
	TokenSigner   *internaltoken.Signer
	TokenVerifier *internaltoken.Verifier
	Terms         *terms.Store

	CookieName   string
	CallbackURL  string
	DefaultScope []string
	TokenTTL     time.Duration

	// AllowTestTokenEndpoint gates POST /token/create-test-token, which
	// mints a token without going through the IdP at all — it must never
	// be reachable in a production deployment.
	AllowTestTokenEndpoint bool
}

// NewRouter builds the chi router serving every endpoint in §6.
func NewRouter(cfg Config) http.Handler {
	h := &handler{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/oidc/login", h.oidcLogin)
	r.Get("/oidc/login/callback", h.oidcLoginCallback)
	r.Post("/oidc/login/invalidate", h.oidcLoginInvalidate)
	r.Post("/logout", h.logout)
	r.Get("/profile", h.profile)
	r.Get("/token/forward-auth", h.forwardAuth)
	r.Get("/token/inspect", h.tokenInspect)
	if cfg.AllowTestTokenEndpoint {
		r.Post("/token/create-test-token", h.createTestToken)
	}
	r.Get("/terms", h.getTerms)
	r.Post("/terms/accept", h.acceptTerms)

	return r
}

type handler struct {
	cfg Config
}
