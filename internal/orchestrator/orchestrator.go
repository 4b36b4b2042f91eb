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

// Package orchestrator implements the login state machine: deciding, after
// each hop of the OIDC flow, whether the next step is another redirect,
// the terms prompt, a minted session, or a failure.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/MartinSchmidt/eo-auth/internal/authstate"
	"github.com/MartinSchmidt/eo-auth/internal/idp"
	"github.com/MartinSchmidt/eo-auth/internal/store"
)

// Policy selects which behavior the caller wants out of Advance, modeling
// spec.md §9's "inheritance-to-dispatch" note as a tagged variant instead
// of an overridable base class.
type Policy int

const (
	// Standard only mints a session for an already-known user; an unknown
	// user is routed to the terms prompt.
	Standard Policy = iota
	// CreateOnTermsAccept additionally creates the user when the caller has
	// just accepted the terms, then mints the session (the CREATE branch).
	CreateOnTermsAccept
)

// Step is the result of one orchestrator decision: either a redirect
// (browser hop) or a response body (programmatic POST), both optionally
// carrying a Set-Cookie.
type Step struct {
	NextURL      string
	Cookie       *http.Cookie
	EncodedState string
}

// Config is the orchestrator's fixed, construction-time dependencies — a
// process-wide immutable singleton set per spec.md §9.
type Config struct {
	Codec          *authstate.Codec
	IDTokenCipher  *authstate.IDTokenCipher
	Store          *store.Store
	Controller     *store.Controller
	IdP            *idp.Client
	CookieName     string
	CookieDomain   string
	CookiePath     string
	DefaultScopes  []string
	TokenExpiryTTL time.Duration
}

// Orchestrator is the stateless decision point of the login flow. It holds
// no per-request state: every decision is a pure function of the AuthState
// handed in plus a store lookup.
type Orchestrator struct {
	cfg Config
}

// New returns an Orchestrator built from cfg.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// ErrorCode is the taxonomy from spec.md §7.
type ErrorCode string

const (
	ErrorGeneric        ErrorCode = "E0"
	ErrorUserAborted    ErrorCode = "E1"
	ErrorTermsDeclined  ErrorCode = "E4"
	ErrorTokenExchange  ErrorCode = "E505"
)

// Advance looks up the user implied by state and returns the next step:
// SUCCESS (mint) if the user already exists, or — per policy — either the
// terms prompt or the CREATE+SUCCESS path.
func (o *Orchestrator) Advance(ctx context.Context, state authstate.State, policy Policy) (Step, error) {
	var step Step

	err := o.cfg.Store.WithTx(ctx, func(q store.Queryer) error {
		user, err := o.cfg.Controller.GetUserByExternalSubject(ctx, q, state.IdentityProvider, state.ExternalSubject)
		if err != nil {
			return fmt.Errorf("look up user: %w", err)
		}

		if user != nil {
			s, err := o.mintSuccess(ctx, q, *user, state)
			if err != nil {
				return err
			}
			step = s
			return nil
		}

		if policy == Standard || !state.TermsAccepted {
			s, err := o.promptTerms(state)
			if err != nil {
				return err
			}
			step = s
			return nil
		}

		s, err := o.createAndMint(ctx, q, state)
		if err != nil {
			return err
		}
		step = s
		return nil
	})
	if err != nil {
		return Step{}, err
	}

	return step, nil
}

// createAndMint implements the CREATE branch: it MUST NOT be reached
// without terms_accepted, per spec.md §7 — Advance already guards this,
// but the check is repeated here as the hard invariant so that any future
// caller of createAndMint directly can't silently create a user without
// consent.
func (o *Orchestrator) createAndMint(ctx context.Context, q store.Queryer, state authstate.State) (Step, error) {
	if !state.TermsAccepted {
		return Step{}, fmt.Errorf("create user invoked without terms_accepted")
	}

	user, err := o.cfg.Controller.GetOrCreateUser(ctx, q, "", state.TIN)
	if err != nil {
		return Step{}, fmt.Errorf("get or create user: %w", err)
	}

	if err := o.cfg.Controller.AttachExternalUser(ctx, q, user, state.IdentityProvider, state.ExternalSubject); err != nil {
		return Step{}, fmt.Errorf("attach external user: %w", err)
	}

	return o.mintSuccess(ctx, q, user, state)
}

// mintSuccess runs the SUCCESS sequence from spec.md §4.2: login record,
// id_token decryption, internal token signing, opaque token + session row,
// and the Set-Cookie header. The whole sequence runs inside the caller's
// transaction.
func (o *Orchestrator) mintSuccess(ctx context.Context, q store.Queryer, user store.User, state authstate.State) (Step, error) {
	if err := o.cfg.Controller.RegisterUserLogin(ctx, q, user); err != nil {
		return Step{}, fmt.Errorf("register login: %w", err)
	}

	rawIDToken, err := o.cfg.IDTokenCipher.Decrypt(state.IDToken)
	if err != nil {
		return Step{}, fmt.Errorf("decrypt id_token: %w", err)
	}

	opaqueToken, err := o.cfg.Controller.CreateToken(ctx, q, user.Subject, rawIDToken, o.cfg.DefaultScopes, o.cfg.TokenExpiryTTL)
	if err != nil {
		return Step{}, fmt.Errorf("create session token: %w", err)
	}

	nextURL, err := appendQuery(state.ReturnURL, "success", "1")
	if err != nil {
		return Step{}, fmt.Errorf("build success redirect: %w", err)
	}

	return Step{
		NextURL: nextURL,
		Cookie:  o.sessionCookie(opaqueToken, o.cfg.TokenExpiryTTL),
	}, nil
}

// promptTerms re-encodes state (unchanged) and points the caller at the
// frontend's terms page, carrying the encoded state as its `state` query
// parameter.
func (o *Orchestrator) promptTerms(state authstate.State) (Step, error) {
	encoded, err := o.cfg.Codec.Encode(state)
	if err != nil {
		return Step{}, fmt.Errorf("encode state: %w", err)
	}

	nextURL, err := joinPath(state.FeURL, "/terms")
	if err != nil {
		return Step{}, fmt.Errorf("build terms redirect: %w", err)
	}

	nextURL, err = appendQuery(nextURL, "state", encoded)
	if err != nil {
		return Step{}, fmt.Errorf("build terms redirect: %w", err)
	}

	return Step{NextURL: nextURL, EncodedState: encoded}, nil
}

// Fail produces the FAILURE step: a best-effort IdP logout of the pending
// session's id_token, followed by a redirect to return_url carrying the
// given error code.
func (o *Orchestrator) Fail(ctx context.Context, state authstate.State, code ErrorCode) Step {
	if state.IDToken != "" {
		if rawIDToken, err := o.cfg.IDTokenCipher.Decrypt(state.IDToken); err == nil {
			_ = o.cfg.IdP.Logout(ctx, rawIDToken)
		}
	}

	nextURL, err := appendQuery(state.ReturnURL, "success", "0")
	if err != nil {
		nextURL = state.ReturnURL
	}
	nextURL, err = appendQuery(nextURL, "error_code", string(code))
	if err != nil {
		nextURL = state.ReturnURL
	}

	return Step{NextURL: nextURL}
}

func (o *Orchestrator) sessionCookie(opaqueToken uuid.UUID, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     o.cfg.CookieName,
		Value:    opaqueToken.String(),
		Domain:   o.cfg.CookieDomain,
		Path:     o.cfg.CookiePath,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(ttl),
	}
}

// ExpiredCookie returns the Set-Cookie value that clears the session
// cookie on logout: same attributes, empty value, Expires in the past.
func (o *Orchestrator) ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     o.cfg.CookieName,
		Value:    "",
		Domain:   o.cfg.CookieDomain,
		Path:     o.cfg.CookiePath,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
	}
}

func appendQuery(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse URL %q: %w", rawURL, err)
	}

	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func joinPath(base, suffix string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse URL %q: %w", base, err)
	}

	u.Path = u.Path + suffix

	return u.String(), nil
}
