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

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/MartinSchmidt/eo-auth/internal/authstate"
	"github.com/MartinSchmidt/eo-auth/internal/internaltoken"
	"github.com/MartinSchmidt/eo-auth/internal/orchestrator"
	"github.com/MartinSchmidt/eo-auth/internal/sessioncookie"
)

func (h *handler) health(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusOK)
}

// oidcLogin builds the IdP authorization URL for a fresh login, carrying
// the caller's fe_url/return_url inside a freshly-encoded AuthState.
func (h *handler) oidcLogin(rw http.ResponseWriter, r *http.Request) {
	feURL := r.URL.Query().Get("fe_url")
	returnURL := r.URL.Query().Get("return_url")

	if feURL == "" || returnURL == "" {
		http.Error(rw, "fe_url and return_url are required", http.StatusBadRequest)
		return
	}

	encoded, err := h.cfg.Codec.Encode(authstate.State{FeURL: feURL, ReturnURL: returnURL})
	if err != nil {
		log.Error().Err(err).Msg("Encode auth state")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	authURL := h.cfg.IdP.CreateAuthorizationURL(encoded, h.cfg.CallbackURL, false, r.URL.Query().Get("language"))

	writeJSON(rw, http.StatusOK, map[string]string{"next_url": authURL})
}

// oidcLoginCallback handles the IdP redirect after authentication: on an
// IdP-signalled error it fails the flow per spec.md §7's error mapping;
// otherwise it exchanges the code, decodes the carried AuthState, and
// advances the orchestrator.
func (h *handler) oidcLoginCallback(rw http.ResponseWriter, r *http.Request) {
	rawState := r.URL.Query().Get("state")

	state, err := h.cfg.Codec.Decode(rawState)
	if err != nil {
		var decodeErr *authstate.DecodeError
		if errors.As(err, &decodeErr) {
			http.Error(rw, decodeErr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(rw, "malformed state", http.StatusBadRequest)
		return
	}

	if idpError := r.URL.Query().Get("error"); idpError != "" {
		step := h.cfg.Orchestrator.Fail(r.Context(), state, mapIdPError(idpError, r.URL.Query().Get("error_description")))
		h.redirect(rw, r, step)
		return
	}

	idpToken, err := h.cfg.IdP.FetchToken(r.Context(), r.URL.Query().Get("code"), h.cfg.CallbackURL)
	if err != nil {
		log.Error().Err(err).Msg("Exchange authorization code")
		step := h.cfg.Orchestrator.Fail(r.Context(), state, orchestrator.ErrorTokenExchange)
		h.redirect(rw, r, step)
		return
	}

	encryptedIDToken, err := h.cfg.IDTokenCipher.Encrypt(idpToken.IDToken)
	if err != nil {
		log.Error().Err(err).Msg("Encrypt id_token")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	state.IdentityProvider = idpToken.Provider
	state.ExternalSubject = idpToken.Subject
	state.TIN = idpToken.TIN
	state.IDToken = encryptedIDToken

	step, err := h.cfg.Orchestrator.Advance(r.Context(), state, orchestrator.Standard)
	if err != nil {
		log.Error().Err(err).Msg("Advance login orchestrator")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	h.redirect(rw, r, step)
}

// oidcLoginInvalidate decodes the posted AuthState purely to validate it;
// it exists for the frontend to confirm a state blob is still well-formed
// before driving the user further into the flow.
func (h *handler) oidcLoginInvalidate(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(rw, "malformed request body", http.StatusBadRequest)
		return
	}

	if _, err := h.cfg.Codec.Decode(body.State); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	rw.WriteHeader(http.StatusOK)
}

// logout deletes the caller's SessionToken, best-effort logs the pending
// IdP session out, and clears the session cookie regardless of whether a
// session existed.
func (h *handler) logout(rw http.ResponseWriter, r *http.Request) {
	opaqueToken, err := sessioncookie.Read(r, h.cfg.CookieName)
	if err != nil {
		http.SetCookie(rw, h.cfg.Orchestrator.ExpiredCookie())
		writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
		return
	}

	session, err := h.cfg.Controller.GetToken(r.Context(), h.cfg.Store.DB(), opaqueToken, false)
	if err != nil {
		log.Error().Err(err).Msg("Look up session token")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	if session != nil {
		if _, err := h.cfg.Controller.DeleteToken(r.Context(), h.cfg.Store.DB(), opaqueToken); err != nil {
			log.Error().Err(err).Msg("Delete session token")
			http.Error(rw, "internal error", http.StatusInternalServerError)
			return
		}

		if session.IDToken != "" {
			if err := h.cfg.IdP.Logout(r.Context(), session.IDToken); err != nil {
				log.Error().Err(err).Msg("Back-channel IdP logout")
			}
		}
	}

	http.SetCookie(rw, h.cfg.Orchestrator.ExpiredCookie())
	writeJSON(rw, http.StatusOK, map[string]bool{"success": true})
}

// profile returns the caller's profile, gated on a verified bearer token.
// spec.md §9's open question leaves name/company undefined in source; this
// preserves the hard-coded shape rather than inventing a user-store lookup.
func (h *handler) profile(rw http.ResponseWriter, r *http.Request) {
	token, ok := h.verifyBearer(rw, r)
	if !ok {
		return
	}

	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"success": true,
		"profile": map[string]interface{}{
			"id":      token.Subject,
			"name":    "John Doe",
			"company": "New Company",
			"scope":   token.Scope,
		},
	})
}

// forwardAuth is the edge-proxy exchange: a valid session cookie becomes an
// Authorization header carrying the signed internal token. Must stay a
// single indexed lookup with no IdP contact (spec.md §4.5).
func (h *handler) forwardAuth(rw http.ResponseWriter, r *http.Request) {
	opaqueToken, err := sessioncookie.Read(r, h.cfg.CookieName)
	if err != nil {
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}

	session, err := h.cfg.Controller.GetToken(r.Context(), h.cfg.Store.DB(), opaqueToken, true)
	if err != nil {
		log.Error().Err(err).Msg("Look up session token")
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	if session == nil {
		rw.WriteHeader(http.StatusUnauthorized)
		return
	}

	rw.Header().Set("Authorization", "Bearer: "+session.InternalToken)
	rw.WriteHeader(http.StatusOK)
}

// tokenInspect returns the claims of the caller's own bearer token.
func (h *handler) tokenInspect(rw http.ResponseWriter, r *http.Request) {
	token, ok := h.verifyBearer(rw, r)
	if !ok {
		return
	}

	writeJSON(rw, http.StatusOK, map[string]interface{}{"token": token})
}

// createTestToken mints an internal token bypassing the IdP entirely. Only
// reachable when AllowTestTokenEndpoint is set, which production
// deployments must never do.
func (h *handler) createTestToken(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		http.Error(rw, "malformed request body", http.StatusBadRequest)
		return
	}

	signed, _, err := h.cfg.TokenSigner.Sign(body.Token, body.Token, h.cfg.DefaultScope, h.cfg.TokenTTL)
	if err != nil {
		log.Error().Err(err).Msg("Sign test token")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(rw, http.StatusOK, map[string]string{"token": signed})
}

func (h *handler) getTerms(rw http.ResponseWriter, _ *http.Request) {
	doc, err := h.cfg.Terms.Latest()
	if err != nil {
		log.Error().Err(err).Msg("Load terms document")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(rw, http.StatusOK, map[string]string{
		"headline": doc.Headline,
		"terms":    doc.HTML,
		"version":  doc.Version,
	})
}

// acceptTerms drives the CREATE/FAILURE branch of the flow from the
// frontend's terms page, per spec.md §4.6.
func (h *handler) acceptTerms(rw http.ResponseWriter, r *http.Request) {
	var body struct {
		State    string `json:"state"`
		Accepted bool   `json:"accepted"`
		Version  string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(rw, "malformed request body", http.StatusBadRequest)
		return
	}

	state, err := h.cfg.Codec.Decode(body.State)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	state.TermsAccepted = body.Accepted
	state.TermsVersion = body.Version

	if !body.Accepted {
		step := h.cfg.Orchestrator.Fail(r.Context(), state, orchestrator.ErrorTermsDeclined)
		h.respondStep(rw, step)
		return
	}

	step, err := h.cfg.Orchestrator.Advance(r.Context(), state, orchestrator.CreateOnTermsAccept)
	if err != nil {
		log.Error().Err(err).Msg("Advance login orchestrator")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	h.respondStep(rw, step)
}

// redirect serves a Step as a browser hop (GET /oidc/login/callback), per
// spec.md §4.2: a 307 to NextURL, setting the cookie if minted.
func (h *handler) redirect(rw http.ResponseWriter, r *http.Request, step orchestrator.Step) {
	if step.Cookie != nil {
		http.SetCookie(rw, step.Cookie)
	}
	http.Redirect(rw, r, step.NextURL, http.StatusTemporaryRedirect)
}

// respondStep serves a Step as a JSON response (POST /terms/accept), per
// spec.md §4.6: {next_url, state?} plus an optional Set-Cookie.
func (h *handler) respondStep(rw http.ResponseWriter, step orchestrator.Step) {
	if step.Cookie != nil {
		http.SetCookie(rw, step.Cookie)
	}

	body := map[string]interface{}{"next_url": step.NextURL}
	if step.EncodedState != "" {
		body["state"] = step.EncodedState
	}

	writeJSON(rw, http.StatusOK, body)
}

// verifyBearer extracts and verifies the Authorization header on protected
// endpoints, writing 401 and returning ok=false on any failure.
func (h *handler) verifyBearer(rw http.ResponseWriter, r *http.Request) (internaltoken.Token, bool) {
	const prefix = "Bearer "

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		rw.WriteHeader(http.StatusUnauthorized)
		return internaltoken.Token{}, false
	}

	token, err := h.cfg.TokenVerifier.Verify(strings.TrimPrefix(header, prefix))
	if err != nil {
		rw.WriteHeader(http.StatusUnauthorized)
		return internaltoken.Token{}, false
	}

	return token, true
}

// mapIdPError applies spec.md §7's error taxonomy to an IdP-signalled
// error code.
func mapIdPError(code, description string) orchestrator.ErrorCode {
	switch {
	case code == "access_denied" && (description == "user_aborted" || description == "mitid_user_aborted"):
		return orchestrator.ErrorUserAborted
	default:
		return orchestrator.ErrorGeneric
	}
}

func writeJSON(rw http.ResponseWriter, status int, body interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)

	if err := json.NewEncoder(rw).Encode(body); err != nil {
		log.Error().Err(err).Msg("Write JSON response")
	}
}
