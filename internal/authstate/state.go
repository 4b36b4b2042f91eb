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

// Package authstate implements the signed, self-contained AuthState token
// that threads client context across the OpenID Connect redirects and the
// terms-acceptance back channel, so the gateway itself never has to keep
// server-side session state for a login in progress.
package authstate

// State is the per-flow context carried through the login. It travels as
// the `state` query parameter on the authorization request and callback,
// and as the `state` field of the terms-acceptance POST body.
type State struct {
	FeURL            string `json:"fe_url"`
	ReturnURL        string `json:"return_url"`
	TermsAccepted    bool   `json:"terms_accepted"`
	TermsVersion     string `json:"terms_version,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	TIN              string `json:"tin,omitempty"`
	IdentityProvider string `json:"identity_provider,omitempty"`
	ExternalSubject  string `json:"external_subject,omitempty"`
}
