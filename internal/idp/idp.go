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

// Package idp adapts a single OpenID Connect relying-party session against
// the external identity provider: building the authorization URL, exchanging
// the authorization code for verified tokens, and best-effort back-channel
// logout.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/MartinSchmidt/eo-auth/internal/jwks"
)

// Config holds the client-side OIDC relying-party configuration, sourced
// from environment variables by internal/config.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthorityURL string
	RedirectURL  string
	LogoutURL    string
	Scopes       []string
}

// IdpToken is the verified, flattened result of a code exchange: the claims
// relevant to the gateway out of both the standard id_token and the
// identity provider's non-standard userinfo_token.
type IdpToken struct {
	Subject   string
	Provider  string
	Issued    time.Time
	Expires   time.Time
	Scope     []string
	IDToken   string
	SSN       string
	TIN       string
	IsPrivate bool
	IsCompany bool
}

// idTokenClaims are the claims the gateway requires out of the standard
// OIDC id_token.
type idTokenClaims struct {
	Subject string `json:"sub"`
	IssuedAt int64 `json:"iat"`
	Expiry   int64 `json:"exp"`
	Provider string `json:"idp"`
}

// userInfoClaims are the claims carried in the identity provider's
// non-standard userinfo_token, named after the fields the signaturgruppen
// identity provider issues.
type userInfoClaims struct {
	Subject  string   `json:"sub"`
	IssuedAt int64    `json:"iat"`
	Expiry   int64    `json:"exp"`
	Provider string   `json:"idp"`
	Scope    []string `json:"scope"`
	SSN      string   `json:"dk.cpr"`
	TIN      string   `json:"nemid.cvr"`
}

// Client is one configured relying-party session against the identity
// provider's discovery document.
type Client struct {
	cfg      Config
	oauthCfg oauth2.Config
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	userInfo jwks.KeySet
	http     *http.Client
}

// NewClient discovers the identity provider at cfg.AuthorityURL and returns
// a ready-to-use Client. httpClient, if non-nil, is used for discovery, code
// exchange, and logout calls (the gateway wires in pkg/httpclient's
// retrying client); a nil httpClient falls back to http.DefaultClient.
func NewClient(ctx context.Context, cfg Config, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	discoveryCtx := oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(discoveryCtx, cfg.AuthorityURL)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC provider at %q: %w", cfg.AuthorityURL, err)
	}

	var claims struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&claims); err != nil {
		return nil, fmt.Errorf("read provider metadata: %w", err)
	}

	return &Client{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		userInfo: jwks.NewRemoteKeySet(claims.JWKSURL),
		http:     httpClient,
		oauthCfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
	}, nil
}

// CreateAuthorizationURL builds the IdP authorize endpoint URL carrying the
// given opaque state (the caller's encoded AuthState), which is also sent
// as the nonce.
// validateSSN requests the provider's stricter identity assurance level
// when true; language, if non-empty, is forwarded as an idp-hint for the
// login page locale.
func (c *Client) CreateAuthorizationURL(state, callbackURI string, validateSSN bool, language string) string {
	cfg := c.oauthCfg
	cfg.RedirectURL = callbackURI

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", state),
	}
	if validateSSN {
		opts = append(opts, oauth2.SetAuthURLParam("idp_values", "nemid.ssn,mitid.ssn"))
	}
	if language != "" {
		opts = append(opts, oauth2.SetAuthURLParam("language", language))
	}

	return cfg.AuthCodeURL(state, opts...)
}

// FetchToken exchanges an authorization code for the provider's token
// bundle and verifies both the standard id_token and the provider's
// non-standard userinfo_token.
func (c *Client) FetchToken(ctx context.Context, code, redirectURI string) (IdpToken, error) {
	cfg := c.oauthCfg
	cfg.RedirectURL = redirectURI

	exchangeCtx := oidc.ClientContext(ctx, c.http)

	oauth2Token, err := cfg.Exchange(exchangeCtx, code)
	if err != nil {
		return IdpToken{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return IdpToken{}, fmt.Errorf("token response missing id_token")
	}

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return IdpToken{}, fmt.Errorf("verify id_token: %w", err)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return IdpToken{}, fmt.Errorf("decode id_token claims: %w", err)
	}
	if claims.Subject == "" || claims.IssuedAt == 0 || claims.Expiry == 0 || claims.Provider == "" {
		return IdpToken{}, fmt.Errorf("id_token missing required claims")
	}

	result := IdpToken{
		Subject:  claims.Subject,
		Provider: claims.Provider,
		Issued:   time.Unix(claims.IssuedAt, 0),
		Expires:  time.Unix(claims.Expiry, 0),
		IDToken:  rawIDToken,
	}

	rawUserInfo, ok := oauth2Token.Extra("userinfo_token").(string)
	if ok && rawUserInfo != "" {
		userInfo, err := c.verifyUserInfoToken(ctx, rawUserInfo)
		if err != nil {
			return IdpToken{}, fmt.Errorf("verify userinfo_token: %w", err)
		}

		result.Scope = userInfo.Scope
		result.SSN = userInfo.SSN
		result.TIN = userInfo.TIN
		result.IsPrivate = userInfo.SSN != ""
		result.IsCompany = userInfo.TIN != ""
	}

	if scope, ok := oauth2Token.Extra("scope").(string); ok && scope != "" && result.Scope == nil {
		result.Scope = strings.Fields(scope)
	}

	return result, nil
}

// verifyUserInfoToken manually checks the signature of the provider's
// non-standard userinfo_token against its JWKS, since it is not a standard
// OIDC artifact coreos/go-oidc knows how to verify.
func (c *Client) verifyUserInfoToken(ctx context.Context, raw string) (userInfoClaims, error) {
	sig, err := jose.ParseSigned(raw)
	if err != nil {
		return userInfoClaims{}, fmt.Errorf("parse userinfo_token: %w", err)
	}
	if len(sig.Signatures) != 1 {
		return userInfoClaims{}, fmt.Errorf("userinfo_token must have exactly one signature")
	}

	keyID := sig.Signatures[0].Header.KeyID

	key, err := c.userInfo.Key(ctx, keyID)
	if err != nil {
		return userInfoClaims{}, fmt.Errorf("resolve userinfo_token signing key: %w", err)
	}
	if key == nil {
		return userInfoClaims{}, fmt.Errorf("unknown userinfo_token key id %q", keyID)
	}

	payload, err := sig.Verify(key)
	if err != nil {
		return userInfoClaims{}, fmt.Errorf("verify userinfo_token signature: %w", err)
	}

	var claims userInfoClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return userInfoClaims{}, fmt.Errorf("decode userinfo_token claims: %w", err)
	}
	if claims.Subject == "" || claims.IssuedAt == 0 || claims.Expiry == 0 || claims.Provider == "" {
		return userInfoClaims{}, fmt.Errorf("userinfo_token missing required claims")
	}

	return claims, nil
}

// Logout calls the identity provider's back-channel logout endpoint with
// the given raw id_token. Callers treat failures as best-effort: local
// session teardown proceeds regardless.
func (c *Client) Logout(ctx context.Context, idToken string) error {
	if c.cfg.LogoutURL == "" {
		return nil
	}

	body := strings.NewReader(url.Values{"id_token": {idToken}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.LogoutURL, body)
	if err != nil {
		return fmt.Errorf("build logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call IdP logout: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("IdP logout returned status %q", resp.Status)
	}

	return nil
}
