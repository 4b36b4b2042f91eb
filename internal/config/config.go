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

// Package config loads the gateway's runtime configuration. Env var names
// are preserved from the original service so existing deployments don't
// need to change their secrets/manifests.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is every value the gateway needs at startup. All of it is
// treated as process-wide and immutable once loaded (spec.md §5).
type Config struct {
	SQLURI           string
	SQLPoolSize      int
	InternalSecret   string
	SSNEncryptionKey string

	TokenCookieName   string
	TokenCookieDomain string
	TokenCookiePath   string
	TokenDefaultScopes []string
	TokenExpiryTTL    time.Duration

	OIDCClientID          string
	OIDCClientSecret      string
	OIDCAuthorityURL      string
	OIDCLoginCallbackURL  string
	OIDCAPILogoutURL      string

	TermsFolderPath string

	ListenAddr string
}

// Option mutates a Config; used to keep Load's signature small while still
// letting cmd/auth-gateway bind every flag/env-var individually.
type Option func(*Config)

// Load builds a Config from the supplied getenv function (normally
// os.Getenv, swapped out in tests), applying any Option overrides after.
func Load(getenv func(string) string, opts ...Option) (Config, error) {
	cfg := Config{
		SQLURI:             getenv("SQL_URI"),
		InternalSecret:     getenv("INTERNAL_TOKEN_SECRET"),
		SSNEncryptionKey:   getenv("SSN_ENCRYPTION_KEY"),
		TokenCookieName:    envOrDefault(getenv, "TOKEN_COOKIE_NAME", "session"),
		TokenCookieDomain:  getenv("TOKEN_COOKIE_DOMAIN"),
		TokenCookiePath:    envOrDefault(getenv, "TOKEN_COOKIE_PATH", "/"),
		OIDCClientID:       getenv("OIDC_CLIENT_ID"),
		OIDCClientSecret:   getenv("OIDC_CLIENT_SECRET"),
		OIDCAuthorityURL:   getenv("OIDC_AUTHORITY_URL"),
		OIDCLoginCallbackURL: getenv("OIDC_LOGIN_CALLBACK_URL"),
		OIDCAPILogoutURL:   getenv("OIDC_API_LOGOUT_URL"),
		TermsFolderPath:    getenv("TERMS_FOLDER_PATH"),
		ListenAddr:         envOrDefault(getenv, "LISTEN_ADDR", ":8080"),
		TokenExpiryTTL:     time.Hour,
	}

	if raw := getenv("SQL_POOL_SIZE"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &cfg.SQLPoolSize); err != nil {
			return Config{}, fmt.Errorf("parse SQL_POOL_SIZE: %w", err)
		}
	} else {
		cfg.SQLPoolSize = 10
	}

	if raw := getenv("TOKEN_DEFAULT_SCOPES"); raw != "" {
		cfg.TokenDefaultScopes = strings.Split(raw, ",")
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that every field required for the gateway to start is
// present. It does not validate IdP reachability — that happens at
// internal/idp.NewClient, against a live network call.
func (c Config) Validate() error {
	required := map[string]string{
		"SQL_URI":                 c.SQLURI,
		"INTERNAL_TOKEN_SECRET":   c.InternalSecret,
		"SSN_ENCRYPTION_KEY":      c.SSNEncryptionKey,
		"TOKEN_COOKIE_DOMAIN":     c.TokenCookieDomain,
		"OIDC_CLIENT_ID":          c.OIDCClientID,
		"OIDC_CLIENT_SECRET":      c.OIDCClientSecret,
		"OIDC_AUTHORITY_URL":      c.OIDCAuthorityURL,
		"OIDC_LOGIN_CALLBACK_URL": c.OIDCLoginCallbackURL,
		"TERMS_FOLDER_PATH":       c.TermsFolderPath,
	}

	for name, value := range required {
		if value == "" {
			return fmt.Errorf("missing required configuration %s", name)
		}
	}

	if len(c.SSNEncryptionKey) != 16 && len(c.SSNEncryptionKey) != 24 && len(c.SSNEncryptionKey) != 32 {
		return fmt.Errorf("SSN_ENCRYPTION_KEY must be 16, 24, or 32 bytes, got %d", len(c.SSNEncryptionKey))
	}

	return nil
}

func envOrDefault(getenv func(string) string, name, fallback string) string {
	if v := getenv(name); v != "" {
		return v
	}
	return fallback
}
