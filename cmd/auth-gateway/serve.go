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

package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/MartinSchmidt/eo-auth/internal/authstate"
	"github.com/MartinSchmidt/eo-auth/internal/config"
	"github.com/MartinSchmidt/eo-auth/internal/httpapi"
	"github.com/MartinSchmidt/eo-auth/internal/idp"
	"github.com/MartinSchmidt/eo-auth/internal/internaltoken"
	"github.com/MartinSchmidt/eo-auth/internal/orchestrator"
	"github.com/MartinSchmidt/eo-auth/internal/store"
	"github.com/MartinSchmidt/eo-auth/internal/terms"
	"github.com/MartinSchmidt/eo-auth/pkg/httpclient"
	"github.com/MartinSchmidt/eo-auth/pkg/logger"
	"github.com/MartinSchmidt/eo-auth/pkg/version"
)

const flagAllowTestTokenEndpoint = "allow-test-token-endpoint"

type serveCmd struct {
	flags []cli.Flag
}

func newServeCmd() serveCmd {
	flgs := []cli.Flag{
		&cli.StringFlag{Name: "listen-addr", EnvVars: []string{"LISTEN_ADDR"}, Value: ":8080"},
		&cli.StringFlag{Name: "sql-uri", EnvVars: []string{"SQL_URI"}, Required: true},
		&cli.IntFlag{Name: "sql-pool-size", EnvVars: []string{"SQL_POOL_SIZE"}, Value: 10},
		&cli.StringFlag{Name: "internal-token-secret", EnvVars: []string{"INTERNAL_TOKEN_SECRET"}, Required: true},
		&cli.StringFlag{Name: "ssn-encryption-key", EnvVars: []string{"SSN_ENCRYPTION_KEY"}, Required: true},
		&cli.StringFlag{Name: "token-cookie-name", EnvVars: []string{"TOKEN_COOKIE_NAME"}, Value: "session"},
		&cli.StringFlag{Name: "token-cookie-domain", EnvVars: []string{"TOKEN_COOKIE_DOMAIN"}, Required: true},
		&cli.StringFlag{Name: "token-cookie-path", EnvVars: []string{"TOKEN_COOKIE_PATH"}, Value: "/"},
		&cli.StringFlag{Name: "token-default-scopes", EnvVars: []string{"TOKEN_DEFAULT_SCOPES"}},
		&cli.StringFlag{Name: "oidc-client-id", EnvVars: []string{"OIDC_CLIENT_ID"}, Required: true},
		&cli.StringFlag{Name: "oidc-client-secret", EnvVars: []string{"OIDC_CLIENT_SECRET"}, Required: true},
		&cli.StringFlag{Name: "oidc-authority-url", EnvVars: []string{"OIDC_AUTHORITY_URL"}, Required: true},
		&cli.StringFlag{Name: "oidc-login-callback-url", EnvVars: []string{"OIDC_LOGIN_CALLBACK_URL"}, Required: true},
		&cli.StringFlag{Name: "oidc-api-logout-url", EnvVars: []string{"OIDC_API_LOGOUT_URL"}},
		&cli.StringFlag{Name: "terms-folder-path", EnvVars: []string{"TERMS_FOLDER_PATH"}, Required: true},
		&cli.BoolFlag{Name: flagAllowTestTokenEndpoint, EnvVars: []string{"ALLOW_TEST_TOKEN_ENDPOINT"}},
	}

	flgs = append(flgs, globalFlags()...)

	return serveCmd{flags: flgs}
}

func (c serveCmd) build() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Runs the OIDC authentication gateway HTTP server",
		Flags:  c.flags,
		Action: c.run,
	}
}

func (c serveCmd) run(cliCtx *cli.Context) error {
	logger.Setup(cliCtx.String(flagLogLevel), cliCtx.String(flagLogFormat))

	version.Log()

	cfg, err := buildConfig(cliCtx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	st, err := store.Open(cfg.SQLURI, cfg.SQLPoolSize)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Close database connection pool")
		}
	}()

	idpHTTPClient, err := httpclient.New(httpclient.Config{})
	if err != nil {
		return fmt.Errorf("create identity provider HTTP client: %w", err)
	}

	idpClient, err := idp.NewClient(cliCtx.Context, idp.Config{
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		AuthorityURL: cfg.OIDCAuthorityURL,
		RedirectURL:  cfg.OIDCLoginCallbackURL,
		LogoutURL:    cfg.OIDCAPILogoutURL,
		Scopes:       []string{"openid", "userinfo_token"},
	}, idpHTTPClient)
	if err != nil {
		return fmt.Errorf("create identity provider client: %w", err)
	}

	cipher, err := authstate.NewIDTokenCipher([]byte(cfg.SSNEncryptionKey))
	if err != nil {
		return fmt.Errorf("create id_token cipher: %w", err)
	}

	ssnCipher, err := store.NewSSNCipher([]byte(cfg.SSNEncryptionKey))
	if err != nil {
		return fmt.Errorf("create ssn cipher: %w", err)
	}

	codec := authstate.NewCodec(cfg.InternalSecret, 15*time.Minute)
	signer := internaltoken.NewSigner(cfg.InternalSecret)
	verifier := internaltoken.NewVerifier(cfg.InternalSecret)
	controller := store.NewController(signer, ssnCipher)

	orch := orchestrator.New(orchestrator.Config{
		Codec:          codec,
		IDTokenCipher:  cipher,
		Store:          st,
		Controller:     controller,
		IdP:            idpClient,
		CookieName:     cfg.TokenCookieName,
		CookieDomain:   cfg.TokenCookieDomain,
		CookiePath:     cfg.TokenCookiePath,
		DefaultScopes:  cfg.TokenDefaultScopes,
		TokenExpiryTTL: cfg.TokenExpiryTTL,
	})

	router := httpapi.NewRouter(httpapi.Config{
		Codec:                  codec,
		IDTokenCipher:          cipher,
		Orchestrator:           orch,
		Store:                  st,
		Controller:             controller,
		IdP:                    idpClient,
		TokenSigner:            signer,
		TokenVerifier:          verifier,
		Terms:                  terms.NewStore(cfg.TermsFolderPath),
		CookieName:             cfg.TokenCookieName,
		CallbackURL:            cfg.OIDCLoginCallbackURL,
		DefaultScope:           cfg.TokenDefaultScopes,
		TokenTTL:               cfg.TokenExpiryTTL,
		AllowTestTokenEndpoint: cliCtx.Bool(flagAllowTestTokenEndpoint),
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ErrorLog:          stdlog.New(log.Logger.Level(zerolog.DebugLevel), "", 0),
		ReadHeaderTimeout: 2 * time.Second,
	}

	srvDone := make(chan struct{})

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Starting auth gateway")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Msg("Unable to listen and serve auth gateway requests")
		}
		close(srvDone)
	}()

	select {
	case <-cliCtx.Context.Done():
		gracefulCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Shutdown(gracefulCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown auth gateway gracefully")
			if err := server.Close(); err != nil {
				return fmt.Errorf("close auth gateway: %w", err)
			}
		}
	case <-srvDone:
		return errors.New("auth gateway stopped")
	}

	return nil
}

// buildConfig binds the CLI flags (and, through their EnvVars, the
// original environment variable names) onto a config.Config, since
// spec.md §9 models the signing secret/cipher/DB pool as immutable
// construction-time dependencies rather than package-level state.
func buildConfig(cliCtx *cli.Context) (config.Config, error) {
	var scopes []string
	if raw := cliCtx.String("token-default-scopes"); raw != "" {
		scopes = strings.Split(raw, ",")
	}

	return config.Load(func(string) string { return "" },
		func(c *config.Config) { c.ListenAddr = cliCtx.String("listen-addr") },
		func(c *config.Config) { c.SQLURI = cliCtx.String("sql-uri") },
		func(c *config.Config) { c.SQLPoolSize = cliCtx.Int("sql-pool-size") },
		func(c *config.Config) { c.InternalSecret = cliCtx.String("internal-token-secret") },
		func(c *config.Config) { c.SSNEncryptionKey = cliCtx.String("ssn-encryption-key") },
		func(c *config.Config) { c.TokenCookieName = cliCtx.String("token-cookie-name") },
		func(c *config.Config) { c.TokenCookieDomain = cliCtx.String("token-cookie-domain") },
		func(c *config.Config) { c.TokenCookiePath = cliCtx.String("token-cookie-path") },
		func(c *config.Config) { c.TokenDefaultScopes = scopes },
		func(c *config.Config) { c.OIDCClientID = cliCtx.String("oidc-client-id") },
		func(c *config.Config) { c.OIDCClientSecret = cliCtx.String("oidc-client-secret") },
		func(c *config.Config) { c.OIDCAuthorityURL = cliCtx.String("oidc-authority-url") },
		func(c *config.Config) { c.OIDCLoginCallbackURL = cliCtx.String("oidc-login-callback-url") },
		func(c *config.Config) { c.OIDCAPILogoutURL = cliCtx.String("oidc-api-logout-url") },
		func(c *config.Config) { c.TermsFolderPath = cliCtx.String("terms-folder-path") },
	)
}
