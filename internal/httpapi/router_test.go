package httpapi_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jose "gopkg.in/square/go-jose.v2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MartinSchmidt/eo-auth/internal/authstate"
	"github.com/MartinSchmidt/eo-auth/internal/httpapi"
	"github.com/MartinSchmidt/eo-auth/internal/idp"
	"github.com/MartinSchmidt/eo-auth/internal/internaltoken"
	"github.com/MartinSchmidt/eo-auth/internal/orchestrator"
	"github.com/MartinSchmidt/eo-auth/internal/store"
	"github.com/MartinSchmidt/eo-auth/internal/terms"
)

// fakeIdPServer stands up the same minimal discovery+jwks+token surface as
// internal/idp's own tests, so the HTTP layer can be exercised end to end
// through a real (if locally-hosted) OIDC exchange.
type fakeIdPServer struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	keyID  string
}

func newFakeIdPServer(t *testing.T) *fakeIdPServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeIdPServer{key: key, keyID: "test-key"}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 f.server.URL,
			"authorization_endpoint": f.server.URL + "/authorize",
			"token_endpoint":         f.server.URL + "/token",
			"jwks_uri":               f.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &f.key.PublicKey, KeyID: f.keyID, Algorithm: "RS256", Use: "sig"},
		}}
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		idToken := f.sign(map[string]interface{}{
			"iss": f.server.URL,
			"aud": "gateway-client-id",
			"sub": "sub-1",
			"idp": "mitid",
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		userInfoToken := f.sign(map[string]interface{}{
			"sub":       "sub-1",
			"idp":       "mitid",
			"iat":       time.Now().Unix(),
			"exp":       time.Now().Add(time.Hour).Unix(),
			"scope":     []string{"openid"},
			"nemid.cvr": "39315041",
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":   "test-access-token",
			"id_token":       idToken,
			"userinfo_token": userInfoToken,
			"expires_in":     3600,
		})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeIdPServer) sign(claims map[string]interface{}) string {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: f.key},
		(&jose.SignerOptions{}).WithHeader("kid", f.keyID))
	if err != nil {
		panic(err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		panic(err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		panic(err)
	}
	return compact
}

type testHarness struct {
	handler http.Handler
	mock    sqlmock.Sqlmock
	codec   *authstate.Codec
	cipher  *authstate.IDTokenCipher
	signer  *internaltoken.Signer
}

func newTestHarness(t *testing.T, allowTestToken bool) *testHarness {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")

	termsDir := t.TempDir()
	require.NoError(t, os.WriteFile(termsDir+"/v1.md", []byte("# Welcome\n\nBody text."), 0o644))

	cipher, err := authstate.NewIDTokenCipher([]byte("0123456789abcdef0123456789abcdef"[:32]))
	require.NoError(t, err)

	fakeIdP := newFakeIdPServer(t)
	idpClient, err := idp.NewClient(context.Background(), idp.Config{
		ClientID:     "gateway-client-id",
		ClientSecret: "shh",
		AuthorityURL: fakeIdP.server.URL,
		RedirectURL:  "https://gw.example/oidc/login/callback",
		Scopes:       []string{"openid"},
	}, fakeIdP.server.Client())
	require.NoError(t, err)

	codec := authstate.NewCodec("state-signing-secret", time.Hour)
	signer := internaltoken.NewSigner("internal-token-secret")
	verifier := internaltoken.NewVerifier("internal-token-secret")
	ssnCipher, err := store.NewSSNCipher([]byte("0123456789abcdef0123456789abcdef"[:32]))
	require.NoError(t, err)
	controller := store.NewController(signer, ssnCipher)
	st := store.New(sqlxDB)

	orch := orchestrator.New(orchestrator.Config{
		Codec:          codec,
		IDTokenCipher:  cipher,
		Store:          st,
		Controller:     controller,
		IdP:            idpClient,
		CookieName:     "session",
		CookieDomain:   "example.test",
		CookiePath:     "/",
		DefaultScopes:  []string{"read"},
		TokenExpiryTTL: time.Hour,
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
		Terms:                  terms.NewStore(termsDir),
		CookieName:             "session",
		CallbackURL:            "https://gw.example/oidc/login/callback",
		DefaultScope:           []string{"read"},
		TokenTTL:               time.Hour,
		AllowTestTokenEndpoint: allowTestToken,
	})

	return &testHarness{handler: router, mock: mock, codec: codec, cipher: cipher, signer: signer}
}

func TestHealth(t *testing.T) {
	h := newTestHarness(t, false)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOidcLogin_BuildsAuthorizationURL(t *testing.T) {
	h := newTestHarness(t, false)

	req := httptest.NewRequest(http.MethodGet, "/oidc/login?fe_url=https://fe.example&return_url=https://app.example/r", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		NextURL string `json:"next_url"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body.NextURL, "/authorize")

	parsed, err := url.Parse(body.NextURL)
	require.NoError(t, err)
	encodedState := parsed.Query().Get("state")
	require.NotEmpty(t, encodedState)

	state, err := h.codec.Decode(encodedState)
	require.NoError(t, err)
	assert.Equal(t, "https://fe.example", state.FeURL)
	assert.Equal(t, "https://app.example/r", state.ReturnURL)
}

func TestOidcLogin_RequiresBothURLs(t *testing.T) {
	h := newTestHarness(t, false)

	req := httptest.NewRequest(http.MethodGet, "/oidc/login?fe_url=https://fe.example", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOidcLoginCallback_UnknownUserPromptsTerms(t *testing.T) {
	h := newTestHarness(t, false)

	encodedState, err := h.codec.Encode(authstate.State{
		FeURL:     "https://fe.example",
		ReturnURL: "https://app.example/r",
	})
	require.NoError(t, err)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT identity_provider, external_subject, subject, created_at FROM external_users`).
		WillReturnRows(sqlmock.NewRows([]string{"identity_provider", "external_subject", "subject", "created_at"}))
	h.mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodGet, "/oidc/login/callback?state="+url.QueryEscape(encodedState)+"&code=test-code", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "https://fe.example/terms")
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestOidcLoginCallback_IdPErrorFailsFlow(t *testing.T) {
	h := newTestHarness(t, false)

	encodedState, err := h.codec.Encode(authstate.State{
		FeURL:     "https://fe.example",
		ReturnURL: "https://app.example/r",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet,
		"/oidc/login/callback?state="+url.QueryEscape(encodedState)+"&error=access_denied&error_description=user_aborted", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "success=0")
	assert.Contains(t, location, "error_code=E1")
}

func TestAcceptTerms_CreatesUserAndMintsSession(t *testing.T) {
	h := newTestHarness(t, false)

	encodedState, err := h.codec.Encode(authstate.State{
		FeURL:            "https://fe.example",
		ReturnURL:        "https://app.example/r",
		IdentityProvider: "mitid",
		ExternalSubject:  "sub-1",
		TIN:              "39315041",
	})
	require.NoError(t, err)

	encryptedIDToken, err := h.cipher.Encrypt("raw-idp-id-token")
	require.NoError(t, err)

	// acceptTerms re-decodes body.State, so the id_token must already be
	// present on it — simulate what oidcLoginCallback would have set.
	stateWithIDToken, err := h.codec.Decode(encodedState)
	require.NoError(t, err)
	stateWithIDToken.IDToken = encryptedIDToken
	encodedState, err = h.codec.Encode(stateWithIDToken)
	require.NoError(t, err)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`SELECT identity_provider, external_subject, subject, created_at FROM external_users`).
		WillReturnRows(sqlmock.NewRows([]string{"identity_provider", "external_subject", "subject", "created_at"}))
	h.mock.ExpectQuery(`SELECT subject, ssn, tin, created_at FROM users WHERE tin = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"subject", "ssn", "tin", "created_at"}))
	h.mock.ExpectExec(`INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectQuery(`SELECT count\(\*\) FROM external_users`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	h.mock.ExpectExec(`INSERT INTO external_users`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`INSERT INTO login_records`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`INSERT INTO session_tokens`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	body := strings.NewReader(`{"state":"` + encodedState + `","accepted":true,"version":"v1"}`)
	req := httptest.NewRequest(http.MethodPost, "/terms/accept", body)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		NextURL string `json:"next_url"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.NextURL, "success=1")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAcceptTerms_DeclinedFailsFlow(t *testing.T) {
	h := newTestHarness(t, false)

	encryptedIDToken, err := h.cipher.Encrypt("raw-idp-id-token")
	require.NoError(t, err)

	encodedState, err := h.codec.Encode(authstate.State{
		FeURL:     "https://fe.example",
		ReturnURL: "https://app.example/r",
		IDToken:   encryptedIDToken,
	})
	require.NoError(t, err)

	body := strings.NewReader(`{"state":"` + encodedState + `","accepted":false}`)
	req := httptest.NewRequest(http.MethodPost, "/terms/accept", body)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		NextURL string `json:"next_url"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.NextURL, "success=0")
	assert.Contains(t, resp.NextURL, "error_code=E4")
}

func TestForwardAuth_ValidSessionReturnsHeader(t *testing.T) {
	h := newTestHarness(t, false)

	opaqueToken := uuid.New()

	h.mock.ExpectQuery(`SELECT opaque_token, internal_token, id_token, subject, issued, expires FROM session_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"opaque_token", "internal_token", "id_token", "subject", "issued", "expires"}).
			AddRow(opaqueToken.String(), "signed-internal-token", "raw-id-token", uuid.New().String(), time.Now().Add(-time.Minute), time.Now().Add(time.Hour)))

	req := httptest.NewRequest(http.MethodGet, "/token/forward-auth", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: opaqueToken.String()})
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer: signed-internal-token", rec.Header().Get("Authorization"))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestForwardAuth_MissingCookieReturns401(t *testing.T) {
	h := newTestHarness(t, false)

	req := httptest.NewRequest(http.MethodGet, "/token/forward-auth", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Header().Get("Authorization"))
}

func TestProfile_RequiresBearerToken(t *testing.T) {
	h := newTestHarness(t, false)

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfile_ReturnsProfileForValidToken(t *testing.T) {
	h := newTestHarness(t, false)

	signed, _, err := h.signer.Sign("subject-1", "subject-1", []string{"read"}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool `json:"success"`
		Profile struct {
			ID      string   `json:"id"`
			Name    string   `json:"name"`
			Company string   `json:"company"`
			Scope   []string `json:"scope"`
		} `json:"profile"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Success)
	assert.Equal(t, "John Doe", body.Profile.Name)
	assert.Equal(t, "New Company", body.Profile.Company)
	assert.Equal(t, []string{"read"}, body.Profile.Scope)
}

func TestCreateTestToken_NotRegisteredByDefault(t *testing.T) {
	h := newTestHarness(t, false)

	req := httptest.NewRequest(http.MethodPost, "/token/create-test-token", strings.NewReader(`{"token":"subject-1"}`))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTestToken_MintsWhenAllowed(t *testing.T) {
	h := newTestHarness(t, true)

	req := httptest.NewRequest(http.MethodPost, "/token/create-test-token", strings.NewReader(`{"token":"subject-1"}`))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body.Token)
}

func TestGetTerms_ReturnsLatestDocument(t *testing.T) {
	h := newTestHarness(t, false)

	req := httptest.NewRequest(http.MethodGet, "/terms", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Headline string `json:"headline"`
		Version  string `json:"version"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Welcome", body.Headline)
	assert.Equal(t, "v1", body.Version)
}
