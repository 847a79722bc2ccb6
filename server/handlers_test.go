package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"authd/token"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Server.SecretsPath = ""
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	app, err := NewApp(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func doRequest(t *testing.T, app *App, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	app.Routes().ServeHTTP(rr, r)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body["error"]
}

func authorizeQuery() url.Values {
	return url.Values{
		"client_id": {"letters-web"},
		"nonce":     {"nonce-abc"},
		"scope":     {"openid profile"},
		"state":     {"state-xyz"},
	}
}

func TestDiscoveryDocument(t *testing.T) {
	app := newTestApp(t, nil)
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}

	issuer := app.Config.Issuer()
	checks := map[string]string{
		"issuer":                   issuer,
		"authorization_endpoint":   issuer + "/authorize",
		"token_endpoint":           issuer + "/token",
		"userinfo_endpoint":        issuer + "/userinfo",
		"jwks_uri":                 issuer + "/.well-known/jwks",
		"end_session_endpoint":     issuer + "/logout",
		"validatesession_endpoint": issuer + "/validatesession",
	}
	for key, want := range checks {
		if got, _ := doc[key].(string); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
	if types, _ := doc["response_types_supported"].([]any); len(types) != 1 || types[0] != "code" {
		t.Errorf("response_types_supported = %v", doc["response_types_supported"])
	}
}

func TestJWKSExposesSigningKey(t *testing.T) {
	app := newTestApp(t, nil)
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/.well-known/jwks", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var set struct {
		Keys []struct {
			Kid string `json:"kid"`
			Use string `json:"use"`
			Alg string `json:"alg"`
			Kty string `json:"kty"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(set.Keys))
	}
	key := set.Keys[0]
	if key.Kid != app.Keys.SigningKID() || key.Use != "sig" || key.Alg != "RS256" || key.Kty != "RSA" {
		t.Errorf("jwks entry = %+v", key)
	}
}

func TestAuthorizeParameterValidation(t *testing.T) {
	app := newTestApp(t, nil)

	cases := []struct {
		name    string
		mutate  func(url.Values)
		wantErr string
	}{
		{"wrong client id", func(q url.Values) { q.Set("client_id", "WRONG") }, ErrCodeInvalidClientID},
		{"missing client id", func(q url.Values) { q.Del("client_id") }, ErrCodeInvalidClientID},
		{"missing nonce", func(q url.Values) { q.Del("nonce") }, ErrCodeInvalidNonce},
		{"foreign redirect uri", func(q url.Values) { q.Set("redirect_uri", "https://evil.example/cb") }, ErrCodeInvalidRedirectURI},
		{"missing scope", func(q url.Values) { q.Del("scope") }, ErrCodeInvalidScope},
		{"missing state", func(q url.Values) { q.Del("state") }, ErrCodeInvalidState},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := authorizeQuery()
			tc.mutate(q)
			rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if got := decodeError(t, rr); got != tc.wantErr {
				t.Errorf("error = %q, want %q", got, tc.wantErr)
			}
			if app.Codes.Len() != 0 {
				t.Errorf("rejected request must not cache a code, Len = %d", app.Codes.Len())
			}
		})
	}
}

func TestAuthorizeOrderOfChecks(t *testing.T) {
	app := newTestApp(t, nil)

	// Everything wrong at once reports the client_id first.
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/authorize?client_id=WRONG", nil))
	if got := decodeError(t, rr); got != ErrCodeInvalidClientID {
		t.Errorf("error = %q, want %q", got, ErrCodeInvalidClientID)
	}
}

func TestAuthorizeIssuesCode(t *testing.T) {
	app := newTestApp(t, nil)

	q := authorizeQuery()
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "https://app.example/authorize?"+q.Encode(), nil))

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302: %s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != "https://app.example/auth/callback" {
		t.Errorf("redirect target = %q", got)
	}

	code := loc.Query().Get("code")
	if len(code) < 32 {
		t.Errorf("code = %q, want at least 32 characters", code)
	}
	if loc.Query().Get("state") != "state-xyz" {
		t.Errorf("state = %q, want echo of request state", loc.Query().Get("state"))
	}
	if app.Codes.Len() != 1 {
		t.Errorf("cache Len = %d, want 1", app.Codes.Len())
	}
}

func TestAuthorizeExplicitRedirectURI(t *testing.T) {
	app := newTestApp(t, func(cfg *Config) {
		cfg.Mock.CallbackPaths = []string{"/auth/callback", "/alt/callback"}
	})

	q := authorizeQuery()
	q.Set("redirect_uri", "http://app.example/alt/callback")
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "http://app.example/authorize?"+q.Encode(), nil))

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rr.Code)
	}
	loc, _ := url.Parse(rr.Header().Get("Location"))
	if loc.Path != "/alt/callback" {
		t.Errorf("redirect path = %q, want /alt/callback", loc.Path)
	}
}

func tokenForm(code string) url.Values {
	return url.Values{
		"client_assertion_type": {JWTBearerAssertionType},
		"client_id":             {"letters-web"},
		"client_assertion":      {"dummy-assertion"},
		"code":                  {code},
		"grant_type":            {"authorization_code"},
	}
}

func postToken(t *testing.T, app *App, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doRequest(t, app, r)
}

func issueCode(t *testing.T, app *App) string {
	t.Helper()
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery().Encode(), nil))
	if rr.Code != http.StatusFound {
		t.Fatalf("authorize status = %d: %s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	return loc.Query().Get("code")
}

func TestTokenExchange(t *testing.T) {
	app := newTestApp(t, nil)
	code := issueCode(t, app)

	rr := postToken(t, app, tokenForm(code))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		TokenType   string `json:"token_type"`
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TokenType != "Bearer" {
		t.Errorf("token_type = %q", body.TokenType)
	}
	if body.ExpiresIn != TokenExpirySeconds {
		t.Errorf("expires_in = %d, want %d", body.ExpiresIn, TokenExpirySeconds)
	}
	if body.AccessToken == "" || body.IDToken == "" {
		t.Fatal("token pair incomplete")
	}

	// The returned access token is a live provider token.
	var claims token.AccessClaims
	if err := app.Codec.DecryptAndVerify(body.AccessToken, token.PurposeAccess, &claims); err != nil {
		t.Errorf("access token does not verify: %v", err)
	}
	if claims.Subject != app.Config.Mock.Subject {
		t.Errorf("subject = %q, want %q", claims.Subject, app.Config.Mock.Subject)
	}

	if app.Codes.Len() != 0 {
		t.Errorf("cache Len = %d after exchange, want 0", app.Codes.Len())
	}
}

func TestTokenReplayRejected(t *testing.T) {
	app := newTestApp(t, nil)
	code := issueCode(t, app)

	if rr := postToken(t, app, tokenForm(code)); rr.Code != http.StatusOK {
		t.Fatalf("first exchange status = %d", rr.Code)
	}

	rr := postToken(t, app, tokenForm(code))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want 400", rr.Code)
	}
	if got := decodeError(t, rr); got != ErrCodeInvalidAuthCode {
		t.Errorf("error = %q, want %q", got, ErrCodeInvalidAuthCode)
	}
}

func TestTokenExpiredCode(t *testing.T) {
	app := newTestApp(t, nil)
	app.Codes = NewCodeCache(20 * time.Millisecond)

	code := issueCode(t, app)
	time.Sleep(60 * time.Millisecond)

	rr := postToken(t, app, tokenForm(code))
	if got := decodeError(t, rr); got != ErrCodeInvalidAuthCode {
		t.Errorf("error = %q, want %q", got, ErrCodeInvalidAuthCode)
	}
}

func TestTokenParameterValidation(t *testing.T) {
	app := newTestApp(t, nil)

	cases := []struct {
		name    string
		mutate  func(url.Values)
		wantErr string
	}{
		{"bad assertion type", func(f url.Values) { f.Set("client_assertion_type", "basic") }, ErrCodeInvalidClientAssertionType},
		{"missing assertion type", func(f url.Values) { f.Del("client_assertion_type") }, ErrCodeInvalidClientAssertionType},
		{"wrong client id", func(f url.Values) { f.Set("client_id", "WRONG") }, ErrCodeInvalidClientID},
		{"missing assertion", func(f url.Values) { f.Del("client_assertion") }, ErrCodeInvalidClientAssertion},
		{"missing code", func(f url.Values) { f.Del("code") }, ErrCodeInvalidAuthCode},
		{"wrong grant type", func(f url.Values) { f.Set("grant_type", "password") }, ErrCodeInvalidGrantType},
		{"foreign redirect uri", func(f url.Values) { f.Set("redirect_uri", "https://evil.example/cb") }, ErrCodeInvalidRedirectURI},
		{"unknown code", nil, ErrCodeInvalidAuthCode},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			form := tokenForm("never-issued")
			if tc.mutate != nil {
				tc.mutate(form)
			}
			rr := postToken(t, app, form)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if got := decodeError(t, rr); got != tc.wantErr {
				t.Errorf("error = %q, want %q", got, tc.wantErr)
			}
		})
	}
}

func TestUserinfoDefaults(t *testing.T) {
	app := newTestApp(t, nil)

	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/userinfo", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		UserinfoToken string `json:"userinfo_token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UserinfoToken == "" {
		t.Fatal("userinfo_token missing")
	}
}

func TestUserinfoBearerVerification(t *testing.T) {
	app := newTestApp(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	r.Header.Set("Authorization", "Bearer not-a-real-token")
	rr := doRequest(t, app, r)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bogus bearer status = %d, want 401", rr.Code)
	}

	expect := app.Codec.Expect()
	access, err := app.Codec.SignAndEncrypt(token.AccessClaims{
		Claims: token.NewEnvelope(expect.Issuer, expect.Audience, app.Config.Mock.Subject),
	}, token.PurposeAccess)
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/userinfo?birthdate=1999-12-31&locale=fr&sin=123456789", nil)
	r.Header.Set("Authorization", "Bearer "+access)
	rr = doRequest(t, app, r)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid bearer status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestValidateSession(t *testing.T) {
	app := newTestApp(t, nil)
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/validatesession?sid=abc", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "true" {
		t.Errorf("body = %q, want true", got)
	}
}

func TestProviderLogout(t *testing.T) {
	app := newTestApp(t, nil)
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/logout?sub=test-user&lang=en", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "signed_out" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestProviderRoutesDisabled(t *testing.T) {
	app := newTestApp(t, func(cfg *Config) { cfg.Mock.Enabled = false })

	paths := []string{
		"/.well-known/openid-configuration",
		"/.well-known/jwks",
		"/authorize?" + authorizeQuery().Encode(),
		"/userinfo",
		"/validatesession",
		"/logout",
	}
	for _, p := range paths {
		rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, p, nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", p, rr.Code)
		}
	}
	if rr := postToken(t, app, tokenForm("x")); rr.Code != http.StatusNotFound {
		t.Errorf("POST /token status = %d, want 404", rr.Code)
	}

	// Relying-party routes stay mounted.
	rr := doRequest(t, app, httptest.NewRequest(http.MethodGet, "/auth/session-refresh", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /auth/session-refresh status = %d, want 401", rr.Code)
	}
}
