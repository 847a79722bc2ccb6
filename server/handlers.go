package server

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/google/uuid"

	"authd/client"
	"authd/token"
)

// JWTBearerAssertionType is the only accepted client_assertion_type.
const JWTBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// TokenExpirySeconds is the expires_in advertised by the token endpoint.
const TokenExpirySeconds = 300

// Userinfo attribute defaults used when the query omits them.
const (
	DefaultBirthdate = "1980-01-15"
	DefaultSIN       = "800000002"
)

// Machine-readable error codes returned as {"error": <code>} with a 400.
const (
	ErrCodeInvalidClientID            = "invalid_client_id"
	ErrCodeInvalidNonce               = "invalid_nonce"
	ErrCodeInvalidRedirectURI         = "invalid_redirect_uri"
	ErrCodeInvalidScope               = "invalid_scope"
	ErrCodeInvalidState               = "invalid_state"
	ErrCodeInvalidClientAssertionType = "invalid_client_assertion_type"
	ErrCodeInvalidClientAssertion     = "invalid_client_assertion"
	ErrCodeInvalidAuthCode            = "invalid_auth_code"
	ErrCodeInvalidGrantType           = "invalid_grant_type"
)

// App bundles runtime dependencies for the HTTP service: the mock identity
// provider endpoints and the relying-party routes that drive it.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Keys     *token.ProviderKeys
	Codec    *token.Codec
	Codes    *CodeCache
	Sessions *SessionStore
	RP       *client.RelyingParty
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	var keys *token.ProviderKeys
	var err error
	if cfg.Server.SecretsPath != "" {
		keys, err = token.LoadOrCreateProviderKeys(cfg.Server.SecretsPath)
	} else {
		keys, err = token.GenerateProviderKeys()
	}
	if err != nil {
		return nil, fmt.Errorf("init provider keys: %w", err)
	}

	rp, err := client.New(client.Config{
		IssuerURL: cfg.Issuer(),
		ClientID:  cfg.Mock.ClientID,
		Scope:     cfg.Auth.Scope,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init relying party: %w", err)
	}

	clientKey, ok := rp.PublicEncryptionJWK().Key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("relying party encryption key is not RSA")
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Keys:     keys,
		Codec:    token.NewCodec(keys, clientKey, cfg.Issuer(), cfg.Mock.ClientID, logger),
		Codes:    NewCodeCache(DefaultCodeTTL),
		Sessions: NewSessionStore(cfg),
		RP:       rp,
	}, nil
}

func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, BuildDiscoveryDocument(a.Config))
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Keys.PublicJWKS())
}

// handleAuthorize validates the authorization request parameters in a fixed
// order, failing fast on the first violation, then mints an access/id token
// pair, caches it under a fresh one-time code, and redirects back to the
// relying party.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("client_id") != a.Config.Mock.ClientID {
		writeOAuthError(w, ErrCodeInvalidClientID)
		return
	}
	nonce := q.Get("nonce")
	if nonce == "" {
		writeOAuthError(w, ErrCodeInvalidNonce)
		return
	}
	allowed := a.allowedRedirects(r)
	redirectURI := q.Get("redirect_uri")
	if redirectURI != "" && !slices.Contains(allowed, redirectURI) {
		writeOAuthError(w, ErrCodeInvalidRedirectURI)
		return
	}
	if q.Get("scope") == "" {
		writeOAuthError(w, ErrCodeInvalidScope)
		return
	}
	state := q.Get("state")
	if state == "" {
		writeOAuthError(w, ErrCodeInvalidState)
		return
	}
	if redirectURI == "" {
		redirectURI = allowed[0]
	}

	expect := a.Codec.Expect()
	subject := a.Config.Mock.Subject

	accessTok, err := a.Codec.SignAndEncrypt(token.AccessClaims{
		Claims: token.NewEnvelope(expect.Issuer, expect.Audience, subject),
	}, token.PurposeAccess)
	if err != nil {
		a.Logger.Error("mint access token", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	idTok, err := a.Codec.SignAndEncrypt(token.IDClaims{
		Claims:    token.NewEnvelope(expect.Issuer, expect.Audience, subject),
		Nonce:     nonce,
		Locale:    DefaultLocale,
		SessionID: uuid.NewString(),
	}, token.PurposeID)
	if err != nil {
		a.Logger.Error("mint id token", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	code := NewAuthCode()
	a.Codes.Put(code, TokenPair{AccessToken: accessTok, IDToken: idTok})

	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, ErrCodeInvalidRedirectURI)
		return
	}
	values := target.Query()
	values.Set("code", code)
	values.Set("state", state)
	target.RawQuery = values.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleToken exchanges a one-time code for the cached token pair. Parameter
// checks run in the same fail-fast order and error shape as authorize; a
// consumed or expired code yields invalid_auth_code.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, ErrCodeInvalidGrantType)
		return
	}

	if r.PostFormValue("client_assertion_type") != JWTBearerAssertionType {
		writeOAuthError(w, ErrCodeInvalidClientAssertionType)
		return
	}
	if r.PostFormValue("client_id") != a.Config.Mock.ClientID {
		writeOAuthError(w, ErrCodeInvalidClientID)
		return
	}
	// The assertion must be present but is not cryptographically verified by
	// the mock.
	if r.PostFormValue("client_assertion") == "" {
		writeOAuthError(w, ErrCodeInvalidClientAssertion)
		return
	}
	code := r.PostFormValue("code")
	if code == "" {
		writeOAuthError(w, ErrCodeInvalidAuthCode)
		return
	}
	if r.PostFormValue("grant_type") != "authorization_code" {
		writeOAuthError(w, ErrCodeInvalidGrantType)
		return
	}
	if redirectURI := r.PostFormValue("redirect_uri"); redirectURI != "" && !slices.Contains(a.allowedRedirects(r), redirectURI) {
		writeOAuthError(w, ErrCodeInvalidRedirectURI)
		return
	}

	pair, ok := a.Codes.Take(code)
	if !ok {
		writeOAuthError(w, ErrCodeInvalidAuthCode)
		return
	}

	writeJSON(w, map[string]any{
		"token_type":   "Bearer",
		"access_token": pair.AccessToken,
		"id_token":     pair.IDToken,
		"expires_in":   TokenExpirySeconds,
	})
}

// handleUserinfo mints a userinfo token from the (defaulted) query
// attributes. A presented bearer token must verify as a provider access
// token; absence is tolerated, a mock-only shortcut.
func (a *App) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	if bearer := extractBearerToken(r.Header.Get("Authorization")); bearer != "" {
		var claims token.AccessClaims
		if err := a.Codec.DecryptAndVerify(bearer, token.PurposeAccess, &claims); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	q := r.URL.Query()
	birthdate := q.Get("birthdate")
	if birthdate == "" {
		birthdate = DefaultBirthdate
	}
	locale := q.Get("locale")
	if locale == "" {
		locale = DefaultLocale
	}
	sin := q.Get("sin")
	if sin == "" {
		sin = DefaultSIN
	}

	expect := a.Codec.Expect()
	userinfoTok, err := a.Codec.SignAndEncrypt(token.UserinfoClaims{
		Claims:    token.NewEnvelope(expect.Issuer, expect.Audience, a.Config.Mock.Subject),
		Birthdate: birthdate,
		Locale:    locale,
		SIN:       sin,
	}, token.PurposeUserinfo)
	if err != nil {
		a.Logger.Error("mint userinfo token", "error", err)
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"userinfo_token": userinfoTok})
}

// handleValidateSession always reports the session as live. A real provider
// would check liveness by the sid presented.
func (a *App) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, true)
}

// handleProviderLogout is the end_session_endpoint target.
func (a *App) handleProviderLogout(w http.ResponseWriter, r *http.Request) {
	a.Logger.Info("provider logout",
		"sub", r.URL.Query().Get("sub"),
		"lang", r.URL.Query().Get("lang"),
	)
	writeJSON(w, map[string]string{"status": "signed_out"})
}

// requireMockEnabled hides every provider endpoint behind the feature flag.
func (a *App) requireMockEnabled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Config.Mock.Enabled {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedRedirects is the fixed allow-list of fully-qualified callback URIs:
// the configured callback paths joined to the request's origin.
func (a *App) allowedRedirects(r *http.Request) []string {
	origin := a.requestOrigin(r)
	uris := make([]string, 0, len(a.Config.Mock.CallbackPaths))
	for _, p := range a.Config.Mock.CallbackPaths {
		uris = append(uris, origin+p)
	}
	return uris
}

func (a *App) requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if a.Config.Server.TrustProxyHeaders {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, code string) {
	writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": code})
}

func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
