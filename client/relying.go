// Package client implements the relying-party side of the authorization-code
// flow: it generates sign-in requests, exchanges callback codes for tokens,
// validates provider sessions, and builds sign-out requests.
package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"

	"authd/token"
)

// JWTBearerAssertionType is the client_assertion_type presented at the token
// endpoint (RFC 7523).
const JWTBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const (
	stateBytes        = 32
	nonceBytes        = 32
	codeVerifierBytes = 32
	assertionLifetime = 5 * time.Minute
)

// Config configures a RelyingParty.
type Config struct {
	IssuerURL  string
	ClientID   string
	Scope      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// SigninRequest is the output of GenerateSigninRequest. The caller must
// persist CodeVerifier, Nonce and State into the session before redirecting
// the browser to AuthURL.
type SigninRequest struct {
	AuthURL      string
	CodeVerifier string
	Nonce        string
	State        string
}

// TokenSet is the result of a successful callback exchange.
type TokenSet struct {
	AccessToken string
	IDToken     token.IDClaims
	Userinfo    token.UserinfoClaims
}

type providerMetadata struct {
	UserinfoEndpoint        string `json:"userinfo_endpoint"`
	EndSessionEndpoint      string `json:"end_session_endpoint"`
	ValidateSessionEndpoint string `json:"validatesession_endpoint"`
	JWKSURI                 string `json:"jwks_uri"`
}

// RelyingParty drives the browser-facing login flow against the provider.
// Provider metadata and the signing key are fetched lazily on first use so
// the relying party can be constructed before the provider is listening.
type RelyingParty struct {
	cfg    Config
	http   *http.Client
	rest   *resty.Client
	logger *slog.Logger

	encryptionKey *rsa.PrivateKey
	encryptionKID string

	mu          sync.Mutex
	initialized bool
	provider    *oidc.Provider
	metadata    providerMetadata
	signingKey  *rsa.PublicKey
}

// New constructs a RelyingParty and generates its encryption key pair. The
// public half is handed to the provider so id and userinfo tokens can be
// wrapped for this client.
func New(cfg Config) (*RelyingParty, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("issuer URL required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID required")
	}
	if cfg.Scope == "" {
		cfg.Scope = "openid"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	kid, err := token.KeyID(jose.JSONWebKey{Key: key.Public(), Use: "enc"})
	if err != nil {
		return nil, fmt.Errorf("derive encryption kid: %w", err)
	}

	return &RelyingParty{
		cfg:           cfg,
		http:          httpClient,
		rest:          resty.NewWithClient(httpClient),
		logger:        cfg.Logger,
		encryptionKey: key,
		encryptionKID: kid,
	}, nil
}

// GenerateSigninRequest produces fresh state, nonce, and PKCE verifier values
// and the authorization URL to redirect the browser to.
func (rp *RelyingParty) GenerateSigninRequest(ctx context.Context, callbackURL string) (*SigninRequest, error) {
	if err := rp.ensureProvider(ctx); err != nil {
		return nil, err
	}

	state, err := randomToken(stateBytes)
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken(nonceBytes)
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken(codeVerifierBytes)
	if err != nil {
		return nil, err
	}

	authURL := rp.oauthConfig(callbackURL).AuthCodeURL(state,
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	return &SigninRequest{
		AuthURL:      authURL,
		CodeVerifier: verifier,
		Nonce:        nonce,
		State:        state,
	}, nil
}

// HandleCallbackRequest consumes the provider redirect: it checks the
// returned state against the stored one, exchanges the code, opens and
// verifies the id token (including the nonce binding), and fetches a
// userinfo token. Any mismatch or failure is terminal for this login
// attempt.
func (rp *RelyingParty) HandleCallbackRequest(ctx context.Context, r *http.Request, codeVerifier, nonce, state, callbackURL string) (*TokenSet, error) {
	if err := rp.ensureProvider(ctx); err != nil {
		return nil, err
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		return nil, fmt.Errorf("provider returned error: %s", errCode)
	}
	if q.Get("state") != state {
		return nil, errors.New("state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return nil, errors.New("missing code")
	}

	assertion, err := rp.clientAssertion()
	if err != nil {
		return nil, fmt.Errorf("build client assertion: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, rp.http)
	tok, err := rp.oauthConfig(callbackURL).Exchange(ctx, code,
		oauth2.SetAuthURLParam("client_assertion", assertion),
		oauth2.SetAuthURLParam("client_assertion_type", JWTBearerAssertionType),
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("id_token missing in response")
	}

	var idClaims token.IDClaims
	if err := token.Open(rawIDToken, rp.encryptionKey, rp.signingKey, rp.expected(), &idClaims); err != nil {
		return nil, fmt.Errorf("open id token: %w", err)
	}
	if idClaims.Nonce != nonce {
		return nil, errors.New("nonce mismatch")
	}

	userinfo, err := rp.fetchUserinfo(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	return &TokenSet{
		AccessToken: tok.AccessToken,
		IDToken:     idClaims,
		Userinfo:    *userinfo,
	}, nil
}

// HandleValidationRequest asks the provider whether the session identified by
// the id token's sid is still live.
func (rp *RelyingParty) HandleValidationRequest(ctx context.Context, sessionID string) (bool, error) {
	if err := rp.ensureProvider(ctx); err != nil {
		return false, err
	}

	resp, err := rp.rest.R().
		SetContext(ctx).
		SetQueryParam("sid", sessionID).
		Get(rp.metadata.ValidateSessionEndpoint)
	if err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("validate session: unexpected status %d", resp.StatusCode())
	}

	var live bool
	if err := json.Unmarshal(resp.Body(), &live); err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	return live, nil
}

// GenerateSignoutRequest builds the provider's logout URL parameterized by
// subject and locale.
func (rp *RelyingParty) GenerateSignoutRequest(ctx context.Context, subject, locale string) (string, error) {
	if err := rp.ensureProvider(ctx); err != nil {
		return "", err
	}

	target, err := url.Parse(rp.metadata.EndSessionEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse end session endpoint: %w", err)
	}
	values := target.Query()
	values.Set("sub", subject)
	values.Set("lang", locale)
	target.RawQuery = values.Encode()
	return target.String(), nil
}

// PublicEncryptionJWK exposes the relying party's public key for the provider
// to encrypt id and userinfo tokens against.
func (rp *RelyingParty) PublicEncryptionJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &rp.encryptionKey.PublicKey,
		KeyID:     rp.encryptionKID,
		Algorithm: string(jose.RSA_OAEP_256),
		Use:       "enc",
	}
}

// GenerateJWKID derives the deterministic key identifier for a JWK.
func GenerateJWKID(jwk jose.JSONWebKey) (string, error) {
	return token.KeyID(jwk)
}

func (rp *RelyingParty) ensureProvider(ctx context.Context) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.initialized {
		return nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, rp.http), rp.cfg.IssuerURL)
	if err != nil {
		return fmt.Errorf("discover provider: %w", err)
	}

	var meta providerMetadata
	if err := provider.Claims(&meta); err != nil {
		return fmt.Errorf("parse provider metadata: %w", err)
	}

	signingKey, err := rp.fetchSigningKey(ctx, meta.JWKSURI)
	if err != nil {
		return err
	}

	rp.provider = provider
	rp.metadata = meta
	rp.signingKey = signingKey
	rp.initialized = true
	return nil
}

func (rp *RelyingParty) fetchSigningKey(ctx context.Context, jwksURI string) (*rsa.PublicKey, error) {
	resp, err := rp.rest.R().SetContext(ctx).Get(jwksURI)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode())
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(resp.Body(), &set); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	for _, key := range set.Keys {
		if pub, ok := key.Key.(*rsa.PublicKey); ok && key.Use == "sig" {
			return pub, nil
		}
	}
	return nil, errors.New("jwks contains no RSA signing key")
}

func (rp *RelyingParty) fetchUserinfo(ctx context.Context, accessToken string) (*token.UserinfoClaims, error) {
	resp, err := rp.rest.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		Get(rp.metadata.UserinfoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch userinfo: unexpected status %d", resp.StatusCode())
	}

	var body struct {
		UserinfoToken string `json:"userinfo_token"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("parse userinfo response: %w", err)
	}

	var claims token.UserinfoClaims
	if err := token.Open(body.UserinfoToken, rp.encryptionKey, rp.signingKey, rp.expected(), &claims); err != nil {
		return nil, fmt.Errorf("open userinfo token: %w", err)
	}
	return &claims, nil
}

func (rp *RelyingParty) oauthConfig(callbackURL string) *oauth2.Config {
	endpoint := rp.provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return &oauth2.Config{
		ClientID:    rp.cfg.ClientID,
		RedirectURL: callbackURL,
		Endpoint:    endpoint,
		Scopes:      strings.Fields(rp.cfg.Scope),
	}
}

func (rp *RelyingParty) expected() token.Expected {
	return token.Expected{Issuer: rp.cfg.IssuerURL, Audience: rp.cfg.ClientID}
}

// clientAssertion signs a private_key_jwt assertion with the relying party's
// key. The mock provider checks presence only, but the shape follows RFC 7523.
func (rp *RelyingParty) clientAssertion() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    rp.cfg.ClientID,
		Subject:   rp.cfg.ClientID,
		Audience:  jwt.ClaimStrings{rp.provider.Endpoint().TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = rp.encryptionKID
	return t.SignedString(rp.encryptionKey)
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
