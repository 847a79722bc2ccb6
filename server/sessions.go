package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"authd/token"
)

const sessionCookieName = "authd_session"

// SessionStage tags which of the three mutually exclusive states a browser
// session is in. The stage, not the presence of optional fields, drives every
// transition, so "pending and authenticated at once" cannot be represented.
type SessionStage int

const (
	StageAnonymous SessionStage = iota
	StageLoginPending
	StageAuthenticated
)

// LoginState is the login-in-progress correlation data. It is created when a
// sign-in request is generated and consumed exactly once, at callback.
type LoginState struct {
	CodeVerifier string
	Nonce        string
	State        string
	ReturnURL    string
}

// AuthState holds the decoded claims of an authenticated session. Its
// presence is the sole authenticated/unauthenticated discriminator for the
// rest of the application.
type AuthState struct {
	AccessToken string
	IDToken     token.IDClaims
	Userinfo    token.UserinfoClaims
}

// Session is a per-browser-session record. It performs no cryptographic or
// network work; transitions are driven by the relying-party handlers.
type Session struct {
	ID        string
	Stage     SessionStage
	Login     *LoginState
	Auth      *AuthState
	ExpiresAt time.Time
}

// BeginLogin moves the session to LoginPending, discarding any previous
// login or auth state.
func (s *Session) BeginLogin(login LoginState) {
	s.Stage = StageLoginPending
	s.Login = &login
	s.Auth = nil
}

// TakeLogin consumes the pending login state. The session drops back to
// Anonymous; a retried callback finds nothing to correlate against.
func (s *Session) TakeLogin() (LoginState, bool) {
	if s.Stage != StageLoginPending || s.Login == nil {
		return LoginState{}, false
	}
	login := *s.Login
	s.Stage = StageAnonymous
	s.Login = nil
	return login, true
}

// Authenticate moves the session to Authenticated with the given state.
func (s *Session) Authenticate(auth AuthState) {
	s.Stage = StageAuthenticated
	s.Auth = &auth
	s.Login = nil
}

// ClearAuth drops the session back to Anonymous. Used at logout and on
// failed session validation.
func (s *Session) ClearAuth() {
	s.Stage = StageAnonymous
	s.Auth = nil
	s.Login = nil
}

// SessionStore keeps cookie-backed sessions in memory.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session

	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionStore constructs a session store honouring config.
func NewSessionStore(cfg Config) *SessionStore {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode {
		sameSite = http.SameSiteLaxMode
	}
	return &SessionStore{
		sessions:     make(map[string]Session),
		ttl:          cfg.Auth.SessionTTL,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns a copy of the session bound to the request cookie, or nil.
func (ss *SessionStore) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	sess, ok := ss.sessions[cookie.Value]
	if !ok {
		return nil
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(ss.sessions, sess.ID)
		return nil
	}
	return &sess
}

// Ensure returns the request's session, creating one and setting the cookie
// when none exists.
func (ss *SessionStore) Ensure(w http.ResponseWriter, r *http.Request) *Session {
	if sess := ss.Fetch(r); sess != nil {
		return sess
	}

	sess := Session{
		ID:        uuid.NewString(),
		Stage:     StageAnonymous,
		ExpiresAt: time.Now().Add(ss.ttl),
	}

	ss.mu.Lock()
	ss.sessions[sess.ID] = sess
	ss.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   ss.cookieDomain,
		HttpOnly: true,
		Secure:   ss.secure,
		SameSite: ss.sameSite,
		MaxAge:   int(ss.ttl.Seconds()),
	})
	return &sess
}

// Save writes the session back to the store.
func (ss *SessionStore) Save(sess *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions[sess.ID] = *sess
}

// Delete removes a session record.
func (ss *SessionStore) Delete(id string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.sessions, id)
}

// ClearCookie expires the session cookie for logout.
func (ss *SessionStore) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   ss.cookieDomain,
		HttpOnly: true,
		Secure:   ss.secure,
		SameSite: ss.sameSite,
		MaxAge:   -1,
	})
}
