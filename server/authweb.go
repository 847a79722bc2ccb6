package server

import (
	"net/http"
	"strings"
)

// handleAuthLogin starts a login: it generates a sign-in request, persists
// the correlation data into the session, and sends the browser to the
// provider's authorize endpoint.
func (a *App) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Ensure(w, r)

	callbackURL := a.requestOrigin(r) + a.Config.Auth.CallbackPath
	req, err := a.RP.GenerateSigninRequest(r.Context(), callbackURL)
	if err != nil {
		a.Logger.Error("generate signin request", "error", err)
		http.Error(w, "login unavailable", http.StatusBadGateway)
		return
	}

	sess.BeginLogin(LoginState{
		CodeVerifier: req.CodeVerifier,
		Nonce:        req.Nonce,
		State:        req.State,
		ReturnURL:    sanitizeReturnTo(r.URL.Query().Get("returnto"), a.Config.Auth.DefaultReturnTo),
	})
	a.Sessions.Save(sess)

	http.Redirect(w, r, req.AuthURL, http.StatusFound)
}

// handleAuthCallback consumes the provider redirect. The pending login state
// is taken from the session before the exchange so it is discarded exactly
// once whatever the outcome; any failure sends the user back to /auth/login
// with no partial session established.
func (a *App) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil {
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}

	login, ok := sess.TakeLogin()
	a.Sessions.Save(sess)
	if !ok {
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}

	callbackURL := a.requestOrigin(r) + a.Config.Auth.CallbackPath
	tokens, err := a.RP.HandleCallbackRequest(r.Context(), r, login.CodeVerifier, login.Nonce, login.State, callbackURL)
	if err != nil {
		a.Logger.Warn("login callback rejected", "error", err)
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}

	sess.Authenticate(AuthState{
		AccessToken: tokens.AccessToken,
		IDToken:     tokens.IDToken,
		Userinfo:    tokens.Userinfo,
	})
	a.Sessions.Save(sess)

	returnTo := login.ReturnURL
	if returnTo == "" {
		returnTo = a.Config.Auth.DefaultReturnTo
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// handleAuthLogout clears the session and sends the browser to the
// provider's logout URL, or to the fallback when no session existed.
func (a *App) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = DefaultLocale
	}

	sess := a.Sessions.Fetch(r)
	if sess == nil || sess.Stage != StageAuthenticated {
		a.Sessions.ClearCookie(w)
		http.Redirect(w, r, a.Config.Auth.LogoutURL, http.StatusFound)
		return
	}

	subject := sess.Auth.IDToken.Subject
	a.Sessions.Delete(sess.ID)
	a.Sessions.ClearCookie(w)

	signoutURL, err := a.RP.GenerateSignoutRequest(r.Context(), subject, lang)
	if err != nil {
		a.Logger.Error("generate signout request", "error", err)
		http.Redirect(w, r, a.Config.Auth.LogoutURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, signoutURL, http.StatusFound)
}

// handleAuthSessionRefresh re-validates an authenticated session with the
// provider. A dead or unverifiable session is treated as a forced logout.
func (a *App) handleAuthSessionRefresh(w http.ResponseWriter, r *http.Request) {
	sess := a.Sessions.Fetch(r)
	if sess == nil || sess.Stage != StageAuthenticated {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]bool{"active": false})
		return
	}

	live, err := a.RP.HandleValidationRequest(r.Context(), sess.Auth.IDToken.SessionID)
	if err != nil {
		a.Logger.Warn("session validation failed", "error", err)
	}
	if err != nil || !live {
		sess.ClearAuth()
		a.Sessions.Save(sess)
		writeJSONStatus(w, http.StatusUnauthorized, map[string]bool{"active": false})
		return
	}

	writeJSON(w, map[string]bool{"active": true})
}

// sanitizeReturnTo accepts only site-relative paths, preventing the returnto
// parameter from becoming an open redirect.
func sanitizeReturnTo(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return fallback
	}
	return raw
}
