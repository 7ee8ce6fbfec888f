package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/example/sessionauth/internal/auth"
	"github.com/gorilla/mux"
)

const maxFormBytes = 1 << 20

// form is a flat request body, accepted as JSON or url-encoded.
type form map[string]string

func (f form) get(key string) string { return f[key] }

// readForm decodes JSON or url-encoded bodies for any method, DELETE included.
func readForm(w http.ResponseWriter, r *http.Request) (form, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFormBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return nil, false
	}
	f := form{}
	if len(body) == 0 {
		return f, true
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(body, &f); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
			return nil, false
		}
		return f, true
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return nil, false
	}
	for k := range values {
		f[k] = values.Get(k)
	}
	return f, true
}

func setCookies(w http.ResponseWriter, cookies []*http.Cookie) {
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
}

// HandleIndex returns the signed-in user, or null for anonymous callers.
// GET /
func (a *App) HandleIndex(w http.ResponseWriter, r *http.Request) {
	outcome, err := a.Auth.ResolveRequest(r)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	setCookies(w, outcome.SetCookies)
	if outcome.Kind == auth.Redirect {
		http.Redirect(w, r, outcome.Location, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": outcome.Identity})
}

// HandleSignup creates an account and signs it in.
// POST /signup
func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	f, ok := readForm(w, r)
	if !ok {
		return
	}
	issued, redirectTo, err := a.Auth.SignUp(r.Context(), auth.SignUpInput{
		Email:      f.get("email"),
		Password:   f.get("password"),
		RedirectTo: f.get("redirectTo"),
		Client:     auth.ClientInfoFrom(r),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	setCookies(w, issued.Cookies)
	http.Redirect(w, r, redirectTo, http.StatusSeeOther)
}

// HandleSignin runs the sign-in state machine.
// POST /signin
func (a *App) HandleSignin(w http.ResponseWriter, r *http.Request) {
	f, ok := readForm(w, r)
	if !ok {
		return
	}
	res, err := a.Auth.SignIn(r.Context(), auth.SignInInput{
		Email:      f.get("email"),
		Password:   f.get("password"),
		Code:       f.get("token"),
		RedirectTo: f.get("redirectTo"),
		Client:     auth.ClientInfoFrom(r),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	if res.State == auth.StateAwaitingCode {
		writeJSON(w, http.StatusOK, map[string]bool{"needs2faToken": true})
		return
	}
	setCookies(w, res.Issued.Cookies)
	http.Redirect(w, r, res.RedirectTo, http.StatusSeeOther)
}

// HandleLogout deletes the current session and clears both cookies.
// GET /auth/logout
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := a.Auth.Cookies().ReadSessionID(r)
	cookies, err := a.Auth.Logout(r.Context(), sessionID)
	if err != nil {
		slog.ErrorContext(r.Context(), "logout: removing session", "error", err)
	}
	setCookies(w, cookies)
	http.Redirect(w, r, auth.SafeRedirect(r.URL.Query().Get("redirectTo")), http.StatusSeeOther)
}

// HandleMe returns the resolved identity.
// GET /auth/me
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": id.Identity})
}

// HandleSessions lists the caller's sessions.
// GET /auth/sessions
func (a *App) HandleSessions(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	sessions, err := a.Auth.ListSessions(r.Context(), id.ID, id.SessionID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":     id.Identity,
		"sessions": sessions,
	})
}

// HandleDeleteSession revokes one of the caller's sessions. The id comes from
// the path or, for DELETE /auth/sessions, from the body.
// DELETE /auth/sessions/{sessionId}, DELETE /auth/sessions
func (a *App) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if sessionID == "" {
		f, ok := readForm(w, r)
		if !ok {
			return
		}
		sessionID = f.get("sessionId")
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Session id is required")
		return
	}
	id := identityFrom(r.Context())
	revoked, err := a.Auth.RevokeSession(r.Context(), id.ID, sessionID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

// HandleRemoveSession is the plain HTML form variant of HandleDeleteSession.
// It only accepts POST so a cross-site link cannot revoke a session.
// POST /auth/remove-session/{sessionId}
func (a *App) HandleRemoveSession(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if _, err := a.Auth.RevokeSession(r.Context(), id.ID, mux.Vars(r)["sessionId"]); err != nil {
		slog.ErrorContext(r.Context(), "removing session", "error", err)
	}
	http.Redirect(w, r, "/auth/sessions", http.StatusSeeOther)
}

// HandleTwoFactorStatus returns a fresh enrollment, or has2fa when enrolled.
// GET /auth/register-2fa
func (a *App) HandleTwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	enrollment, fresh, err := a.Auth.BeginEnrollment(r.Context(), id.Identity)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	resp := map[string]interface{}{"user": id.Identity, "has2fa": !fresh}
	if fresh {
		resp["secret"] = enrollment.Secret
		resp["keyURI"] = enrollment.KeyURI
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleTwoFactorEnroll stores the second factor once the code checks out.
// POST /auth/register-2fa
func (a *App) HandleTwoFactorEnroll(w http.ResponseWriter, r *http.Request) {
	f, ok := readForm(w, r)
	if !ok {
		return
	}
	id := identityFrom(r.Context())
	if err := a.Auth.FinishEnrollment(r.Context(), id.ID, f.get("token"), f.get("secret")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, "/auth/register-2fa/success/added", http.StatusSeeOther)
}

// HandleTwoFactorRemove deletes the second factor after a password check.
// DELETE /auth/register-2fa
func (a *App) HandleTwoFactorRemove(w http.ResponseWriter, r *http.Request) {
	f, ok := readForm(w, r)
	if !ok {
		return
	}
	id := identityFrom(r.Context())
	if err := a.Auth.RemoveTwoFactor(r.Context(), id.Identity, f.get("password")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, "/auth/register-2fa/success/delete", http.StatusSeeOther)
}

// HandleTwoFactorSuccess reports the outcome of an enrollment change.
// GET /auth/register-2fa/success/{successType}
func (a *App) HandleTwoFactorSuccess(w http.ResponseWriter, r *http.Request) {
	switch mux.Vars(r)["successType"] {
	case "added":
		writeSuccess(w, http.StatusOK, map[string]string{"message": "2FA has been added!"})
	case "delete":
		writeSuccess(w, http.StatusOK, map[string]string{"message": "2FA has been removed!"})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown result")
	}
}

// HandleUpdatePasswordStatus tells the client whether a code is needed.
// GET /auth/update-password
func (a *App) HandleUpdatePasswordStatus(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	has, err := a.Auth.HasTwoFactor(r.Context(), id.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": id.Identity, "has2fa": has})
}

// HandleUpdatePassword changes the password and replaces the caller's cookies
// with a fresh session; every other session is revoked.
// POST /auth/update-password
func (a *App) HandleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	f, ok := readForm(w, r)
	if !ok {
		return
	}
	id := identityFrom(r.Context())
	issued, err := a.Auth.UpdatePassword(r.Context(), auth.UpdatePasswordInput{
		Email:           id.Email,
		CurrentPassword: f.get("currentPassword"),
		NewPassword:     f.get("newPassword"),
		Code:            f.get("token"),
		Client:          auth.ClientInfoFrom(r),
	})
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	setCookies(w, issued.Cookies)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleForgotPassword always answers with the same acknowledgment.
// POST /auth/forgot-password
func (a *App) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	f, ok := readForm(w, r)
	if !ok {
		return
	}
	ack, err := a.Auth.ForgotPassword(r.Context(), f.get("email"))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"alert": ack})
}

// HandleResetPassword redeems an emailed reset token.
// POST /auth/forgot-password/{token}
func (a *App) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	f, ok := readForm(w, r)
	if !ok {
		return
	}
	token := mux.Vars(r)["token"]
	if t := f.get("token"); t != "" {
		token = t
	}
	if err := a.Auth.ResetPassword(r.Context(), token, f.get("password")); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleVerifyEmail confirms an email address from the mailed link.
// GET /auth/verify/{emailAddress}/{token}
func (a *App) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.Auth.VerifyEmail(r.Context(), vars["emailAddress"], vars["token"]); err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isVerified": true})
}

// HandleHealth is the liveness probe.
// GET /health, GET /healthz
func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady pings every backing store.
// GET /ready
func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	for _, p := range a.Pingers {
		if err := p.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
