package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
)

const (
	LogoutPath = "/auth/logout"
	SignInPath = "/signin"
)

// OutcomeKind tags the result of identity resolution.
type OutcomeKind int

const (
	// Anonymous means no credentials were presented.
	Anonymous OutcomeKind = iota
	// Continue means the request is authenticated.
	Continue
	// Redirect means the caller must send the client to Outcome.Location.
	Redirect
)

// Outcome is what ResolveRequest decided. Callers branch on Kind and apply
// SetCookies to the response regardless of it.
type Outcome struct {
	Kind     OutcomeKind
	Identity *Identity
	Location string
	// SessionID is the verified refresh session id carried by the request, if any.
	SessionID string
	// SetCookies carries a rotated access cookie when one was minted.
	SetCookies []*http.Cookie
}

// Require turns an anonymous outcome into a redirect to signinPath, passing the
// originally requested path along as redirectTo.
func (o Outcome) Require(signinPath, redirectTo string) Outcome {
	if o.Kind != Anonymous {
		return o
	}
	loc := signinPath
	if redirectTo != "" {
		loc += "?redirectTo=" + url.QueryEscape(SafeRedirect(redirectTo))
	}
	return Outcome{Kind: Redirect, Location: loc}
}

// ResolveRequest resolves the caller's identity from the request cookies.
func (s *Service) ResolveRequest(r *http.Request) (Outcome, error) {
	sessionID, present := s.codec.ReadSessionID(r)
	return s.resolve(r.Context(), s.codec.ReadAccessToken(r), sessionID, present)
}

// resolve tries the access token first. Failing that it looks the refresh session
// up; a live session mints a new access token, while a missing, expired or
// tampered one forces a full logout. Storage errors are returned as-is.
func (s *Service) resolve(ctx context.Context, accessToken, sessionID string, refreshPresent bool) (Outcome, error) {
	if accessToken != "" {
		if claims, err := s.signer.VerifyAccessToken(accessToken); err == nil {
			return Outcome{
				Kind:      Continue,
				Identity:  &Identity{ID: claims.Subject, Email: claims.Email},
				SessionID: sessionID,
			}, nil
		}
	}
	if !refreshPresent {
		return Outcome{Kind: Anonymous}, nil
	}
	if sessionID == "" {
		return Outcome{Kind: Redirect, Location: LogoutPath}, nil
	}

	now := s.now()
	session, err := s.sessions.LookupSession(ctx, sessionID, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("looking up session: %w", err)
	}
	if session == nil || !session.Valid(now) || session.User == nil {
		return Outcome{Kind: Redirect, Location: LogoutPath}, nil
	}

	access, err := s.signer.IssueAccessToken(session.UserID, session.User.Email)
	if err != nil {
		return Outcome{}, fmt.Errorf("issuing access token: %w", err)
	}
	return Outcome{
		Kind:       Continue,
		Identity:   &Identity{ID: session.UserID, Email: session.User.Email},
		SessionID:  session.ID,
		SetCookies: []*http.Cookie{s.codec.AccessCookie(access)},
	}, nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
