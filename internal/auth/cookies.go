package auth

import (
	"crypto/sha512"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"

	// SessionLifetime is how long a refresh session and its cookie live.
	SessionLifetime = 30 * 24 * time.Hour
)

// CookieCodec builds and reads the two auth cookies. The refresh cookie value is
// signed with the process secret; the access cookie carries a self-signed JWT.
type CookieCodec struct {
	sc        *securecookie.SecureCookie
	secure    bool
	accessTTL time.Duration
}

func NewCookieCodec(secret []byte, secure bool, accessTTL time.Duration) (*CookieCodec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	key := sha512.Sum512(append([]byte("refresh-cookie:"), secret...))
	sc := securecookie.New(key[:], nil).MaxAge(int(SessionLifetime / time.Second))
	return &CookieCodec{sc: sc, secure: secure, accessTTL: accessTTL}, nil
}

func (c *CookieCodec) AccessCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     AccessTokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.accessTTL / time.Second),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c *CookieCodec) RefreshCookie(sessionID string, expires time.Time) (*http.Cookie, error) {
	encoded, err := c.sc.Encode(RefreshTokenCookie, sessionID)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    encoded,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// ClearCookies returns removal cookies for both tokens: an expiry in the past
// and a negative MaxAge, which net/http serializes as Max-Age=0.
func (c *CookieCodec) ClearCookies() []*http.Cookie {
	expire := func(name string) *http.Cookie {
		return &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   c.secure,
			SameSite: http.SameSiteLaxMode,
		}
	}
	return []*http.Cookie{expire(AccessTokenCookie), expire(RefreshTokenCookie)}
}

// ReadAccessToken returns the raw access token cookie value or "".
func (c *CookieCodec) ReadAccessToken(r *http.Request) string {
	ck, err := r.Cookie(AccessTokenCookie)
	if err != nil {
		return ""
	}
	return ck.Value
}

// ReadSessionID decodes the refresh cookie. present reports whether a refresh
// cookie was sent at all; a present cookie that fails verification yields
// present=true and an empty id.
func (c *CookieCodec) ReadSessionID(r *http.Request) (id string, present bool) {
	ck, err := r.Cookie(RefreshTokenCookie)
	if err != nil || ck.Value == "" {
		return "", false
	}
	if err := c.sc.Decode(RefreshTokenCookie, ck.Value, &id); err != nil {
		return "", true
	}
	return id, true
}
