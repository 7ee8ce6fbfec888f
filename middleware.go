package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/example/sessionauth/internal/auth"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

type ctxKey int

const identityKey ctxKey = iota

// requestIdentity is stored in the request context by RequireUser.
type requestIdentity struct {
	auth.Identity
	SessionID string
}

func identityFrom(ctx context.Context) *requestIdentity {
	id, _ := ctx.Value(identityKey).(*requestIdentity)
	return id
}

// RequireUser resolves the caller from the auth cookies. Authenticated requests
// continue with the identity in context (and a rotated access cookie when one was
// minted); anonymous ones are sent to sign-in; invalid sessions to logout.
func (a *App) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outcome, err := a.Auth.ResolveRequest(r)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		for _, c := range outcome.SetCookies {
			http.SetCookie(w, c)
		}
		outcome = outcome.Require(auth.SignInPath, r.URL.RequestURI())
		if outcome.Kind == auth.Redirect {
			http.Redirect(w, r, outcome.Location, http.StatusSeeOther)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, &requestIdentity{
			Identity:  *outcome.Identity,
			SessionID: outcome.SessionID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CORS middleware handles CORS headers
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, o := range a.CORSOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Add("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxTrackedClients is the limiter map size past which idle buckets are swept.
const maxTrackedClients = 10000

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per client address.
type RateLimiter struct {
	limiters map[string]*clientLimiter
	perMin   int
	mu       sync.Mutex
	now      func() time.Time
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		perMin:   perMinute,
		now:      time.Now,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, exists := rl.limiters[key]
	if !exists {
		if len(rl.limiters) >= maxTrackedClients {
			rl.evictIdle(now)
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.perMin)/60, rl.perMin)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// evictIdle drops buckets untouched for a minute. Their tokens have fully
// refilled, so a fresh bucket behaves the same. Callers hold rl.mu.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) >= time.Minute {
			delete(rl.limiters, key)
		}
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// clientAddr identifies the caller for rate limiting. Forwarding headers are
// client-controlled, so they are only honoured behind a trusted proxy.
func (a *App) clientAddr(r *http.Request) string {
	if a.TrustProxyHeaders {
		return auth.ClientIP(r)
	}
	return auth.RemoteIP(r)
}

// RateLimit throttles state-changing requests per client address.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !a.rateLimiter.Allow(a.clientAddr(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many attempts. Try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests. The route template is logged instead of the
// raw path, which may carry reset or verification tokens.
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", routePath(r),
			"remote", a.clientAddr(r),
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// routePath returns the matched route template, or the raw path when no route
// matched.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
