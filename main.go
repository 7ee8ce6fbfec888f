package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/sessionauth/internal/auth"
	cfg "github.com/example/sessionauth/internal/config"
	"github.com/example/sessionauth/internal/mail"
	"github.com/example/sessionauth/internal/store"
	"github.com/gorilla/mux"
)

// pinger is any backing store the readiness probe checks.
type pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Auth        *auth.Service
	Pingers     []pinger
	CORSOrigins []string
	rateLimiter *RateLimiter
	closers     []io.Closer

	// TrustProxyHeaders keys rate limiting on forwarding headers instead of the
	// connection address. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// openStore picks the persistence adapter. Postgres is migrated before use.
func openStore(c *cfg.Config) (auth.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		return store.NewSQLite(c.SQLiteFile)
	case "postgres":
		slog.Info("applying database migrations", "dir", c.MigrationsDir)
		if err := store.ApplyMigrations(c.MigrationsDir, c.PostgresDSN); err != nil {
			return nil, err
		}
		return store.NewPostgres(c.PostgresDSN)
	case "memory":
		slog.Warn("using in-memory database (not recommended for production)")
		return store.NewMemory(), nil
	}
	return nil, errors.New("unsupported DB_ADAPTER: " + c.DBAdapter)
}

func newTransport(c *cfg.Config, logger *slog.Logger) (mail.Transport, error) {
	if c.SMTPHost == "" {
		logger.Warn("SMTP_HOST not set, emails will be logged instead of sent")
		return mail.NewLog(logger), nil
	}
	return mail.NewSMTP(mail.SMTPConfig{
		Host:     c.SMTPHost,
		Port:     c.SMTPPort,
		Username: c.SMTPUsername,
		Password: c.SMTPPassword,
		From:     c.MailFrom,
	})
}

// NewApp wires stores, mailer and the auth service from configuration.
func NewApp(ctx context.Context, c *cfg.Config, logger *slog.Logger) (*App, error) {
	db, err := openStore(c)
	if err != nil {
		return nil, err
	}
	app := &App{
		CORSOrigins:       c.CORSOrigins,
		TrustProxyHeaders: c.TrustProxyHeaders,
		rateLimiter:       NewRateLimiter(c.RateLimitPerMinute),
		Pingers:           []pinger{db},
		closers:           []io.Closer{db},
	}

	var sessions auth.SessionStore = db
	if c.SessionBackend == "redis" {
		rs, err := store.NewRedisSessionsFromURL(ctx, c.RedisURL, db)
		if err != nil {
			app.Close()
			return nil, err
		}
		sessions = rs
		app.Pingers = append(app.Pingers, rs)
		app.closers = append(app.closers, rs)
	}

	transport, err := newTransport(c, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Auth, err = auth.NewService(auth.Options{
		Secret:            []byte(c.SessionSecret),
		VerifyEmailSecret: []byte(c.VerifyEmailSecret),
		Development:       c.Development(),
		BaseURL:           c.BaseURL,
		BcryptCost:        c.BcryptCost,
		Issuer:            c.TOTPIssuer,
	}, auth.Deps{
		Users:      db,
		Sessions:   sessions,
		TwoFactors: db,
		Resets:     db,
		Mailer:     mail.New(transport),
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Close releases every store the app opened.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			slog.Error("closing store", "error", err)
		}
	}
}

// Router builds the route table.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()

	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)
	r.Use(a.RateLimit)

	// Preflight requests are answered by the CORS middleware.
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/healthz", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")

	r.HandleFunc("/", a.HandleIndex).Methods("GET")
	r.HandleFunc("/signup", a.HandleSignup).Methods("POST")
	r.HandleFunc("/signin", a.HandleSignin).Methods("POST")
	r.HandleFunc("/auth/logout", a.HandleLogout).Methods("GET")
	r.HandleFunc("/auth/forgot-password", a.HandleForgotPassword).Methods("POST")
	r.HandleFunc("/auth/forgot-password/{token}", a.HandleResetPassword).Methods("POST")
	r.HandleFunc("/auth/verify/{emailAddress}/{token}", a.HandleVerifyEmail).Methods("GET")

	private := r.NewRoute().Subrouter()
	private.Use(a.RequireUser)
	private.HandleFunc("/auth/me", a.HandleMe).Methods("GET")
	private.HandleFunc("/auth/sessions", a.HandleSessions).Methods("GET")
	private.HandleFunc("/auth/sessions", a.HandleDeleteSession).Methods("DELETE")
	private.HandleFunc("/auth/sessions/{sessionId}", a.HandleDeleteSession).Methods("DELETE")
	private.HandleFunc("/auth/remove-session/{sessionId}", a.HandleRemoveSession).Methods("POST")
	private.HandleFunc("/auth/register-2fa", a.HandleTwoFactorStatus).Methods("GET")
	private.HandleFunc("/auth/register-2fa", a.HandleTwoFactorEnroll).Methods("POST")
	private.HandleFunc("/auth/register-2fa", a.HandleTwoFactorRemove).Methods("DELETE")
	private.HandleFunc("/auth/register-2fa/success/{successType}", a.HandleTwoFactorSuccess).Methods("GET")
	private.HandleFunc("/auth/update-password", a.HandleUpdatePasswordStatus).Methods("GET")
	private.HandleFunc("/auth/update-password", a.HandleUpdatePassword).Methods("POST")

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(c.LogLevel)
	slog.SetDefault(logger)

	app, err := NewApp(context.Background(), c, logger)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	srv := &http.Server{Handler: app.Router(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		logger.Info("starting server", "port", c.Port, "env", c.Env, "db_adapter", c.DBAdapter, "session_backend", c.SessionBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	app.Close()
	logger.Info("server exited properly")
}
