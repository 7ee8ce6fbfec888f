package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port          string
	Env           string
	DBAdapter     string
	SQLiteFile    string
	MigrationsDir string
	LogLevel      string

	// SessionSecret signs access tokens and the refresh cookie. Required.
	SessionSecret     string
	VerifyEmailSecret string
	BaseURL           string
	BcryptCost        int
	TOTPIssuer        string

	SessionBackend string
	RedisURL       string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	RateLimitPerMinute int
	TrustProxyHeaders  bool
	CORSOrigins        []string

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %s", key, v)
	}
	return b, nil
}

// Development reports whether the process runs in development mode: shorter
// access tokens and cookies without the Secure attribute.
func (c *Config) Development() bool {
	return c.Env == "development" || c.Env == "dev"
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// New reads the environment. It fails when SESSION_SECRET is missing so the
// server never starts without a signing secret.
func New() (*Config, error) {
	c := &Config{
		Port:          getenv("PORT", "8080"),
		Env:           strings.ToLower(getenv("APP_ENV", getenv("NODE_ENV", getenv("ENV", "production")))),
		DBAdapter:     getenv("DB_ADAPTER", "postgres"),
		SQLiteFile:    getenv("SQLITE_FILE", "./data/sessionauth.db"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./migrations"),
		LogLevel:      getenv("LOG_LEVEL", "info"),

		SessionSecret:     os.Getenv("SESSION_SECRET"),
		VerifyEmailSecret: os.Getenv("VERIFY_EMAIL_SECRET"),
		BaseURL:           strings.TrimRight(getenv("BASE_URL", "http://localhost:3000"), "/"),
		TOTPIssuer:        getenv("TOTP_ISSUER", "Remix auth"),

		SessionBackend: getenv("SESSION_BACKEND", "sql"),
		RedisURL:       getenv("REDIS_URL", "redis://localhost:6379/0"),

		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		MailFrom:     getenv("MAIL_FROM", "noreply@example.com"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "auth")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "sessionauth")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}

	if c.SessionSecret == "" {
		return nil, errors.New("SESSION_SECRET must be set")
	}
	if c.VerifyEmailSecret == "" {
		c.VerifyEmailSecret = c.SessionSecret
	}

	var err error
	if c.BcryptCost, err = getenvInt("BCRYPT_COST", 12); err != nil {
		return nil, err
	}
	if c.SMTPPort, err = getenvInt("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	if c.RateLimitPerMinute, err = getenvInt("RATE_LIMIT_PER_MINUTE", 30); err != nil {
		return nil, err
	}
	if c.TrustProxyHeaders, err = getenvBool("TRUST_PROXY_HEADERS", false); err != nil {
		return nil, err
	}
	if origins := getenv("CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.SessionBackend {
	case "sql":
	case "redis":
		if c.RedisURL == "" {
			return nil, errors.New("REDIS_URL must be set when SESSION_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported SESSION_BACKEND: %s (supported: sql, redis)", c.SessionBackend)
	}

	if !c.Development() && len(c.SessionSecret) < 32 {
		return nil, errors.New("SESSION_SECRET must be at least 32 bytes outside development")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
