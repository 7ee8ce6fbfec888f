package auth

import (
	"context"
	"time"
)

// Lookups return (nil, nil) when the record does not exist.

type UserStore interface {
	// CreateUser returns ErrEmailTaken when the email is already registered.
	CreateUser(ctx context.Context, email, passwordHash string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	// MarkEmailVerified reports whether a user with email existed.
	MarkEmailVerified(ctx context.Context, email string) (bool, error)
}

type SessionStore interface {
	// CreateSession generates the session id; callers never supply one.
	CreateSession(ctx context.Context, s NewSession) (*AuthSession, error)
	// LookupSession returns the session joined with its user, or nil when it is
	// missing or expired at now.
	LookupSession(ctx context.Context, id string, now time.Time) (*AuthSession, error)
	DeleteSession(ctx context.Context, id string) error
	// DeleteOwnedSession deletes id only if it belongs to userID.
	DeleteOwnedSession(ctx context.Context, id, userID string) (bool, error)
	DeleteSessionsForUser(ctx context.Context, userID string) error
	ListSessionsForUser(ctx context.Context, userID string) ([]*AuthSession, error)
}

type TwoFactorStore interface {
	GetTwoFactor(ctx context.Context, userID string) (*TwoFactorCredential, error)
	CreateTwoFactor(ctx context.Context, cred *TwoFactorCredential) error
	DeleteTwoFactor(ctx context.Context, userID string) error
}

type ResetTokenStore interface {
	CreateResetToken(ctx context.Context, t *PasswordResetToken) error
	// RedeemResetToken atomically looks up hashedToken, checks its expiry against
	// now, deletes every reset token of its user and sets passwordHash. It returns
	// ErrResetTokenNotFound or ErrResetTokenExpired without changing anything.
	RedeemResetToken(ctx context.Context, hashedToken, passwordHash string, now time.Time) (userID string, err error)
}

// Store is a complete persistence backend.
type Store interface {
	UserStore
	SessionStore
	TwoFactorStore
	ResetTokenStore
	Ping(ctx context.Context) error
	Close() error
}

// Mailer delivers the two outbound messages. Content is built by the caller.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, link string) error
	SendForgotPasswordEmail(ctx context.Context, to, link string) error
}
