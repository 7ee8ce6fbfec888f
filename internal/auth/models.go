package auth

import "time"

// User represents an account. PasswordHash never leaves the store/hasher boundary.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Public returns the user without the password hash.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}

// PublicUser is the part of a user that is safe to hand to callers.
type PublicUser struct {
	ID            string    `json:"id"`
	Email         string    `json:"emailAddress"`
	EmailVerified bool      `json:"emailAddressVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AuthSession is a refresh session. Its ID is the refresh token.
type AuthSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`

	// User is populated by LookupSession only.
	User *PublicUser `json:"-"`
}

// Valid reports whether the session has not yet expired at now.
func (s *AuthSession) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// NewSession carries the fields a caller supplies when creating a session.
// The identifier is always generated by the store.
type NewSession struct {
	UserID    string
	IPAddress string
	UserAgent string
	ExpiresAt time.Time
}

// SessionView is an AuthSession annotated for the session management view.
type SessionView struct {
	AuthSession
	OS               string `json:"os"`
	Browser          string `json:"browser"`
	Display          string `json:"display"`
	IsCurrentSession bool   `json:"isCurrentSession"`
}

// StrategyAuthenticator is the only second-factor strategy supported.
const StrategyAuthenticator = "AUTHENTICATOR"

// TwoFactorCredential is a user's enrolled second factor.
type TwoFactorCredential struct {
	UserID    string
	Strategy  string
	Secret    string
	CreatedAt time.Time
}

// PasswordResetToken stores the digest of an emailed reset token.
type PasswordResetToken struct {
	UserID      string
	HashedToken string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Identity is what a request resolves to once authenticated.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"emailAddress"`
}
