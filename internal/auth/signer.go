package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DevAccessTokenTTL  = 30 * time.Second
	ProdAccessTokenTTL = 180 * time.Second

	resetTokenBytes   = 64
	sessionTokenBytes = 32
)

// Claims are the access token claims. Subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"emailAddress"`
}

// Signer issues and verifies HS512 access tokens with a process-wide secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner fails when secret is empty; the process must not serve without one.
func NewSigner(secret []byte, ttl time.Duration) (*Signer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = ProdAccessTokenTTL
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Signer{secret: s, ttl: ttl, now: time.Now}, nil
}

func (s *Signer) TTL() time.Duration { return s.ttl }

func (s *Signer) IssueAccessToken(userID, email string) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Email: email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	return token.SignedString(s.secret)
}

// VerifyAccessToken returns the claims of a valid token. Any malformed, expired or
// badly signed token yields an error wrapping ErrInvalidAccessToken.
func (s *Signer) VerifyAccessToken(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidAccessToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.Email == "" {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}

// NewResetToken returns 64 random bytes, hex encoded. Only its digest is stored.
func NewResetToken() (string, error) {
	return genToken(resetTokenBytes)
}

// NewSessionID returns an unguessable session identifier. The session id is the
// refresh token, so it is treated as a capability.
func NewSessionID() (string, error) {
	return genToken(sessionTokenBytes)
}

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
