package auth

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrIncorrectPassword   = errors.New("incorrect password")
	ErrCodeRequired        = errors.New("two-factor code required")
	ErrInvalidCode         = errors.New("invalid two-factor code")
	ErrEmailTaken          = errors.New("email address already in use")
	ErrResetTokenNotFound  = errors.New("reset token not found")
	ErrResetTokenExpired   = errors.New("reset token expired")
	ErrInvalidVerification = errors.New("invalid verification token")
	ErrTwoFactorEnabled    = errors.New("two-factor authentication already enabled")
	ErrInvalidAccessToken  = errors.New("invalid access token")
	ErrMissingSecret       = errors.New("signing secret must not be empty")
	ErrPasswordTooLong     = errors.New("password exceeds 72 bytes")
)

// FieldErrors maps a form field to a "required"-style message.
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+f[k])
	}
	return "invalid input: " + strings.Join(parts, ", ")
}

// required collects a FieldErrors for every empty value. It returns nil when
// nothing is missing so callers can return it directly as an error.
func required(fields ...[2]string) error {
	fe := FieldErrors{}
	for _, f := range fields {
		if strings.TrimSpace(f[1]) == "" {
			fe[f[0]] = messageFor(f[0])
		}
	}
	if len(fe) == 0 {
		return nil
	}
	return fe
}

// passwordLength rejects a new password bcrypt cannot hash.
func passwordLength(field, password string) error {
	if len(password) > MaxPasswordBytes {
		return FieldErrors{field: "Password too long"}
	}
	return nil
}

func messageFor(field string) string {
	switch field {
	case "email":
		return "Email address required"
	case "password":
		return "Password required"
	case "currentPassword":
		return "Current password required"
	case "newPassword":
		return "New password required"
	case "token":
		return "Code required"
	case "secret":
		return "Secret required"
	default:
		return field + " required"
	}
}
