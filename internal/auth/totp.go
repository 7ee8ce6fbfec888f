package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// DefaultIssuer labels the account inside authenticator apps.
const DefaultIssuer = "Session Auth"

// Enrollment is a freshly generated, not yet persisted, second factor.
type Enrollment struct {
	Secret string `json:"secret"`
	KeyURI string `json:"keyURI"`
}

// TwoFactor generates authenticator enrollments and checks their codes.
type TwoFactor struct {
	issuer string
	now    func() time.Time
}

func NewTwoFactor(issuer string) *TwoFactor {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &TwoFactor{issuer: issuer, now: time.Now}
}

// GenerateEnrollment creates a random secret and the otpauth:// URI to render as
// a QR code.
func (t *TwoFactor) GenerateEnrollment(email string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: email,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generating totp secret: %w", err)
	}
	return Enrollment{Secret: key.Secret(), KeyURI: key.URL()}, nil
}

// CheckCode validates code against secret, accepting one step of drift either way.
func (t *TwoFactor) CheckCode(code, secret string) bool {
	code = strings.TrimSpace(code)
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
