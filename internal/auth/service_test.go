package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "hunter2hunter2"

var testClient = ClientInfo{
	IPAddress: "203.0.113.7",
	UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

func newTestService(t *testing.T) (*Service, *fakeStore, *recordingMailer) {
	t.Helper()
	st := newFakeStore()
	m := &recordingMailer{}
	svc, err := NewService(Options{
		Secret:     []byte("test-secret-test-secret-test-secret"),
		BaseURL:    "https://app.example.com/",
		BcryptCost: bcrypt.MinCost,
		Issuer:     "Test",
	}, Deps{
		Users:      st,
		Sessions:   st,
		TwoFactors: st,
		Resets:     st,
		Mailer:     m,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return svc, st, m
}

func signUp(t *testing.T, svc *Service, email string) *Issued {
	t.Helper()
	issued, _, err := svc.SignUp(context.Background(), SignUpInput{Email: email, Password: testPassword, Client: testClient})
	require.NoError(t, err)
	return issued
}

// enroll registers a second factor for user and returns its secret.
func enroll(t *testing.T, svc *Service, user PublicUser) string {
	t.Helper()
	ctx := context.Background()
	e, ok, err := svc.BeginEnrollment(ctx, Identity{ID: user.ID, Email: user.Email})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, svc.FinishEnrollment(ctx, user.ID, currentCode(t, e.Secret), e.Secret))
	return e.Secret
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

func TestNewService_Validation(t *testing.T) {
	st := newFakeStore()
	deps := Deps{Users: st, Sessions: st, TwoFactors: st, Resets: st, Mailer: &recordingMailer{}}

	_, err := NewService(Options{BcryptCost: bcrypt.MinCost}, deps)
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = NewService(Options{Secret: []byte("s"), BcryptCost: bcrypt.MinCost}, Deps{Users: st})
	assert.Error(t, err)

	noMailer := deps
	noMailer.Mailer = nil
	_, err = NewService(Options{Secret: []byte("s"), BcryptCost: bcrypt.MinCost}, noMailer)
	assert.Error(t, err)
}

func TestNewService_DevelopmentCookies(t *testing.T) {
	st := newFakeStore()
	svc, err := NewService(Options{Secret: []byte("s"), Development: true, BcryptCost: bcrypt.MinCost},
		Deps{Users: st, Sessions: st, TwoFactors: st, Resets: st, Mailer: &recordingMailer{}})
	require.NoError(t, err)

	ck := svc.Cookies().AccessCookie("jwt")
	assert.False(t, ck.Secure)
	assert.Equal(t, int(DevAccessTokenTTL/time.Second), ck.MaxAge)
}

func TestSignUp(t *testing.T) {
	svc, st, mailer := newTestService(t)
	ctx := context.Background()

	issued, redirect, err := svc.SignUp(ctx, SignUpInput{
		Email:      "a@example.com",
		Password:   testPassword,
		RedirectTo: "/auth/sessions",
		Client:     testClient,
	})
	require.NoError(t, err)
	assert.Equal(t, "/auth/sessions", redirect)
	assert.Equal(t, "a@example.com", issued.User.Email)
	assert.NotEmpty(t, issued.AccessToken)
	require.Len(t, issued.Cookies, 2)
	assert.Equal(t, AccessTokenCookie, issued.Cookies[0].Name)
	assert.Equal(t, RefreshTokenCookie, issued.Cookies[1].Name)
	assert.Equal(t, 1, st.sessionCount(issued.User.ID))
	assert.Equal(t, testClient.IPAddress, issued.Session.IPAddress)

	u, err := st.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, testPassword, u.PasswordHash)
	assert.False(t, u.EmailVerified)

	sent, ok := mailer.last("verify")
	require.True(t, ok)
	assert.Equal(t, "a@example.com", sent.to)
	assert.True(t, strings.HasPrefix(sent.link, "https://app.example.com/auth/verify/"), sent.link)
}

func TestSignUp_Rejections(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	signUp(t, svc, "a@example.com")

	_, _, err := svc.SignUp(ctx, SignUpInput{Email: "a@example.com", Password: "other"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, _, err = svc.SignUp(ctx, SignUpInput{})
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Email address required", fe["email"])
	assert.Equal(t, "Password required", fe["password"])
}

func TestSignUp_PasswordTooLong(t *testing.T) {
	svc, st, _ := newTestService(t)
	_, _, err := svc.SignUp(context.Background(), SignUpInput{Email: "a@example.com", Password: strings.Repeat("a", MaxPasswordBytes+1)})
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Password too long", fe["password"])
	assert.Empty(t, st.users)

	_, _, err = svc.SignUp(context.Background(), SignUpInput{Email: "a@example.com", Password: strings.Repeat("a", MaxPasswordBytes)})
	assert.NoError(t, err)
}

func TestSignUp_RedirectIsSanitized(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, redirect, err := svc.SignUp(context.Background(), SignUpInput{
		Email:      "a@example.com",
		Password:   testPassword,
		RedirectTo: "https://evil.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "/", redirect)
}

func TestSignUp_MailFailureDoesNotFail(t *testing.T) {
	svc, _, mailer := newTestService(t)
	mailer.err = fmt.Errorf("smtp down")
	signUp(t, svc, "a@example.com")
}

func TestSignIn(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := signUp(t, svc, "a@example.com").User

	res, err := svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: testPassword, RedirectTo: "//evil", Client: testClient})
	require.NoError(t, err)
	assert.Equal(t, StateSignedIn, res.State)
	assert.Equal(t, "/", res.RedirectTo)
	require.NotNil(t, res.Issued)
	assert.Equal(t, user.ID, res.Issued.User.ID)
	assert.Equal(t, 2, st.sessionCount(user.ID))
}

func TestSignIn_Rejections(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	signUp(t, svc, "a@example.com")

	_, err := svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SignIn(ctx, SignInInput{Email: "nobody@example.com", Password: testPassword})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com"})
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe, "password")
	assert.NotContains(t, fe, "email")
}

func TestSignIn_UnknownEmailRunsFullComparison(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	signUp(t, svc, "a@example.com")

	var compared [][]byte
	svc.hasher.compare = func(hash, password []byte) error {
		compared = append(compared, hash)
		return bcrypt.CompareHashAndPassword(hash, password)
	}

	_, err := svc.SignIn(ctx, SignInInput{Email: "nobody@example.com", Password: testPassword})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	require.Len(t, compared, 1)
	assert.Equal(t, svc.hasher.dummy, compared[0])
	cost, err := bcrypt.Cost(compared[0])
	require.NoError(t, err)
	assert.Equal(t, svc.hasher.Cost(), cost)

	_, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Len(t, compared, 2)
}

func TestSignIn_SecondFactor(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := signUp(t, svc, "a@example.com").User
	secret := enroll(t, svc, user)
	before := st.sessionCount(user.ID)

	res, err := svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingCode, res.State)
	assert.Nil(t, res.Issued)
	assert.Equal(t, before, st.sessionCount(user.ID), "no session before the code is checked")

	stale, err := totp.GenerateCode(secret, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: testPassword, Code: stale})
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: "wrong", Code: currentCode(t, secret)})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: testPassword, Code: currentCode(t, secret)})
	require.NoError(t, err)
	assert.Equal(t, StateSignedIn, res.State)
	require.NotNil(t, res.Issued)
}

func TestLogout(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	issued := signUp(t, svc, "a@example.com")

	cookies, err := svc.Logout(ctx, issued.Session.ID)
	require.NoError(t, err)
	assert.Len(t, cookies, 2)
	assert.Equal(t, 0, st.sessionCount(issued.User.ID))

	cookies, err = svc.Logout(ctx, "")
	require.NoError(t, err)
	assert.Len(t, cookies, 2)
}

func TestListAndRevokeSessions(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	first := signUp(t, svc, "a@example.com")
	second, err := svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: testPassword, Client: ClientInfo{}})
	require.NoError(t, err)
	other := signUp(t, svc, "b@example.com")

	views, err := svc.ListSessions(ctx, first.User.ID, first.Session.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)
	current := 0
	for _, v := range views {
		if v.IsCurrentSession {
			current++
			assert.Equal(t, first.Session.ID, v.ID)
			assert.Equal(t, "Safari", v.Browser)
			assert.Equal(t, fmt.Sprintf("%s (%s)", v.Browser, v.OS), v.Display)
		} else {
			assert.Equal(t, "Unknown (Unknown)", v.Display)
		}
	}
	assert.Equal(t, 1, current)

	ok, err := svc.RevokeSession(ctx, first.User.ID, other.Session.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cannot revoke another user's session")
	assert.Equal(t, 1, st.sessionCount(other.User.ID))

	ok, err = svc.RevokeSession(ctx, first.User.ID, second.Issued.Session.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, st.sessionCount(first.User.ID))

	ok, err = svc.RevokeSession(ctx, first.User.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdatePassword(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := signUp(t, svc, "a@example.com").User
	_, err := svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: testPassword})
	require.NoError(t, err)
	require.Equal(t, 2, st.sessionCount(user.ID))

	_, err = svc.UpdatePassword(ctx, UpdatePasswordInput{Email: "a@example.com", CurrentPassword: "wrong", NewPassword: "new-password"})
	assert.ErrorIs(t, err, ErrIncorrectPassword)

	_, err = svc.UpdatePassword(ctx, UpdatePasswordInput{Email: "a@example.com"})
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Len(t, fe, 2)

	issued, err := svc.UpdatePassword(ctx, UpdatePasswordInput{
		Email:           "a@example.com",
		CurrentPassword: testPassword,
		NewPassword:     "new-password",
		Client:          testClient,
	})
	require.NoError(t, err)
	assert.Len(t, issued.Cookies, 2)
	assert.Equal(t, 1, st.sessionCount(user.ID), "old sessions revoked, one fresh session")

	_, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: testPassword})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: "new-password"})
	assert.NoError(t, err)
}

func TestUpdatePassword_NewPasswordTooLong(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	user := signUp(t, svc, "a@example.com").User

	_, err := svc.UpdatePassword(ctx, UpdatePasswordInput{
		Email:           "a@example.com",
		CurrentPassword: testPassword,
		NewPassword:     strings.Repeat("a", MaxPasswordBytes+1),
	})
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Password too long", fe["newPassword"])
	assert.Equal(t, 1, st.sessionCount(user.ID), "sessions untouched")

	_, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: testPassword})
	assert.NoError(t, err)
}

func TestUpdatePassword_SecondFactor(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	user := signUp(t, svc, "a@example.com").User
	secret := enroll(t, svc, user)

	in := UpdatePasswordInput{Email: "a@example.com", CurrentPassword: testPassword, NewPassword: "new-password"}
	_, err := svc.UpdatePassword(ctx, in)
	assert.ErrorIs(t, err, ErrCodeRequired)

	in.Code = "abcdef"
	_, err = svc.UpdatePassword(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidCode)

	in.Code = currentCode(t, secret)
	_, err = svc.UpdatePassword(ctx, in)
	assert.NoError(t, err)
}

func TestTwoFactorEnrollment(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	user := signUp(t, svc, "a@example.com").User
	id := Identity{ID: user.ID, Email: user.Email}

	has, err := svc.HasTwoFactor(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, has)

	e, ok, err := svc.BeginEnrollment(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, e.KeyURI, "otpauth://totp/")

	assert.ErrorIs(t, svc.FinishEnrollment(ctx, user.ID, "abcdef", e.Secret), ErrInvalidCode)
	var fe FieldErrors
	require.ErrorAs(t, svc.FinishEnrollment(ctx, user.ID, "", ""), &fe)
	assert.Contains(t, fe, "token")
	assert.Contains(t, fe, "secret")

	require.NoError(t, svc.FinishEnrollment(ctx, user.ID, currentCode(t, e.Secret), e.Secret))
	has, err = svc.HasTwoFactor(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, has)

	_, ok, err = svc.BeginEnrollment(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, svc.FinishEnrollment(ctx, user.ID, currentCode(t, e.Secret), e.Secret), ErrTwoFactorEnabled)

	assert.ErrorIs(t, svc.RemoveTwoFactor(ctx, id, "wrong"), ErrIncorrectPassword)
	require.NoError(t, svc.RemoveTwoFactor(ctx, id, testPassword))
	has, err = svc.HasTwoFactor(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestForgotAndResetPassword(t *testing.T) {
	svc, st, mailer := newTestService(t)
	ctx := context.Background()
	user := signUp(t, svc, "a@example.com").User

	known, err := svc.ForgotPassword(ctx, "a@example.com")
	require.NoError(t, err)
	unknown, err := svc.ForgotPassword(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf(ForgotPasswordAck, "a@example.com"), known)
	assert.Equal(t, fmt.Sprintf(ForgotPasswordAck, "nobody@example.com"), unknown)

	sent, ok := mailer.last("reset")
	require.True(t, ok)
	assert.Equal(t, "a@example.com", sent.to)
	prefix := "https://app.example.com/auth/forgot-password/"
	require.True(t, strings.HasPrefix(sent.link, prefix), sent.link)
	raw := strings.TrimPrefix(sent.link, prefix)
	assert.Len(t, raw, 128)

	for _, tok := range st.resets {
		assert.NotEqual(t, raw, tok.HashedToken, "raw token must not be stored")
		assert.Equal(t, HashToken(raw), tok.HashedToken)
	}

	assert.ErrorIs(t, svc.ResetPassword(ctx, "nope", "new-password"), ErrResetTokenNotFound)

	require.NoError(t, svc.ResetPassword(ctx, raw, "new-password"))
	assert.Equal(t, 0, st.sessionCount(user.ID))
	assert.ErrorIs(t, svc.ResetPassword(ctx, raw, "again"), ErrResetTokenNotFound)

	_, err = svc.SignIn(ctx, SignInInput{Email: "a@example.com", Password: "new-password"})
	assert.NoError(t, err)
}

func TestResetPassword_PasswordTooLong(t *testing.T) {
	svc, _, mailer := newTestService(t)
	ctx := context.Background()
	signUp(t, svc, "a@example.com")

	_, err := svc.ForgotPassword(ctx, "a@example.com")
	require.NoError(t, err)
	sent, ok := mailer.last("reset")
	require.True(t, ok)
	raw := sent.link[strings.LastIndex(sent.link, "/")+1:]

	err = svc.ResetPassword(ctx, raw, strings.Repeat("a", MaxPasswordBytes+1))
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Password too long", fe["password"])

	// the token was not consumed
	require.NoError(t, svc.ResetPassword(ctx, raw, "new-password"))
}

func TestResetPassword_Expired(t *testing.T) {
	svc, _, mailer := newTestService(t)
	ctx := context.Background()
	signUp(t, svc, "a@example.com")

	_, err := svc.ForgotPassword(ctx, "a@example.com")
	require.NoError(t, err)
	sent, ok := mailer.last("reset")
	require.True(t, ok)
	raw := sent.link[strings.LastIndex(sent.link, "/")+1:]

	later := time.Now().Add(25 * time.Hour)
	svc.now = func() time.Time { return later }
	assert.ErrorIs(t, svc.ResetPassword(ctx, raw, "new-password"), ErrResetTokenExpired)
}

func TestForgotPassword_RequiresEmail(t *testing.T) {
	svc, _, mailer := newTestService(t)
	_, err := svc.ForgotPassword(context.Background(), "")
	var fe FieldErrors
	assert.ErrorAs(t, err, &fe)
	_, ok := mailer.last("reset")
	assert.False(t, ok)
}

func TestVerifyEmail(t *testing.T) {
	svc, st, mailer := newTestService(t)
	ctx := context.Background()
	signUp(t, svc, "a@example.com")

	sent, ok := mailer.last("verify")
	require.True(t, ok)
	u, err := url.Parse(sent.link)
	require.NoError(t, err)
	parts := strings.Split(strings.TrimPrefix(u.Path, "/auth/verify/"), "/")
	require.Len(t, parts, 2)
	email, token := parts[0], parts[1]
	assert.Equal(t, "a@example.com", email)

	assert.ErrorIs(t, svc.VerifyEmail(ctx, email, "bad"), ErrInvalidVerification)
	assert.ErrorIs(t, svc.VerifyEmail(ctx, "", token), ErrInvalidVerification)
	assert.ErrorIs(t, svc.VerifyEmail(ctx, "b@example.com", token), ErrInvalidVerification)

	// a well-formed token for an address with no account
	assert.ErrorIs(t, svc.VerifyEmail(ctx, "ghost@example.com", svc.verificationToken("ghost@example.com")), ErrInvalidVerification)

	require.NoError(t, svc.VerifyEmail(ctx, email, token))
	user, err := st.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, user.EmailVerified)
}
