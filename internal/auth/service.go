package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	resetTokenLifetime = 24 * time.Hour

	// ForgotPasswordAck is returned whether or not the account exists.
	ForgotPasswordAck = "If an account exists for %s, we will email you instructions for resetting your password."
)

// Options is the immutable configuration of a Service, built once at startup.
type Options struct {
	Secret            []byte
	VerifyEmailSecret []byte
	Development       bool
	BaseURL           string
	BcryptCost        int
	Issuer            string
}

// Deps are the collaborators a Service calls into.
type Deps struct {
	Users      UserStore
	Sessions   SessionStore
	TwoFactors TwoFactorStore
	Resets     ResetTokenStore
	Mailer     Mailer
	Logger     *slog.Logger
}

// Service is the authentication orchestrator.
type Service struct {
	users      UserStore
	sessions   SessionStore
	twoFactors TwoFactorStore
	resets     ResetTokenStore
	mailer     Mailer
	log        *slog.Logger

	hasher *Hasher
	signer *Signer
	codec  *CookieCodec
	tfa    *TwoFactor

	baseURL      string
	verifySecret []byte
	now          func() time.Time
}

// NewService validates opts and wires the core components. It fails when the
// signing secret is missing.
func NewService(opts Options, deps Deps) (*Service, error) {
	if deps.Users == nil || deps.Sessions == nil || deps.TwoFactors == nil || deps.Resets == nil {
		return nil, errors.New("auth: all stores are required")
	}
	if deps.Mailer == nil {
		return nil, errors.New("auth: mailer is required")
	}
	ttl := ProdAccessTokenTTL
	if opts.Development {
		ttl = DevAccessTokenTTL
	}
	signer, err := NewSigner(opts.Secret, ttl)
	if err != nil {
		return nil, err
	}
	codec, err := NewCookieCodec(opts.Secret, !opts.Development, ttl)
	if err != nil {
		return nil, err
	}
	hasher, err := NewHasher(opts.BcryptCost)
	if err != nil {
		return nil, err
	}
	verifySecret := opts.VerifyEmailSecret
	if len(verifySecret) == 0 {
		verifySecret = opts.Secret
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:        deps.Users,
		sessions:     deps.Sessions,
		twoFactors:   deps.TwoFactors,
		resets:       deps.Resets,
		mailer:       deps.Mailer,
		log:          logger,
		hasher:       hasher,
		signer:       signer,
		codec:        codec,
		tfa:          NewTwoFactor(opts.Issuer),
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		verifySecret: verifySecret,
		now:          time.Now,
	}, nil
}

func (s *Service) Cookies() *CookieCodec { return s.codec }

// Issued is the result of establishing a new signed-in session.
type Issued struct {
	User        PublicUser
	AccessToken string
	Session     *AuthSession
	// Cookies holds the access and refresh cookies, always both.
	Cookies []*http.Cookie
}

// ClientInfo describes the device a session is created for.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// ClientInfoFrom extracts the client address and user agent from r.
func ClientInfoFrom(r *http.Request) ClientInfo {
	return ClientInfo{IPAddress: ClientIP(r), UserAgent: r.UserAgent()}
}

// authenticate returns the user when password matches. A missing user still
// pays for a full bcrypt comparison.
func (s *Service) authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	hash := ""
	if user != nil {
		hash = user.PasswordHash
	}
	if !s.hasher.VerifyPassword(password, hash) || user == nil {
		return nil, nil
	}
	return user, nil
}

// issue mints an access token and a refresh session for user.
func (s *Service) issue(ctx context.Context, user PublicUser, client ClientInfo) (*Issued, error) {
	access, err := s.signer.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}
	expires := s.now().Add(SessionLifetime)
	session, err := s.sessions.CreateSession(ctx, NewSession{
		UserID:    user.ID,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
		ExpiresAt: expires,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	refresh, err := s.codec.RefreshCookie(session.ID, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("encoding refresh cookie: %w", err)
	}
	return &Issued{
		User:        user,
		AccessToken: access,
		Session:     session,
		Cookies:     []*http.Cookie{s.codec.AccessCookie(access), refresh},
	}, nil
}

type SignUpInput struct {
	Email      string
	Password   string
	RedirectTo string
	Client     ClientInfo
}

// SignUp creates the user, sends the verification link and signs the user in.
func (s *Service) SignUp(ctx context.Context, in SignUpInput) (*Issued, string, error) {
	if err := required([2]string{"email", in.Email}, [2]string{"password", in.Password}); err != nil {
		return nil, "", err
	}
	if err := passwordLength("password", in.Password); err != nil {
		return nil, "", err
	}
	hash, err := s.hasher.HashPassword(in.Password)
	if err != nil {
		return nil, "", fmt.Errorf("hashing password: %w", err)
	}
	user, err := s.users.CreateUser(ctx, in.Email, hash)
	if err != nil {
		return nil, "", err
	}
	s.SendVerification(ctx, user.Email)
	issued, err := s.issue(ctx, user.Public(), in.Client)
	if err != nil {
		return nil, "", err
	}
	return issued, SafeRedirect(in.RedirectTo), nil
}

// SignInState is where a sign-in attempt ended up.
type SignInState int

const (
	StateSignedIn SignInState = iota + 1
	StateAwaitingCode
)

type SignInInput struct {
	Email      string
	Password   string
	Code       string
	RedirectTo string
	Client     ClientInfo
}

type SignInResult struct {
	State      SignInState
	RedirectTo string
	// Issued is nil unless State is StateSignedIn.
	Issued *Issued
}

// SignIn runs credentials -> optional second factor -> token issuance. Rejections
// are returned as ErrInvalidCredentials or ErrInvalidCode. When a second factor is
// enrolled and no code was sent nothing is persisted and StateAwaitingCode is
// returned.
func (s *Service) SignIn(ctx context.Context, in SignInInput) (*SignInResult, error) {
	if err := required([2]string{"email", in.Email}, [2]string{"password", in.Password}); err != nil {
		return nil, err
	}
	user, err := s.authenticate(ctx, in.Email, in.Password)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	cred, err := s.twoFactors.GetTwoFactor(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up second factor: %w", err)
	}
	if cred != nil {
		if strings.TrimSpace(in.Code) == "" {
			return &SignInResult{State: StateAwaitingCode}, nil
		}
		if !s.tfa.CheckCode(in.Code, cred.Secret) {
			return nil, ErrInvalidCode
		}
	}

	issued, err := s.issue(ctx, user.Public(), in.Client)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "user signed in", "user_id", user.ID)
	return &SignInResult{State: StateSignedIn, RedirectTo: SafeRedirect(in.RedirectTo), Issued: issued}, nil
}

// Logout deletes the given session, if any, and returns the cookies that clear
// both tokens.
func (s *Service) Logout(ctx context.Context, sessionID string) ([]*http.Cookie, error) {
	if sessionID != "" {
		if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
			return s.codec.ClearCookies(), fmt.Errorf("deleting session: %w", err)
		}
	}
	return s.codec.ClearCookies(), nil
}

// ListSessions returns the user's sessions annotated for display, flagging the
// one whose id equals currentSessionID.
func (s *Service) ListSessions(ctx context.Context, userID, currentSessionID string) ([]SessionView, error) {
	sessions, err := s.sessions.ListSessionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	views := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		browser, os := DescribeUserAgent(sess.UserAgent)
		views = append(views, SessionView{
			AuthSession:      *sess,
			OS:               os,
			Browser:          browser,
			Display:          fmt.Sprintf("%s (%s)", browser, os),
			IsCurrentSession: currentSessionID != "" && sess.ID == currentSessionID,
		})
	}
	return views, nil
}

// RevokeSession deletes sessionID only when it belongs to userID.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	ok, err := s.sessions.DeleteOwnedSession(ctx, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("revoking session: %w", err)
	}
	return ok, nil
}

type UpdatePasswordInput struct {
	Email           string
	CurrentPassword string
	NewPassword     string
	Code            string
	Client          ClientInfo
}

// UpdatePassword re-verifies the current password (and second factor when
// enrolled), stores the new hash, revokes every session of the user and issues a
// fresh one for the caller.
func (s *Service) UpdatePassword(ctx context.Context, in UpdatePasswordInput) (*Issued, error) {
	if err := required([2]string{"currentPassword", in.CurrentPassword}, [2]string{"newPassword", in.NewPassword}); err != nil {
		return nil, err
	}
	if err := passwordLength("newPassword", in.NewPassword); err != nil {
		return nil, err
	}
	user, err := s.authenticate(ctx, in.Email, in.CurrentPassword)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrIncorrectPassword
	}
	cred, err := s.twoFactors.GetTwoFactor(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up second factor: %w", err)
	}
	if cred != nil {
		if strings.TrimSpace(in.Code) == "" {
			return nil, ErrCodeRequired
		}
		if !s.tfa.CheckCode(in.Code, cred.Secret) {
			return nil, ErrInvalidCode
		}
	}
	hash, err := s.hasher.HashPassword(in.NewPassword)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return nil, fmt.Errorf("updating password: %w", err)
	}
	if err := s.sessions.DeleteSessionsForUser(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("revoking sessions: %w", err)
	}
	s.log.InfoContext(ctx, "password updated", "user_id", user.ID)
	return s.issue(ctx, user.Public(), in.Client)
}

// HasTwoFactor reports whether userID has an enrolled second factor.
func (s *Service) HasTwoFactor(ctx context.Context, userID string) (bool, error) {
	cred, err := s.twoFactors.GetTwoFactor(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("looking up second factor: %w", err)
	}
	return cred != nil, nil
}

// BeginEnrollment returns a fresh secret and key URI. Nothing is stored until
// FinishEnrollment proves the authenticator app produces valid codes. ok is false
// when the user is already enrolled.
func (s *Service) BeginEnrollment(ctx context.Context, id Identity) (enrollment Enrollment, ok bool, err error) {
	has, err := s.HasTwoFactor(ctx, id.ID)
	if err != nil || has {
		return Enrollment{}, false, err
	}
	enrollment, err = s.tfa.GenerateEnrollment(id.Email)
	if err != nil {
		return Enrollment{}, false, err
	}
	return enrollment, true, nil
}

// FinishEnrollment persists the credential once code validates against secret.
func (s *Service) FinishEnrollment(ctx context.Context, userID, code, secret string) error {
	if err := required([2]string{"token", code}, [2]string{"secret", secret}); err != nil {
		return err
	}
	has, err := s.HasTwoFactor(ctx, userID)
	if err != nil {
		return err
	}
	if has {
		return ErrTwoFactorEnabled
	}
	if !s.tfa.CheckCode(code, secret) {
		return ErrInvalidCode
	}
	if err := s.twoFactors.CreateTwoFactor(ctx, &TwoFactorCredential{
		UserID:    userID,
		Strategy:  StrategyAuthenticator,
		Secret:    secret,
		CreatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("storing second factor: %w", err)
	}
	s.log.InfoContext(ctx, "second factor enrolled", "user_id", userID)
	return nil
}

// RemoveTwoFactor deletes the credential after re-checking the password.
func (s *Service) RemoveTwoFactor(ctx context.Context, id Identity, password string) error {
	if err := required([2]string{"password", password}); err != nil {
		return err
	}
	user, err := s.authenticate(ctx, id.Email, password)
	if err != nil {
		return err
	}
	if user == nil || user.ID != id.ID {
		return ErrIncorrectPassword
	}
	if err := s.twoFactors.DeleteTwoFactor(ctx, user.ID); err != nil {
		return fmt.Errorf("deleting second factor: %w", err)
	}
	s.log.InfoContext(ctx, "second factor removed", "user_id", user.ID)
	return nil
}

// ForgotPassword stores a reset token digest and emails the raw token when the
// account exists. It returns the same acknowledgment either way; storage and mail
// failures are logged, not returned.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	if err := required([2]string{"email", email}); err != nil {
		return "", err
	}
	ack := fmt.Sprintf(ForgotPasswordAck, email)

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		s.log.ErrorContext(ctx, "forgot password lookup failed", "error", err)
		return ack, nil
	}
	if user == nil {
		return ack, nil
	}
	raw, err := NewResetToken()
	if err != nil {
		s.log.ErrorContext(ctx, "creating reset token failed", "error", err)
		return ack, nil
	}
	now := s.now()
	if err := s.resets.CreateResetToken(ctx, &PasswordResetToken{
		UserID:      user.ID,
		HashedToken: HashToken(raw),
		ExpiresAt:   now.Add(resetTokenLifetime),
		CreatedAt:   now,
	}); err != nil {
		s.log.ErrorContext(ctx, "storing reset token failed", "error", err)
		return ack, nil
	}
	if err := s.mailer.SendForgotPasswordEmail(ctx, user.Email, s.ResetLink(raw)); err != nil {
		s.log.WarnContext(ctx, "sending reset email failed", "error", err)
	}
	return ack, nil
}

// ResetLink is the URL mailed to a user who forgot their password.
func (s *Service) ResetLink(rawToken string) string {
	return s.baseURL + "/auth/forgot-password/" + url.PathEscape(rawToken)
}

// ResetPassword redeems token and sets newPassword in one atomic store operation,
// then revokes the user's sessions.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := required([2]string{"token", token}, [2]string{"password", newPassword}); err != nil {
		return err
	}
	if err := passwordLength("password", newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	userID, err := s.resets.RedeemResetToken(ctx, HashToken(token), hash, s.now())
	if err != nil {
		return err
	}
	if err := s.sessions.DeleteSessionsForUser(ctx, userID); err != nil {
		s.log.ErrorContext(ctx, "revoking sessions after reset failed", "user_id", userID, "error", err)
	}
	s.log.InfoContext(ctx, "password reset", "user_id", userID)
	return nil
}

func (s *Service) verificationToken(email string) string {
	return HashToken(string(s.verifySecret) + ":" + email)
}

// VerificationLink is the URL mailed to confirm email.
func (s *Service) VerificationLink(email string) string {
	return fmt.Sprintf("%s/auth/verify/%s/%s", s.baseURL, url.PathEscape(email), s.verificationToken(email))
}

// SendVerification mails the verification link. Delivery failures are logged.
func (s *Service) SendVerification(ctx context.Context, email string) {
	if err := s.mailer.SendVerificationEmail(ctx, email, s.VerificationLink(email)); err != nil {
		s.log.WarnContext(ctx, "sending verification email failed", "error", err)
	}
}

// VerifyEmail marks email verified when token matches. Unknown addresses and
// storage failures are indistinguishable from a bad token.
func (s *Service) VerifyEmail(ctx context.Context, email, token string) error {
	if email == "" || token == "" {
		return ErrInvalidVerification
	}
	if !constantTimeEqual(s.verificationToken(email), token) {
		return ErrInvalidVerification
	}
	ok, err := s.users.MarkEmailVerified(ctx, email)
	if err != nil {
		s.log.ErrorContext(ctx, "marking email verified failed", "error", err)
		return ErrInvalidVerification
	}
	if !ok {
		return ErrInvalidVerification
	}
	return nil
}
