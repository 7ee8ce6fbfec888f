package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeStore is a map-backed Store for service tests.
type fakeStore struct {
	mu         sync.Mutex
	seq        int
	users      map[string]*User
	sessions   map[string]*AuthSession
	twoFactors map[string]*TwoFactorCredential
	resets     map[string]*PasswordResetToken
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]*User{},
		sessions:   map[string]*AuthSession{},
		twoFactors: map[string]*TwoFactorCredential{},
		resets:     map[string]*PasswordResetToken{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }

func (f *fakeStore) CreateUser(_ context.Context, email, hash string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return nil, ErrEmailTaken
		}
	}
	f.seq++
	u := &User{ID: fmt.Sprintf("user-%d", f.seq), Email: email, PasswordHash: hash}
	f.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) UpdatePassword(_ context.Context, userID, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.PasswordHash = hash
	}
	return nil
}

func (f *fakeStore) MarkEmailVerified(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			u.EmailVerified = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreateSession(_ context.Context, ns NewSession) (*AuthSession, error) {
	id, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &AuthSession{ID: id, UserID: ns.UserID, ExpiresAt: ns.ExpiresAt, IPAddress: ns.IPAddress, UserAgent: ns.UserAgent}
	f.sessions[id] = s
	cp := *s
	return &cp, nil
}

func (f *fakeStore) LookupSession(_ context.Context, id string, now time.Time) (*AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.Valid(now) {
		return nil, nil
	}
	cp := *s
	if u, ok := f.users[s.UserID]; ok {
		pub := u.Public()
		cp.User = &pub
	}
	return &cp, nil
}

func (f *fakeStore) DeleteSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) DeleteOwnedSession(_ context.Context, id, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.UserID != userID {
		return false, nil
	}
	delete(f.sessions, id)
	return true, nil
}

func (f *fakeStore) DeleteSessionsForUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sessions {
		if s.UserID == userID {
			delete(f.sessions, id)
		}
	}
	return nil
}

func (f *fakeStore) ListSessionsForUser(_ context.Context, userID string) ([]*AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*AuthSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetTwoFactor(_ context.Context, userID string) (*TwoFactorCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.twoFactors[userID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) CreateTwoFactor(_ context.Context, c *TwoFactorCredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.twoFactors[c.UserID]; ok {
		return ErrTwoFactorEnabled
	}
	cp := *c
	f.twoFactors[c.UserID] = &cp
	return nil
}

func (f *fakeStore) DeleteTwoFactor(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.twoFactors, userID)
	return nil
}

func (f *fakeStore) CreateResetToken(_ context.Context, t *PasswordResetToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.resets[t.HashedToken] = &cp
	return nil
}

func (f *fakeStore) RedeemResetToken(_ context.Context, hashed, hash string, now time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.resets[hashed]
	if !ok {
		return "", ErrResetTokenNotFound
	}
	if !now.Before(t.ExpiresAt) {
		return "", ErrResetTokenExpired
	}
	for k, other := range f.resets {
		if other.UserID == t.UserID {
			delete(f.resets, k)
		}
	}
	if u, ok := f.users[t.UserID]; ok {
		u.PasswordHash = hash
	}
	return t.UserID, nil
}

func (f *fakeStore) sessionCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

type sentMail struct {
	kind string
	to   string
	link string
}

// recordingMailer remembers every message instead of sending it.
type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) SendVerificationEmail(_ context.Context, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{"verify", to, link})
	return m.err
}

func (m *recordingMailer) SendForgotPasswordEmail(_ context.Context, to, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{"reset", to, link})
	return m.err
}

func (m *recordingMailer) last(kind string) (sentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].kind == kind {
			return m.sent[i], true
		}
	}
	return sentMail{}, false
}
