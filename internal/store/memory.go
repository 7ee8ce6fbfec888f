package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/sessionauth/internal/auth"
	"github.com/google/uuid"
)

// Memory is an in-process Store. Not recommended for production: nothing
// survives a restart.
type Memory struct {
	mu         sync.Mutex
	users      map[string]*auth.User // by id
	byEmail    map[string]string     // email -> id
	sessions   map[string]*auth.AuthSession
	twoFactors map[string]*auth.TwoFactorCredential
	resets     map[string]*auth.PasswordResetToken // by hashed token
	now        func() time.Time
}

var _ auth.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:      map[string]*auth.User{},
		byEmail:    map[string]string{},
		sessions:   map[string]*auth.AuthSession{},
		twoFactors: map[string]*auth.TwoFactorCredential{},
		resets:     map[string]*auth.PasswordResetToken{},
		now:        time.Now,
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) CreateUser(_ context.Context, email, passwordHash string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return nil, auth.ErrEmailTaken
	}
	now := m.now().UTC()
	u := &auth.User{ID: uuid.NewString(), Email: email, PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}
	m.users[u.ID] = u
	m.byEmail[email] = u.ID
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return nil, nil
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (*auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.PasswordHash = passwordHash
		u.UpdatedAt = m.now().UTC()
	}
	return nil
}

func (m *Memory) MarkEmailVerified(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return false, nil
	}
	u := m.users[id]
	u.EmailVerified = true
	u.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *Memory) CreateSession(_ context.Context, ns auth.NewSession) (*auth.AuthSession, error) {
	id, err := auth.NewSessionID()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := &auth.AuthSession{
		ID:        id,
		UserID:    ns.UserID,
		CreatedAt: m.now().UTC(),
		ExpiresAt: ns.ExpiresAt.UTC(),
		IPAddress: ns.IPAddress,
		UserAgent: ns.UserAgent,
	}
	m.sessions[id] = sess
	cp := *sess
	return &cp, nil
}

func (m *Memory) LookupSession(_ context.Context, id string, now time.Time) (*auth.AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || !sess.Valid(now) {
		return nil, nil
	}
	u, ok := m.users[sess.UserID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	pub := u.Public()
	cp.User = &pub
	return &cp, nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *Memory) DeleteOwnedSession(_ context.Context, id, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess.UserID != userID {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m *Memory) DeleteSessionsForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if sess.UserID == userID {
			delete(m.sessions, id)
		}
	}
	return nil
}

func (m *Memory) ListSessionsForUser(_ context.Context, userID string) ([]*auth.AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.AuthSession
	for _, sess := range m.sessions {
		if sess.UserID == userID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) GetTwoFactor(_ context.Context, userID string) (*auth.TwoFactorCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.twoFactors[userID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) CreateTwoFactor(_ context.Context, c *auth.TwoFactorCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.twoFactors[c.UserID]; ok {
		return auth.ErrTwoFactorEnabled
	}
	cp := *c
	m.twoFactors[c.UserID] = &cp
	return nil
}

func (m *Memory) DeleteTwoFactor(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.twoFactors, userID)
	return nil
}

func (m *Memory) CreateResetToken(_ context.Context, t *auth.PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.resets[t.HashedToken] = &cp
	return nil
}

// RedeemResetToken holds the lock for the whole check-delete-update sequence.
func (m *Memory) RedeemResetToken(_ context.Context, hashedToken, passwordHash string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.resets[hashedToken]
	if !ok {
		return "", auth.ErrResetTokenNotFound
	}
	if !now.Before(t.ExpiresAt) {
		return "", auth.ErrResetTokenExpired
	}
	for h, other := range m.resets {
		if other.UserID == t.UserID {
			delete(m.resets, h)
		}
	}
	if u, ok := m.users[t.UserID]; ok {
		u.PasswordHash = passwordHash
		u.UpdatedAt = now.UTC()
	}
	return t.UserID, nil
}
