package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/sessionauth/internal/auth"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQL is a Store over database/sql. SQLite and Postgres share one query set;
// placeholders are rewritten for Postgres.
type SQL struct {
	db      *sql.DB
	dialect dialect
}

var _ auth.Store = (*SQL)(nil)

// q rewrites ? placeholders to $n for Postgres.
func (s *SQL) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQL) Close() error                   { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

// Users

const userColumns = `id, email, password_hash, email_verified, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var u auth.User
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt, u.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &u, nil
}

func (s *SQL) CreateUser(ctx context.Context, email, passwordHash string) (*auth.User, error) {
	now := time.Now().UTC().Truncate(time.Second)
	u := &auth.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users(id,email,password_hash,email_verified,created_at,updated_at) VALUES(?,?,?,?,?,?)`),
		u.ID, u.Email, u.PasswordHash, false, unix(now), unix(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, auth.ErrEmailTaken
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (s *SQL) getUser(ctx context.Context, where string, arg any) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE `+where+` = ?`), arg)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (s *SQL) GetUserByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.getUser(ctx, "email", email)
}

func (s *SQL) GetUserByID(ctx context.Context, id string) (*auth.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *SQL) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`),
		passwordHash, unix(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *SQL) MarkEmailVerified(ctx context.Context, email string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET email_verified = ?, updated_at = ? WHERE email = ?`),
		true, unix(time.Now()), email)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

// Sessions

func (s *SQL) CreateSession(ctx context.Context, ns auth.NewSession) (*auth.AuthSession, error) {
	id, err := auth.NewSessionID()
	if err != nil {
		return nil, err
	}
	sess := &auth.AuthSession{
		ID:        id,
		UserID:    ns.UserID,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		ExpiresAt: ns.ExpiresAt.UTC().Truncate(time.Second),
		IPAddress: ns.IPAddress,
		UserAgent: ns.UserAgent,
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO auth_sessions(id,user_id,created_at,expires_at,ip_address,user_agent) VALUES(?,?,?,?,?,?)`),
		sess.ID, sess.UserID, unix(sess.CreatedAt), unix(sess.ExpiresAt), sess.IPAddress, sess.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return sess, nil
}

func (s *SQL) LookupSession(ctx context.Context, id string, now time.Time) (*auth.AuthSession, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT s.id, s.user_id, s.created_at, s.expires_at, s.ip_address, s.user_agent, u.email, u.email_verified, u.created_at, u.updated_at
		FROM auth_sessions s JOIN users u ON u.id = s.user_id
		WHERE s.id = ? AND s.expires_at > ?`), id, unix(now))
	var sess auth.AuthSession
	var u auth.PublicUser
	var created, expires, uCreated, uUpdated int64
	err := row.Scan(&sess.ID, &sess.UserID, &created, &expires, &sess.IPAddress, &sess.UserAgent,
		&u.Email, &u.EmailVerified, &uCreated, &uUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	sess.CreatedAt, sess.ExpiresAt = fromUnix(created), fromUnix(expires)
	u.ID = sess.UserID
	u.CreatedAt, u.UpdatedAt = fromUnix(uCreated), fromUnix(uUpdated)
	sess.User = &u
	return &sess, nil
}

func (s *SQL) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM auth_sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *SQL) DeleteOwnedSession(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM auth_sessions WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (s *SQL) DeleteSessionsForUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM auth_sessions WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *SQL) ListSessionsForUser(ctx context.Context, userID string) ([]*auth.AuthSession, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, user_id, created_at, expires_at, ip_address, user_agent
		FROM auth_sessions WHERE user_id = ? ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	var sessions []*auth.AuthSession
	for rows.Next() {
		var sess auth.AuthSession
		var created, expires int64
		if err := rows.Scan(&sess.ID, &sess.UserID, &created, &expires, &sess.IPAddress, &sess.UserAgent); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		sess.CreatedAt, sess.ExpiresAt = fromUnix(created), fromUnix(expires)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return sessions, nil
}

// Second factor

func (s *SQL) GetTwoFactor(ctx context.Context, userID string) (*auth.TwoFactorCredential, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT user_id, strategy, secret, created_at FROM two_factor_credentials WHERE user_id = ?`), userID)
	var c auth.TwoFactorCredential
	var created int64
	if err := row.Scan(&c.UserID, &c.Strategy, &c.Secret, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	c.CreatedAt = fromUnix(created)
	return &c, nil
}

func (s *SQL) CreateTwoFactor(ctx context.Context, c *auth.TwoFactorCredential) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO two_factor_credentials(user_id,strategy,secret,created_at) VALUES(?,?,?,?)`),
		c.UserID, c.Strategy, c.Secret, unix(c.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return auth.ErrTwoFactorEnabled
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *SQL) DeleteTwoFactor(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM two_factor_credentials WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Password reset

func (s *SQL) CreateResetToken(ctx context.Context, t *auth.PasswordResetToken) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO password_reset_tokens(hashed_token,user_id,expires_at,created_at) VALUES(?,?,?,?)`),
		t.HashedToken, t.UserID, unix(t.ExpiresAt), unix(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *SQL) RedeemResetToken(ctx context.Context, hashedToken, passwordHash string, now time.Time) (string, error) {
	var userID string
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		var expires int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT user_id, expires_at FROM password_reset_tokens WHERE hashed_token = ?`), hashedToken).
			Scan(&userID, &expires)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return auth.ErrResetTokenNotFound
			}
			return fmt.Errorf("db error: %w", err)
		}
		if !now.Before(fromUnix(expires)) {
			return auth.ErrResetTokenExpired
		}
		// Claim the token first; a concurrent redemption that already purged it
		// leaves nothing to delete.
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM password_reset_tokens WHERE hashed_token = ?`), hashedToken)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("db error: %w", err)
		} else if n == 0 {
			return auth.ErrResetTokenNotFound
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM password_reset_tokens WHERE user_id = ?`), userID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`),
			passwordHash, unix(now), userID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}
