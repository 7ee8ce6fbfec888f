package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/example/sessionauth/internal/auth"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix     = "authsession:"
	userSessionKeyPrefix = "authsession:user:"
)

// deleteSessionScript removes the session hash KEYS[1] and its entry in the
// owner's index KEYS[2] when the hash still belongs to ARGV[1]. ARGV[2] is the
// session id. Returns 1 when a session was deleted. Both keys are declared, but
// they hash to different slots, so the script assumes a single Redis node.
var deleteSessionScript = redis.NewScript(`
local uid = redis.call('HGET', KEYS[1], 'user_id')
if not uid or uid ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

// RedisSessions keeps refresh sessions in Redis, one hash per session with a
// per-user index set. Session rows expire on their own at ExpiresAt. User fields
// for LookupSession come from users.
type RedisSessions struct {
	rdb   *redis.Client
	users auth.UserStore
	now   func() time.Time
}

var _ auth.SessionStore = (*RedisSessions)(nil)

func NewRedisSessions(rdb *redis.Client, users auth.UserStore) *RedisSessions {
	return &RedisSessions{rdb: rdb, users: users, now: time.Now}
}

// NewRedisSessionsFromURL parses a redis:// URL and checks connectivity.
func NewRedisSessionsFromURL(ctx context.Context, url string, users auth.UserStore) (*RedisSessions, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisSessions(rdb, users), nil
}

func (r *RedisSessions) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }
func (r *RedisSessions) Close() error                   { return r.rdb.Close() }

func sessionKey(id string) string         { return sessionKeyPrefix + id }
func userSessionsKey(userID string) string { return userSessionKeyPrefix + userID }

func (r *RedisSessions) CreateSession(ctx context.Context, ns auth.NewSession) (*auth.AuthSession, error) {
	id, err := auth.NewSessionID()
	if err != nil {
		return nil, err
	}
	sess := &auth.AuthSession{
		ID:        id,
		UserID:    ns.UserID,
		CreatedAt: r.now().UTC().Truncate(time.Second),
		ExpiresAt: ns.ExpiresAt.UTC().Truncate(time.Second),
		IPAddress: ns.IPAddress,
		UserAgent: ns.UserAgent,
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(id), map[string]interface{}{
			"user_id":    sess.UserID,
			"created_at": sess.CreatedAt.Unix(),
			"expires_at": sess.ExpiresAt.Unix(),
			"ip_address": sess.IPAddress,
			"user_agent": sess.UserAgent,
		})
		pipe.ExpireAt(ctx, sessionKey(id), sess.ExpiresAt)
		pipe.SAdd(ctx, userSessionsKey(sess.UserID), id)
		pipe.ExpireAt(ctx, userSessionsKey(sess.UserID), sess.ExpiresAt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	return sess, nil
}

func parseSession(id string, fields map[string]string) (*auth.AuthSession, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session %s: bad created_at: %w", id, err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session %s: bad expires_at: %w", id, err)
	}
	return &auth.AuthSession{
		ID:        id,
		UserID:    fields["user_id"],
		CreatedAt: fromUnix(created),
		ExpiresAt: fromUnix(expires),
		IPAddress: fields["ip_address"],
		UserAgent: fields["user_agent"],
	}, nil
}

func (r *RedisSessions) LookupSession(ctx context.Context, id string, now time.Time) (*auth.AuthSession, error) {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	sess, err := parseSession(id, fields)
	if err != nil {
		return nil, err
	}
	if !sess.Valid(now) {
		return nil, nil
	}
	u, err := r.users.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	pub := u.Public()
	sess.User = &pub
	return sess, nil
}

func (r *RedisSessions) deleteSession(ctx context.Context, id, owner string) (bool, error) {
	if owner == "" {
		uid, err := r.rdb.HGet(ctx, sessionKey(id), "user_id").Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("redis error: %w", err)
		}
		owner = uid
	}
	keys := []string{sessionKey(id), userSessionsKey(owner)}
	n, err := deleteSessionScript.Run(ctx, r.rdb, keys, owner, id).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return n == 1, nil
}

func (r *RedisSessions) DeleteSession(ctx context.Context, id string) error {
	_, err := r.deleteSession(ctx, id, "")
	return err
}

func (r *RedisSessions) DeleteOwnedSession(ctx context.Context, id, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return r.deleteSession(ctx, id, userID)
}

// DeleteSessionsForUser deletes every indexed session of userID. Only the ids
// that were read are removed from the index, so a session created concurrently
// stays listed.
func (r *RedisSessions) DeleteSessionsForUser(ctx context.Context, userID string) error {
	index := userSessionsKey(userID)
	ids, err := r.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			pipe.Del(ctx, sessionKey(id))
			members[i] = id
		}
		pipe.SRem(ctx, index, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

func (r *RedisSessions) ListSessionsForUser(ctx context.Context, userID string) ([]*auth.AuthSession, error) {
	ids, err := r.rdb.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	var out []*auth.AuthSession
	var stale []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := parseSession(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		// Expired hashes leave their ids behind in the index.
		_ = r.rdb.SRem(ctx, userSessionsKey(userID), stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
