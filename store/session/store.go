// Package session persists session lifecycle state in Redis: one JSON blob
// per session id plus a sorted set ordered by updatedAt so callers can list
// sessions newest-first (spec §6: "Sessions: JSON per session id; newest-first
// on list by updatedAt ISO-8601 string comparison"). Grounded on the teacher's
// runtime/agent/session.Store contract and its own use of a Redis client to
// back Pulse streams (features/stream/pulse/clients/pulse/client.go).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is the durable record for one conversational session.
type Session struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	// ErrNotFound indicates a session does not exist in the store.
	ErrNotFound = errors.New("session: not found")
	// ErrEnded indicates the session exists but is terminal.
	ErrEnded = errors.New("session: ended")
)

const (
	keyPrefix  = "taskcore:session:"
	indexKey   = "taskcore:sessions"
	defaultTTL = 30 * 24 * time.Hour
)

// Store persists Session records in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Options configures Store.
type Options struct {
	Client *redis.Client
	// TTL bounds how long an ended session's JSON blob survives. Zero uses
	// defaultTTL. Active sessions are never expired.
	TTL time.Duration
}

// New constructs a Store backed by client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("session: redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{client: opts.Client, ttl: ttl}, nil
}

// Create creates (or returns) an active session. Idempotent for active
// sessions; returns ErrEnded if the session exists and is terminal.
func (s *Store) Create(ctx context.Context, id string, now time.Time) (Session, error) {
	existing, err := s.Load(ctx, id)
	if err == nil {
		if existing.Status == StatusEnded {
			return Session{}, ErrEnded
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	sess := Session{ID: id, Status: StatusActive, CreatedAt: now, UpdatedAt: now}
	if err := s.save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Load fetches a session by id.
func (s *Store) Load(ctx context.Context, id string) (Session, error) {
	raw, err := s.client.Get(ctx, keyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("session: load %q: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, fmt.Errorf("session: decode %q: %w", id, err)
	}
	return sess, nil
}

// End ends a session, returning its terminal state. Idempotent.
func (s *Store) End(ctx context.Context, id string, endedAt time.Time) (Session, error) {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == StatusEnded {
		return sess, nil
	}
	sess.Status = StatusEnded
	sess.UpdatedAt = endedAt
	sess.EndedAt = &endedAt
	if err := s.save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Touch bumps a session's updatedAt without changing its status, keeping its
// position in the newest-first listing current.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	sess.UpdatedAt = now
	return s.save(ctx, sess)
}

// List returns every session newest-first by updatedAt, matching spec §6's
// ISO-8601 string comparison ordering via a Redis sorted set scored on the
// Unix-nanosecond updatedAt.
func (s *Store) List(ctx context.Context, limit int64) ([]Session, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	ids, err := s.client.ZRevRange(ctx, indexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) save(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode %q: %w", sess.ID, err)
	}
	ttl := s.ttl
	if sess.Status == StatusActive {
		ttl = 0
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+sess.ID, raw, ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(sess.UpdatedAt.UnixNano()), Member: sess.ID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: save %q: %w", sess.ID, err)
	}
	return nil
}
