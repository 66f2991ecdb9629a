package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/persistence/codec"
	backend "github.com/redis/go-redis/v9"
)

const defaultPrefix = "waymark:session:"

// farFuture is the index score of records without a TTL (2100-01-01).
const farFuture = 4102444800

// Store implements ports.SessionStore using Redis.
// Records are JSON strings; a sorted set indexes them by expiry.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Store)

// WithTTL sets the expiration for sessions.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for sessions.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithClock replaces time.Now for index scores and backup stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: defaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Client exposes the underlying client so a Locker can share it.
func (s *Store) Client() *backend.Client {
	return s.client
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

func (s *Store) backupKey(stamp, sessionID string) string {
	return s.prefix + "backup:" + stamp + ":" + sessionID
}

func (s *Store) score() float64 {
	if s.ttl == 0 {
		return farFuture
	}
	return float64(s.now().Add(s.ttl).Unix())
}

// Save persists the session to Redis.
func (s *Store) Save(ctx context.Context, session *domain.Session) error {
	data, err := codec.Marshal(session)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(session.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  s.score(),
		Member: session.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Load retrieves the session from Redis.
func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	val, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return codec.Unmarshal(val)
}

// Delete removes the session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.ZRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// DeleteIfUnchanged removes the session under WATCH so a concurrent write
// between the read and the delete aborts the transaction.
func (s *Store) DeleteIfUnchanged(ctx context.Context, sessionID string, updatedAt time.Time) (bool, error) {
	key := s.key(sessionID)
	removed := false

	err := s.client.Watch(ctx, func(tx *backend.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, backend.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := codec.Unmarshal(val)
		if err != nil {
			return err
		}
		if !current.UpdatedAt.Equal(updatedAt) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.indexKey(), sessionID)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, key)

	if errors.Is(err, backend.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed conditional delete in redis: %w", err)
	}
	return removed, nil
}

// List returns indexed sessions, pruning entries whose TTL has passed.
func (s *Store) List(ctx context.Context) ([]string, error) {
	now := float64(s.now().Unix())
	if err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("(%f", now)).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune expired sessions: %w", err)
	}

	sessions, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Backup copies every indexed record under <prefix>backup:<stamp>:<id>
// without expiry and returns the key pattern of the snapshot.
func (s *Store) Backup(ctx context.Context) (string, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	stamp := s.now().UTC().Format("20060102T150405.000000000Z")

	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.key(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return "", fmt.Errorf("failed to read sessions for backup: %w", err)
		}

		pipe := s.client.Pipeline()
		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue // expired or deleted since List
			}
			pipe.Set(ctx, s.backupKey(stamp, ids[i]), str, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return "", fmt.Errorf("failed to write backup: %w", err)
		}
	}
	return s.backupKey(stamp, "*"), nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
