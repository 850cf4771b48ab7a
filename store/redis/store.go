// Package redis provides a Redis-backed result cache. Reservations use
// SETNX so single-flight holds across processes sharing the cache; TTL
// expiry is native to Redis, so no pruning is needed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/quantops"
	"github.com/xraph/quantops/cache"
	"github.com/xraph/quantops/id"
)

// Compile-time interface check.
var _ cache.Store = (*Store)(nil)

// Store is a Redis-backed implementation of cache.Store.
type Store struct {
	client    *goredis.Client
	keyPrefix string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix. Defaults to "quantops:cache:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a Store over an existing Redis client.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quantops:cache:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(fingerprint string) string {
	return s.keyPrefix + fingerprint
}

// entryRecord is the wire form of a cache entry in Redis.
type entryRecord struct {
	JobID     string          `json:"job_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Completed bool            `json:"completed"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
}

// GetOrCreate reserves the fingerprint with SETNX, or returns the job ID
// of the existing entry. A reservation carries no TTL; it lives until the
// owning job completes it or the registry invalidates it.
func (s *Store) GetOrCreate(ctx context.Context, fingerprint string, jobID id.JobID) (id.JobID, bool, error) {
	rec := entryRecord{JobID: jobID.String()}
	data, err := json.Marshal(rec)
	if err != nil {
		return id.Nil, false, fmt.Errorf("quantops/redis: marshal reservation: %w", err)
	}

	key := s.key(fingerprint)

	// Bounded retry covers the race where the existing key expires
	// between SETNX and GET.
	for range 3 {
		set, setErr := s.client.SetNX(ctx, key, data, 0).Result()
		if setErr != nil {
			return id.Nil, false, fmt.Errorf("quantops/redis: reserve fingerprint: %w", setErr)
		}
		if set {
			return jobID, true, nil
		}

		val, getErr := s.client.Get(ctx, key).Result()
		if errors.Is(getErr, goredis.Nil) {
			continue
		}
		if getErr != nil {
			return id.Nil, false, fmt.Errorf("quantops/redis: read entry: %w", getErr)
		}

		var existing entryRecord
		if unmarshalErr := json.Unmarshal([]byte(val), &existing); unmarshalErr != nil {
			return id.Nil, false, fmt.Errorf("quantops/redis: decode entry: %w", unmarshalErr)
		}
		existingID, parseErr := id.Parse(existing.JobID)
		if parseErr != nil {
			return id.Nil, false, fmt.Errorf("quantops/redis: entry job id: %w", parseErr)
		}
		return existingID, false, nil
	}

	return id.Nil, false, fmt.Errorf("quantops/redis: reserve fingerprint: contention on %s", fingerprint)
}

// Complete stores the result for a reserved fingerprint and starts its
// TTL via Redis expiry.
func (s *Store) Complete(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error {
	key := s.key(fingerprint)

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return quantops.ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("quantops/redis: read reservation: %w", err)
	}

	var rec entryRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return fmt.Errorf("quantops/redis: decode reservation: %w", err)
	}
	rec.Result = result
	rec.Completed = true
	if ttl > 0 {
		rec.ExpiresAt = time.Now().UTC().Add(ttl)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("quantops/redis: marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("quantops/redis: store result: %w", err)
	}
	return nil
}

// Invalidate removes the entry for a fingerprint. Idempotent.
func (s *Store) Invalidate(ctx context.Context, fingerprint string) error {
	if err := s.client.Del(ctx, s.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("quantops/redis: invalidate: %w", err)
	}
	return nil
}

// Get returns the entry for a fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (*cache.Entry, error) {
	val, err := s.client.Get(ctx, s.key(fingerprint)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, quantops.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("quantops/redis: read entry: %w", err)
	}

	var rec entryRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("quantops/redis: decode entry: %w", err)
	}
	jobID, err := id.Parse(rec.JobID)
	if err != nil {
		return nil, fmt.Errorf("quantops/redis: entry job id: %w", err)
	}

	return &cache.Entry{
		Fingerprint: fingerprint,
		JobID:       jobID,
		Result:      rec.Result,
		Completed:   rec.Completed,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}
