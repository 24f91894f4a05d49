package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON under {prefix}:idem:{sha256(key)}. Redis expiry replaces the
// cleanup sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "checkout"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":idem:" + documentID(key)
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record := pendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, err
	}
	stored, err := s.client.SetNX(ctx, s.key(key), payload, ttl).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: redis reserve: %w", err)
	}
	if stored {
		return Reservation{State: ReservationStateNew, Record: record}, nil
	}

	existing, err := s.load(ctx, key)
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return s.Reserve(ctx, key, fingerprint, now, ttl)
	}
	if err != nil {
		return Reservation{}, err
	}
	return reservationFor(existing, fingerprint)
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	record := Record{Key: key, Fingerprint: fingerprint}
	existing, err := s.load(ctx, key)
	switch {
	case err == nil:
		if existing.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		record = existing
	case !errors.Is(err, redis.Nil):
		return err
	}
	payload, err := json.Marshal(completeRecord(record, resp, now, ttl))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis save: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, _ string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: redis release: %w", err)
	}
	return nil
}

func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, key string) (Record, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("idempotency: redis load: %w", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, nil
}
