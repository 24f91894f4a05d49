// Package redisstore persists checkout sessions in Redis so every API instance sees the same
// session state.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	defaultKeyPrefix = "checkout"
	sessionVersion   = 1
)

type sessionEnvelope struct {
	Version int                    `json:"v"`
	Session domain.CheckoutSession `json:"session"`
}

// SessionStore implements repositories.CheckoutSessionRepository. Each session is stored as JSON
// under its own key; a second key maps the pending transaction id back to the session and shares
// its expiry.
type SessionStore struct {
	client redis.UniversalClient
	prefix string
}

var _ repositories.CheckoutSessionRepository = (*SessionStore)(nil)

// NewSessionStore constructs a SessionStore. An empty prefix defaults to "checkout".
func NewSessionStore(client redis.UniversalClient, prefix string) (*SessionStore, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &SessionStore{client: client, prefix: prefix}, nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (domain.CheckoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.CheckoutSession{}, repositories.NewStoreError("checkout_session.get", repositories.StoreErrorNotFound, errors.New("session id is empty"))
	}
	return s.read(ctx, "checkout_session.get", s.sessionKey(sessionID))
}

// Save writes the session and its transaction index atomically with the same ttl.
func (s *SessionStore) Save(ctx context.Context, session domain.CheckoutSession, ttl time.Duration) error {
	if strings.TrimSpace(session.ID) == "" {
		return repositories.NewStoreError("checkout_session.save", repositories.StoreErrorUnknown, errors.New("session id is required"))
	}
	payload, err := json.Marshal(sessionEnvelope{Version: sessionVersion, Session: session})
	if err != nil {
		return repositories.NewStoreError("checkout_session.save", repositories.StoreErrorUnknown, fmt.Errorf("marshal session: %w", err))
	}
	if ttl < 0 {
		ttl = 0
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.ID), payload, ttl)
		if txID := strings.TrimSpace(session.Payment.TransactionID); txID != "" {
			pipe.Set(ctx, s.transactionKey(txID), session.ID, ttl)
		}
		return nil
	})
	if err != nil {
		return unavailable("checkout_session.save", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		var storeErr *repositories.StoreError
		if errors.As(err, &storeErr) && storeErr.IsNotFound() {
			return nil
		}
		return err
	}
	keys := []string{s.sessionKey(session.ID)}
	if txID := session.Payment.TransactionID; txID != "" {
		keys = append(keys, s.transactionKey(txID))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("checkout_session.delete", err)
	}
	return nil
}

func (s *SessionStore) FindByTransactionID(ctx context.Context, transactionID string) (domain.CheckoutSession, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.CheckoutSession{}, repositories.NewStoreError("checkout_session.find_by_transaction", repositories.StoreErrorNotFound, errors.New("transaction id is empty"))
	}
	sessionID, err := s.client.Get(ctx, s.transactionKey(transactionID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.CheckoutSession{}, repositories.NewStoreError("checkout_session.find_by_transaction", repositories.StoreErrorNotFound, fmt.Errorf("transaction %q not indexed", transactionID))
	}
	if err != nil {
		return domain.CheckoutSession{}, unavailable("checkout_session.find_by_transaction", err)
	}
	return s.read(ctx, "checkout_session.find_by_transaction", s.sessionKey(sessionID))
}

// Ping reports whether Redis answers; it backs the readiness check.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) read(ctx context.Context, op, key string) (domain.CheckoutSession, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CheckoutSession{}, repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("%s not found", key))
	}
	if err != nil {
		return domain.CheckoutSession{}, unavailable(op, err)
	}
	var envelope sessionEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return domain.CheckoutSession{}, repositories.NewStoreError(op, repositories.StoreErrorUnknown, fmt.Errorf("unmarshal session: %w", err))
	}
	if envelope.Version != sessionVersion {
		// Sessions are short lived; an unknown layout is treated as expired.
		return domain.CheckoutSession{}, repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("session layout v%d", envelope.Version))
	}
	return envelope.Session, nil
}

func (s *SessionStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, sessionID)
}

func (s *SessionStore) transactionKey(transactionID string) string {
	return fmt.Sprintf("%s:tx:%s", s.prefix, transactionID)
}

func unavailable(op string, err error) error {
	return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
}
