package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

type sessionEntry struct {
	session   domain.CheckoutSession
	expiresAt time.Time
}

// SessionStore keeps checkout sessions in process with a per-entry expiry and a transaction id
// index.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]sessionEntry
	byTxID   map[string]string
	clock    func() time.Time
}

var _ repositories.CheckoutSessionRepository = (*SessionStore)(nil)

// NewSessionStore constructs a SessionStore. A nil clock defaults to time.Now.
func NewSessionStore(clock func() time.Time) *SessionStore {
	if clock == nil {
		clock = time.Now
	}
	return &SessionStore{
		sessions: make(map[string]sessionEntry),
		byTxID:   make(map[string]string),
		clock:    clock,
	}
}

func (s *SessionStore) Get(_ context.Context, sessionID string) (domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(strings.TrimSpace(sessionID))
	if !ok {
		return domain.CheckoutSession{}, notFound("checkout_session.get", sessionID)
	}
	return entry.session.Clone(), nil
}

func (s *SessionStore) Save(_ context.Context, session domain.CheckoutSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := sessionEntry{session: session.Clone()}
	if ttl > 0 {
		entry.expiresAt = s.clock().Add(ttl)
	}
	s.sessions[session.ID] = entry
	if txID := session.Payment.TransactionID; txID != "" {
		s.byTxID[txID] = session.ID
	}
	return nil
}

func (s *SessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(s.sessions, sessionID)
	if txID := entry.session.Payment.TransactionID; txID != "" && s.byTxID[txID] == sessionID {
		delete(s.byTxID, txID)
	}
	return nil
}

func (s *SessionStore) FindByTransactionID(_ context.Context, transactionID string) (domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.byTxID[strings.TrimSpace(transactionID)]
	if !ok {
		return domain.CheckoutSession{}, notFound("checkout_session.find_by_transaction", transactionID)
	}
	entry, ok := s.live(sessionID)
	if !ok {
		delete(s.byTxID, transactionID)
		return domain.CheckoutSession{}, notFound("checkout_session.find_by_transaction", transactionID)
	}
	return entry.session.Clone(), nil
}

func (s *SessionStore) live(sessionID string) (sessionEntry, bool) {
	entry, ok := s.sessions[sessionID]
	if !ok {
		return sessionEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !s.clock().Before(entry.expiresAt) {
		delete(s.sessions, sessionID)
		return sessionEntry{}, false
	}
	return entry, true
}
