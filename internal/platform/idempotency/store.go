// Package idempotency replays the stored response of a mutating request when a client retries it
// with the same Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"
)

type Status string

const (
	DefaultTTL = 24 * time.Hour

	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew: the caller owns the key and runs the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted: replay Record.
	ReservationStateCompleted
	// ReservationStatePending: another request holds the key.
	ReservationStatePending
)

type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state of one key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is what the handler wrote.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and responses. Implementations must make Reserve atomic across
// instances sharing the store.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func completeRecord(record Record, resp Response, now time.Time, ttl time.Duration) Record {
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = storableHeaders(resp.Headers)
	record.ResponseBody = slices.Clone(resp.Body)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	return record
}

// reservationFor decides the state for an existing, unexpired record.
func reservationFor(record Record, fingerprint string) (Reservation, error) {
	if record.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: record}, nil
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

// documentID keys records by the scoped client key only, so a reused key with another payload is
// detected as a fingerprint mismatch.
func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var hopHeaders = []string{
	"Connection", "Content-Length", "Date", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

func storableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if slices.Contains(hopHeaders, canonical) {
			continue
		}
		out[canonical] = slices.Clone(values)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneRecord(record Record) Record {
	record.ResponseBody = slices.Clone(record.ResponseBody)
	if record.ResponseHeaders != nil {
		headers := maps.Clone(record.ResponseHeaders)
		for name, values := range headers {
			headers[name] = slices.Clone(values)
		}
		record.ResponseHeaders = headers
	}
	return record
}
