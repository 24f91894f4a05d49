package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
)

const (
	firestoreCollection = "idempotencyKeys"
	// reservations sit on the request path
	firestoreTxTimeout = 5 * time.Second
)

// FirestoreStore keeps records in idempotencyKeys/{sha256(key)}.
type FirestoreStore struct {
	provider *pfirestore.Provider
}

func NewFirestoreStore(provider *pfirestore.Provider) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	return &FirestoreStore{provider: provider}, nil
}

func (s *FirestoreStore) ref(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(firestoreCollection).Doc(documentID(key)), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref, err := s.ref(ctx, key)
	if err != nil {
		return Reservation{}, err
	}

	var result Reservation
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			var doc recordDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if record := doc.record(); !record.expired(now) {
				result, err = reservationFor(record, fingerprint)
				return err
			}
		case codes.NotFound:
		default:
			return err
		}
		record := pendingRecord(key, fingerprint, now, ttl)
		result = Reservation{State: ReservationStateNew, Record: record}
		return tx.Set(ref, newRecordDocument(record))
	}, pfirestore.WithTxLabel("idempotency.reserve"), pfirestore.WithTxTimeout(firestoreTxTimeout))
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		record := Record{Key: key, Fingerprint: fingerprint}
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			var doc recordDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record = doc.record()
		case codes.NotFound:
		default:
			return err
		}
		return tx.Set(ref, newRecordDocument(completeRecord(record, resp, now, ttl)))
	}, pfirestore.WithTxLabel("idempotency.complete"), pfirestore.WithTxTimeout(firestoreTxTimeout))
}

func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// CleanupExpired deletes up to limit expired records in one batch.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(firestoreCollection).Where("expiresAt", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, err
	}
	bw := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return 0, err
		}
	}
	bw.End()
	return len(docs), nil
}

type recordDocument struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders,omitempty"`
	ResponseBody    []byte              `firestore:"responseBody,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func newRecordDocument(r Record) recordDocument {
	return recordDocument{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (d recordDocument) record() Record {
	return Record{
		Key:             d.Key,
		Fingerprint:     d.Fingerprint,
		Status:          Status(d.Status),
		ResponseStatus:  d.ResponseStatus,
		ResponseHeaders: d.ResponseHeaders,
		ResponseBody:    d.ResponseBody,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
		ExpiresAt:       d.ExpiresAt.UTC(),
	}
}
