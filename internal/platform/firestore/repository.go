package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
)

// Document is a decoded Firestore document together with its server timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// Decoder hydrates T from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// BaseRepository binds a typed document shape to one top-level collection.
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
	decode     Decoder[T]
}

// NewBaseRepository constructs a BaseRepository. A nil decoder uses DataTo.
func NewBaseRepository[T any](provider *Provider, collection string, decode Decoder[T]) *BaseRepository[T] {
	if decode == nil {
		decode = func(snap *firestore.DocumentSnapshot) (T, error) {
			var target T
			err := snap.DataTo(&target)
			return target, err
		}
	}
	return &BaseRepository[T]{
		provider:   provider,
		collection: strings.TrimSpace(collection),
		decode:     decode,
	}
}

// Get fetches and decodes the document with the given id.
func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	data, err := r.decode(snap)
	if err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", r.collection, snap.Ref.ID, err)
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       data,
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
	}, nil
}

// DocumentRef resolves the reference used inside transactions and for subcollections.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if r == nil || r.provider == nil {
		return nil, WrapError(r.op("document"), errors.New("firestore: provider is nil"))
	}
	if r.collection == "" {
		return nil, WrapError(r.op("document"), errors.New("firestore: collection name is required"))
	}
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(r.op("document"), errors.New("firestore: document id is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection).Doc(id), nil
}

func (r *BaseRepository[T]) op(action string) string {
	if r == nil || r.collection == "" {
		return "firestore." + action
	}
	return r.collection + "." + action
}
