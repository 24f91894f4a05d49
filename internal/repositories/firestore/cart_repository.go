package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	cartCollection      = "carts"
	cartItemsCollection = "items"
)

type cartDocument struct {
	Currency   string    `firestore:"currency"`
	ItemsCount int       `firestore:"itemsCount"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

// CartRepository reads carts/{userId} and its items subcollection. Cart contents are owned by the
// storefront; checkout only reads them.
type CartRepository struct {
	base            *pfirestore.BaseRepository[cartDocument]
	defaultCurrency string
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart reader. defaultCurrency is reported for
// users without a cart header.
func NewCartRepository(provider *pfirestore.Provider, defaultCurrency string) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base:            pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil),
		defaultCurrency: strings.ToUpper(strings.TrimSpace(defaultCurrency)),
	}, nil
}

// Items returns the user's cart with items in their stored position order. A missing cart is
// returned as an empty one.
func (r *CartRepository) Items(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	cart := domain.Cart{UserID: userID, Currency: r.defaultCurrency}

	header, err := r.base.Get(ctx, userID)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return cart, nil
		}
		return domain.Cart{}, err
	}
	if currency := strings.TrimSpace(header.Data.Currency); currency != "" {
		cart.Currency = strings.ToUpper(currency)
	}

	ref, err := r.base.DocumentRef(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	snaps, err := ref.Collection(cartItemsCollection).OrderBy("position", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.items", err)
	}
	docs := make([]cartItemDocument, 0, len(snaps))
	for _, snap := range snaps {
		var doc cartItemDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Cart{}, fmt.Errorf("firestore cart items decode %s: %w", snap.Ref.ID, err)
		}
		docs = append(docs, doc)
	}
	cart.Items = decodeItems(docs)
	return cart, nil
}
