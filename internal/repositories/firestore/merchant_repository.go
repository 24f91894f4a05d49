package firestore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	merchantCollection = "settings"
	merchantDocumentID = "checkout"
	defaultMerchantTTL = 30 * time.Second
)

// MerchantConfigRepository serves settings/checkout. Snapshots are cached for a short interval;
// when the document is absent the configured fallback is returned.
type MerchantConfigRepository struct {
	base     *pfirestore.BaseRepository[merchantConfigDocument]
	fallback domain.MerchantConfig
	ttl      time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	cached   domain.MerchantConfig
	cachedAt time.Time
}

var _ repositories.MerchantConfigRepository = (*MerchantConfigRepository)(nil)

// NewMerchantConfigRepository constructs the repository. A non-positive ttl disables caching.
func NewMerchantConfigRepository(provider *pfirestore.Provider, fallback domain.MerchantConfig, ttl time.Duration) (*MerchantConfigRepository, error) {
	if provider == nil {
		return nil, errors.New("merchant config repository requires firestore provider")
	}
	if ttl == 0 {
		ttl = defaultMerchantTTL
	}
	return &MerchantConfigRepository{
		base:     pfirestore.NewBaseRepository[merchantConfigDocument](provider, merchantCollection, nil),
		fallback: fallback.Clone(),
		ttl:      ttl,
		clock:    time.Now,
	}, nil
}

func (r *MerchantConfigRepository) Snapshot(ctx context.Context) (domain.MerchantConfig, error) {
	now := r.clock()
	r.mu.Lock()
	if r.ttl > 0 && !r.cachedAt.IsZero() && now.Sub(r.cachedAt) < r.ttl {
		cfg := r.cached.Clone()
		r.mu.Unlock()
		return cfg, nil
	}
	r.mu.Unlock()

	doc, err := r.base.Get(ctx, merchantDocumentID)
	var cfg domain.MerchantConfig
	switch {
	case err == nil:
		cfg = decodeMerchantConfig(strconv.FormatInt(doc.UpdateTime.UnixNano(), 10), doc.Data)
	case pfirestore.IsNotFound(err):
		cfg = r.fallback.Clone()
	default:
		return domain.MerchantConfig{}, err
	}

	r.mu.Lock()
	r.cached = cfg.Clone()
	r.cachedAt = now
	r.mu.Unlock()
	return cfg, nil
}
