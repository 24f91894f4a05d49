package firestore

import (
	"context"
	"errors"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const couponsCollection = "coupons"

// CouponRepository reads coupons stored under coupons/{CODE}. Redemptions live in the
// redemptions subcollection and are written by OrderRepository.Create.
type CouponRepository struct {
	base *pfirestore.BaseRepository[couponDocument]
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		base: pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil),
	}, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = domain.NormalizeCouponCode(code)
	doc, err := r.base.Get(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	return decodeCoupon(doc.ID, doc.Data), nil
}
