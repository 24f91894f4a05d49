package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
	firestoreRepo "github.com/hanko-field/checkout/internal/repositories/firestore"
	"github.com/hanko-field/checkout/internal/repositories/memory"
	"github.com/hanko-field/checkout/internal/repositories/redisstore"
)

const (
	firestoreCheckTimeout = 2 * time.Second
	redisCheckTimeout     = time.Second
)

// registry is the Registry shared by both persistence modes. Only the backing implementations
// differ; closers run in reverse order of acquisition.
type registry struct {
	carts    repositories.CartRepository
	coupons  repositories.CouponRepository
	orders   repositories.OrderRepository
	events   repositories.OrderEventRepository
	merchant repositories.MerchantConfigRepository
	sessions repositories.CheckoutSessionRepository
	health   repositories.HealthRepository
	closers  []func(context.Context) error
}

var _ repositories.Registry = (*registry)(nil)

func (r *registry) Carts() repositories.CartRepository                       { return r.carts }
func (r *registry) Coupons() repositories.CouponRepository                   { return r.coupons }
func (r *registry) Orders() repositories.OrderRepository                     { return r.orders }
func (r *registry) OrderEvents() repositories.OrderEventRepository           { return r.events }
func (r *registry) Merchant() repositories.MerchantConfigRepository          { return r.merchant }
func (r *registry) CheckoutSessions() repositories.CheckoutSessionRepository { return r.sessions }
func (r *registry) Health() repositories.HealthRepository                    { return r.health }

func (r *registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Backends exposes the shared clients opened by NewRegistry so nonce and idempotency stores can
// reuse them. Either field is nil when the backend is not configured. The registry owns them.
type Backends struct {
	Redis     redis.UniversalClient
	Firestore *pfirestore.Provider
}

// NewRegistry opens the repositories for cfg.Persistence. Sessions live in Redis when an address
// is configured, otherwise in process memory.
func NewRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, Backends, error) {
	reg := &registry{}
	var (
		checks   []repositories.DependencyCheck
		backends Backends
	)

	client, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, Backends{}, err
	}
	backends.Redis = client
	if client != nil {
		reg.closers = append(reg.closers, func(context.Context) error { return client.Close() })
		sessions, err := redisstore.NewSessionStore(client, cfg.Redis.KeyPrefix)
		if err != nil {
			_ = reg.Close(ctx)
			return nil, Backends{}, fmt.Errorf("build redis session store: %w", err)
		}
		reg.sessions = sessions
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: redisCheckTimeout,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	} else {
		reg.sessions = memory.NewSessionStore(time.Now)
	}

	fallback := MerchantSnapshot(cfg.Merchant)
	switch cfg.Persistence {
	case config.PersistenceFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg.closers = append(reg.closers, provider.Close)
		backends.Firestore = provider
		if err := reg.useFirestore(provider, cfg, fallback); err != nil {
			_ = reg.Close(ctx)
			return nil, Backends{}, err
		}
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: firestoreCheckTimeout,
			Check:   provider.Ping,
		})
	case config.PersistenceMemory:
		store := memory.NewStore(fallback)
		reg.carts = store
		reg.coupons = store
		reg.orders = store
		reg.events = store
		reg.merchant = store
		checks = append(checks, repositories.DependencyCheck{
			Name:  "memory",
			Check: func(context.Context) error { return nil },
		})
	default:
		_ = reg.Close(ctx)
		return nil, Backends{}, fmt.Errorf("unsupported persistence mode %q", cfg.Persistence)
	}

	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		_ = reg.Close(ctx)
		return nil, Backends{}, fmt.Errorf("build health repository: %w", err)
	}
	reg.health = health
	return reg, backends, nil
}

func (r *registry) useFirestore(provider *pfirestore.Provider, cfg config.Config, fallback domain.MerchantConfig) error {
	carts, err := firestoreRepo.NewCartRepository(provider, cfg.Merchant.Currency)
	if err != nil {
		return fmt.Errorf("build cart repository: %w", err)
	}
	coupons, err := firestoreRepo.NewCouponRepository(provider)
	if err != nil {
		return fmt.Errorf("build coupon repository: %w", err)
	}
	merchant, err := firestoreRepo.NewMerchantConfigRepository(provider, fallback, cfg.Merchant.CacheTTL)
	if err != nil {
		return fmt.Errorf("build merchant config repository: %w", err)
	}
	orders, err := firestoreRepo.NewOrderRepository(provider)
	if err != nil {
		return fmt.Errorf("build order repository: %w", err)
	}
	r.carts = carts
	r.coupons = coupons
	r.merchant = merchant
	r.orders = orders
	r.events = orders
	return nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// knownPaymentMethods describes the method ids that may be enabled through configuration.
var knownPaymentMethods = map[string]domain.PaymentMethodDescriptor{
	domain.PaymentMethodCOD: {
		ID:          domain.PaymentMethodCOD,
		DisplayName: "Cash on delivery",
		Description: "Pay the courier when the parcel arrives.",
		Flow:        domain.PaymentFlowDirect,
	},
	"card": {
		ID:          "card",
		DisplayName: "Credit or debit card",
		Description: "Pay securely on the card processor's hosted page.",
		Flow:        domain.PaymentFlowGateway,
		Provider:    "stripe",
	},
}

// MerchantSnapshot converts the configured merchant defaults into the snapshot served when no
// stored configuration exists. Unknown method ids become gateway methods on the default provider.
func MerchantSnapshot(defaults config.MerchantDefaults) domain.MerchantConfig {
	methods := make([]domain.PaymentMethodDescriptor, 0, len(defaults.PaymentMethods))
	for _, id := range defaults.PaymentMethods {
		method, ok := knownPaymentMethods[id]
		if !ok {
			method = domain.PaymentMethodDescriptor{ID: id, DisplayName: id, Flow: domain.PaymentFlowGateway}
		}
		method.Enabled = true
		methods = append(methods, method)
	}
	return domain.MerchantConfig{
		Currency:              defaults.Currency,
		TaxRate:               defaults.TaxRate,
		EnableFreeShipping:    defaults.EnableFreeShipping,
		FreeShippingThreshold: defaults.FreeShippingThreshold,
		FlatRateShipping:      defaults.FlatRateShipping,
		PaymentMethods:        methods,
		Version:               "config",
	}
}
