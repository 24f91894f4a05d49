package di

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/repositories/redisstore"
)

func memoryConfig() config.Config {
	return config.Config{
		Persistence: config.PersistenceMemory,
		Checkout: config.CheckoutConfig{
			SessionTTL:     30 * time.Minute,
			PaymentWait:    time.Minute,
			MaxPaymentWait: 2 * time.Minute,
		},
		Merchant: config.MerchantDefaults{
			Currency:              "USD",
			TaxRate:               domain.Rate(80000),
			EnableFreeShipping:    true,
			FreeShippingThreshold: 10000,
			FlatRateShipping:      1000,
			PaymentMethods:        []string{"cod", "card", "konbini"},
		},
	}
}

func TestMerchantSnapshot(t *testing.T) {
	snapshot := MerchantSnapshot(memoryConfig().Merchant)

	if snapshot.Currency != "USD" || snapshot.TaxRate != domain.Rate(80000) {
		t.Fatalf("unexpected pricing fields: %+v", snapshot)
	}
	if len(snapshot.PaymentMethods) != 3 {
		t.Fatalf("expected 3 methods, got %d", len(snapshot.PaymentMethods))
	}
	cod, ok := snapshot.PaymentMethod("cod")
	if !ok || cod.Flow != domain.PaymentFlowDirect {
		t.Fatalf("expected cod as direct method, got %+v", cod)
	}
	card, _ := snapshot.PaymentMethod("card")
	if card.Flow != domain.PaymentFlowGateway || card.Provider != "stripe" {
		t.Fatalf("expected card on stripe gateway, got %+v", card)
	}
	other, _ := snapshot.PaymentMethod("konbini")
	if other.Flow != domain.PaymentFlowGateway || !other.Enabled {
		t.Fatalf("expected unknown id to become an enabled gateway method, got %+v", other)
	}
}

func TestNewContainerMemory(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()

	reg, backends, err := NewRegistry(ctx, cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if backends.Redis != nil || backends.Firestore != nil {
		t.Fatalf("expected no shared backends in memory mode, got %+v", backends)
	}

	container, err := NewContainer(ctx, cfg, reg, WithoutCloudClients())
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	if container.Payments != nil {
		t.Fatalf("expected no payment manager without a gateway key")
	}
	if container.Archive != nil {
		t.Fatalf("expected archive to be disabled")
	}

	session, err := container.Services.Checkout.Start(ctx, "user-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if session.Step != domain.CheckoutStepShipping {
		t.Fatalf("expected shipping step, got %s", session.Step)
	}
	if session.Config.Version != "config" {
		t.Fatalf("expected config snapshot, got version %q", session.Config.Version)
	}

	report, err := reg.Health().Collect(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok health, got %+v", report)
	}
}

func TestNewRegistryUsesRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Redis = config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "chk"}

	reg, backends, err := NewRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	if backends.Redis == nil {
		t.Fatalf("expected redis client")
	}
	if _, ok := reg.CheckoutSessions().(*redisstore.SessionStore); !ok {
		t.Fatalf("expected redis session store, got %T", reg.CheckoutSessions())
	}
}

func TestNewRegistryRejectsUnknownPersistence(t *testing.T) {
	cfg := memoryConfig()
	cfg.Persistence = "postgres"
	if _, _, err := NewRegistry(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown persistence mode")
	}
}
