package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/jobs"
	"github.com/hanko-field/checkout/internal/platform/observability"
	platformstorage "github.com/hanko-field/checkout/internal/platform/storage"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Coupons  services.CouponValidator
	Pricing  services.PricingService
	Orders   services.OrderLifecycleManager
	Adapter  services.PaymentGatewayAdapter
	Checkout services.CheckoutService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	// Payments is nil when no gateway provider is configured.
	Payments *payments.Manager
	// Archive is nil when no archive bucket is configured.
	Archive *platformstorage.OrderArchive

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*containerOptions)

type containerOptions struct {
	logger     *zap.Logger
	clock      func() time.Time
	providers  map[string]payments.Provider
	publishers []services.OrderEventPublisher
	cloud      bool
}

// WithLogger sets the base logger services log through.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock handed to every service.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithPaymentProviders replaces the configured gateway providers.
func WithPaymentProviders(providers map[string]payments.Provider) Option {
	return func(o *containerOptions) { o.providers = providers }
}

// WithOrderEventPublishers adds publishers that receive every order event.
func WithOrderEventPublishers(publishers ...services.OrderEventPublisher) Option {
	return func(o *containerOptions) { o.publishers = append(o.publishers, publishers...) }
}

// WithoutCloudClients skips Pub/Sub and Cloud Storage even when they are configured.
func WithoutCloudClients() Option {
	return func(o *containerOptions) { o.cloud = false }
}

// NewContainer constructs the runtime dependencies on top of reg. Cloud clients are opened only
// for the features that are configured.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	options := containerOptions{logger: zap.NewNop(), clock: time.Now, cloud: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	c := &Container{Config: cfg, Repositories: reg}

	manager, err := buildPaymentManager(cfg.PSP, options)
	if err != nil {
		return nil, err
	}
	c.Payments = manager

	publishers := append([]services.OrderEventPublisher(nil), options.publishers...)
	if options.cloud {
		cloudPublishers, err := c.openPublishers(ctx, cfg)
		if err != nil {
			_ = c.closeClients(ctx)
			return nil, err
		}
		publishers = append(publishers, cloudPublishers...)
	}

	svc, err := buildServices(reg, cfg, options, manager, publishers)
	if err != nil {
		_ = c.closeClients(ctx)
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// Close releases cloud clients and repository connections.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	err := c.closeClients(ctx)
	if c.Repositories != nil {
		err = errors.Join(err, c.Repositories.Close(ctx))
	}
	return err
}

func (c *Container) closeClients(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// openPublishers connects the Pub/Sub topic and the order archive. The archive only sees order
// creation and terminal statuses.
func (c *Container) openPublishers(ctx context.Context, cfg config.Config) ([]services.OrderEventPublisher, error) {
	var out []services.OrderEventPublisher

	if project, topicName := strings.TrimSpace(cfg.PubSub.ProjectID), strings.TrimSpace(cfg.PubSub.OrderEventsTopic); project != "" && topicName != "" {
		client, err := pubsub.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("initialise pubsub client: %w", err)
		}
		topic := client.Topic(topicName)
		topic.EnableMessageOrdering = true
		c.closers = append(c.closers, func(context.Context) error {
			topic.Stop()
			return client.Close()
		})
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			return nil, err
		}
		out = append(out, publisher)
	}

	if bucket := strings.TrimSpace(cfg.Storage.OrderArchiveBucket); bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialise storage client: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		archive, err := platformstorage.NewOrderArchive(client, bucket)
		if err != nil {
			return nil, err
		}
		c.Archive = archive
		out = append(out, jobs.StatusFilter(archive,
			domain.OrderStatusPending,
			domain.OrderStatusDelivered,
			domain.OrderStatusCancelled,
		))
	}
	return out, nil
}

func buildPaymentManager(cfg config.PSPConfig, options containerOptions) (*payments.Manager, error) {
	providers := options.providers
	if providers == nil && strings.TrimSpace(cfg.StripeAPIKey) != "" {
		paymentsLogger := options.logger.Named("payments")
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:    cfg.StripeAPIKey,
			AccountID: cfg.StripeAccountID,
			Backends:  stripeBackends(cfg.LookupTimeout),
			Logger:    payments.StripeLogger(observability.ServiceLogger(paymentsLogger)),
			Clock:     options.clock,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		guarded, err := payments.NewBreakerProvider(stripeProvider, payments.BreakerSettings{
			Name: "stripe",
			OnStateChange: func(name, from, to string) {
				paymentsLogger.Warn("payment provider breaker state changed",
					zap.String("provider", name), zap.String("from", from), zap.String("to", to))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe breaker: %w", err)
		}
		providers = map[string]payments.Provider{"stripe": guarded}
	}
	if len(providers) == 0 {
		return nil, nil
	}
	var opts []payments.ManagerOption
	if provider := strings.TrimSpace(cfg.GatewayProvider); provider != "" {
		if _, ok := providers[provider]; ok {
			opts = append(opts, payments.WithDefaultProvider(provider))
		}
	}
	manager, err := payments.NewManager(providers, opts...)
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}
	return manager, nil
}

func buildServices(reg repositories.Registry, cfg config.Config, options containerOptions, manager *payments.Manager, publishers []services.OrderEventPublisher) (Services, error) {
	var svc Services
	logFor := func(name string) observability.EventLogger {
		return observability.ServiceLogger(options.logger.Named(name))
	}

	coupons, err := services.NewCouponValidator(services.CouponValidatorDeps{
		Coupons: reg.Coupons(),
		Logger:  logFor("coupons"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon validator: %w", err)
	}
	svc.Coupons = coupons

	pricing, err := services.NewPricingService(services.PricingServiceDeps{
		Carts:   reg.Carts(),
		Coupons: coupons,
		Clock:   options.clock,
		Logger:  logFor("pricing"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing service: %w", err)
	}
	svc.Pricing = pricing

	var publisher services.OrderEventPublisher
	switch len(publishers) {
	case 0:
	case 1:
		publisher = publishers[0]
	default:
		publisher = jobs.Fanout(publishers)
	}
	orders, err := services.NewOrderLifecycleManager(services.OrderLifecycleDeps{
		Orders:    reg.Orders(),
		Events:    reg.OrderEvents(),
		Publisher: publisher,
		Clock:     options.clock,
		Logger:    logFor("orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order lifecycle manager: %w", err)
	}
	svc.Orders = orders

	adapterDeps := services.PaymentAdapterDeps{
		Orders:        orders,
		Pricing:       pricing,
		LookupTimeout: cfg.PSP.LookupTimeout,
		Logger:        logFor("payments"),
	}
	if manager != nil {
		adapterDeps.Lookup = manager
	}
	adapter, err := services.NewPaymentGatewayAdapter(adapterDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build payment adapter: %w", err)
	}
	svc.Adapter = adapter

	checkoutDeps := services.CheckoutServiceDeps{
		Sessions:    reg.CheckoutSessions(),
		Merchant:    reg.Merchant(),
		Pricing:     pricing,
		Adapter:     adapter,
		Orders:      orders,
		Clock:       options.clock,
		SessionTTL:  cfg.Checkout.SessionTTL,
		PaymentWait: cfg.Checkout.PaymentWait,
		Logger:      logFor("checkout"),
	}
	if manager != nil {
		checkoutDeps.Payments = manager
	}
	checkout, err := services.NewCheckoutService(checkoutDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	return svc, nil
}

// stripeBackends routes Stripe API calls through the traced HTTP client.
func stripeBackends(timeout time.Duration) *stripe.Backends {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := observability.NewHTTPClient("stripe", timeout)
	return &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
	}
}
