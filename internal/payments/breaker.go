package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultBreakerMaxRequests  = 1
	defaultBreakerInterval     = time.Minute
	defaultBreakerTimeout      = 30 * time.Second
	defaultBreakerFailureRatio = 0.5
	defaultBreakerMinRequests  = 5
)

// BreakerSettings tunes the circuit breaker guarding a provider.
type BreakerSettings struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
	// OnStateChange observes transitions, for example to log them.
	OnStateChange func(name string, from, to string)
}

// BreakerProvider wraps a Provider with circuit breakers so a failing PSP surfaces as
// ErrProviderUnavailable instead of piling up slow calls.
type BreakerProvider struct {
	next     Provider
	sessions *gobreaker.CircuitBreaker[CheckoutSession]
	lookups  *gobreaker.CircuitBreaker[PaymentDetails]
	expiries *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerProvider wraps next. Zero-valued settings fall back to defaults.
func NewBreakerProvider(next Provider, settings BreakerSettings) (*BreakerProvider, error) {
	if next == nil {
		return nil, errors.New("payments: breaker requires a provider")
	}
	name := strings.TrimSpace(settings.Name)
	if name == "" {
		name = "payments"
	}
	return &BreakerProvider{
		next:     next,
		sessions: gobreaker.NewCircuitBreaker[CheckoutSession](breakerSettings(name+".sessions", settings)),
		lookups:  gobreaker.NewCircuitBreaker[PaymentDetails](breakerSettings(name+".lookups", settings)),
		expiries: gobreaker.NewCircuitBreaker[struct{}](breakerSettings(name+".expiries", settings)),
	}, nil
}

func breakerSettings(name string, cfg BreakerSettings) gobreaker.Settings {
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = defaultBreakerMaxRequests
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultBreakerInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = defaultBreakerMinRequests
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultBreakerFailureRatio
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		// Cancellations by the caller and paid sessions say nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrSessionCompleted)
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	return settings
}

// CreateCheckoutSession forwards to the wrapped provider unless the circuit is open.
func (b *BreakerProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	session, err := b.sessions.Execute(func() (CheckoutSession, error) {
		return b.next.CreateCheckoutSession(ctx, req)
	})
	return session, breakerError(err)
}

// LookupPayment forwards to the wrapped provider unless the circuit is open.
func (b *BreakerProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	details, err := b.lookups.Execute(func() (PaymentDetails, error) {
		return b.next.LookupPayment(ctx, req)
	})
	return details, breakerError(err)
}

// ExpireCheckoutSession forwards to the wrapped provider unless the circuit is open.
func (b *BreakerProvider) ExpireCheckoutSession(ctx context.Context, req ExpireRequest) error {
	_, err := b.expiries.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.ExpireCheckoutSession(ctx, req)
	})
	return breakerError(err)
}

func breakerError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return err
}
