package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PaymentContext carries the hints used to pick a gateway: an explicit
// provider (from a webhook path or a stored session) and the cart currency.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Manager routes checkout sessions and payment lookups to a registered
// Provider. Resolution order: preferred provider, currency route, default
// provider, and finally the only provider when exactly one is registered.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

type ManagerOption func(*Manager)

// WithDefaultProvider replaces the default, which is "stripe" when registered.
// An empty key disables the default.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) { m.defaultProvider = providerKey(provider) }
}

// WithCurrencyRoutes maps ISO currency codes to provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			if m.currencyRoutes == nil {
				m.currencyRoutes = make(map[string]string, len(routes))
			}
			m.currencyRoutes[currencyKey(currency)] = providerKey(provider)
		}
	}
}

func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{providers: make(map[string]Provider, len(providers))}
	for name, provider := range providers {
		key := providerKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		m.providers[key] = provider
	}
	if _, ok := m.providers["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Has reports whether a provider is registered under key.
func (m *Manager) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.providers[providerKey(key)]
	return ok
}

func (m *Manager) resolve(hints PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	candidates := []string{
		providerKey(hints.PreferredProvider),
		m.currencyRoutes[currencyKey(hints.Currency)],
		m.defaultProvider,
	}
	for _, key := range candidates {
		if provider, ok := m.providers[key]; ok && key != "" {
			return key, provider, nil
		}
	}
	if len(m.providers) == 1 {
		for key, provider := range m.providers {
			return key, provider, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCheckoutSession opens a hosted payment page and stamps the provider key
// on the result so later confirmations can be routed back to it.
func (m *Manager) CreateCheckoutSession(ctx context.Context, hints PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.resolve(hints)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

func (m *Manager) LookupPayment(ctx context.Context, hints PaymentContext, req LookupRequest) (PaymentDetails, error) {
	key, provider, err := m.resolve(hints)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := provider.LookupPayment(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	if details.Provider == "" {
		details.Provider = key
	}
	return details, nil
}

// ExpireCheckoutSession closes the hosted page on the provider that opened it.
func (m *Manager) ExpireCheckoutSession(ctx context.Context, hints PaymentContext, req ExpireRequest) error {
	_, provider, err := m.resolve(hints)
	if err != nil {
		return err
	}
	return provider.ExpireCheckoutSession(ctx, req)
}

func providerKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func currencyKey(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }
