package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	domain "github.com/hanko-field/checkout/internal/domain"
)

const (
	envPrefix = "CHECKOUT_"

	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 3 * time.Minute
	defaultIdleTimeout          = 120 * time.Second
	defaultPersistence          = PersistenceFirestore
	defaultRedisPrefix          = "checkout"
	defaultOrderEventsTopic     = "checkout-order-events"
	defaultRateLimitPerMinute   = 120
	defaultRateLimitBurst       = 30
	defaultWebhookBurst         = 60
	defaultSecurityEnvironment  = "local"
	defaultStaffRole            = "staff"
	defaultHMACSignatureHeader  = "X-Signature"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultHMACTimestampHeader  = "X-Signature-Timestamp"
	defaultHMACNonceHeader      = "X-Signature-Nonce"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultSessionTTL           = 2 * time.Hour
	defaultPaymentWait          = 30 * time.Second
	defaultMaxPaymentWait       = 2 * time.Minute
	defaultLookupTimeout        = 10 * time.Second
	defaultMerchantCurrency     = "USD"
	defaultMerchantTaxRate      = "0.08"
	defaultFreeShippingAbove    = "100.00"
	defaultFlatRateShipping     = "9.99"
	defaultPaymentMethods       = "cod,card"
	defaultGatewayProvider      = "stripe"
	defaultMerchantCacheTTL     = 30 * time.Second
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Persistence backends selectable through CHECKOUT_PERSISTENCE.
const (
	PersistenceFirestore = "firestore"
	PersistenceMemory    = "memory"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Persistence string
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Storage     StorageConfig
	PSP         PSPConfig
	Security    SecurityConfig
	RateLimits  RateLimitConfig
	Checkout    CheckoutConfig
	Merchant    MerchantDefaults
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig locates the checkout session store. An empty Addr keeps sessions in process.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// PubSubConfig names the topic receiving order.created and order.status_changed events. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// StorageConfig names the bucket receiving immutable order snapshots. Empty disables archiving.
type StorageConfig struct {
	OrderArchiveBucket string
}

// PSPConfig collects payment gateway settings.
type PSPConfig struct {
	GatewayProvider string
	StripeAPIKey    string
	StripeAccountID string
	SuccessURL      string
	CancelURL       string
	LookupTimeout   time.Duration
}

// SecurityConfig groups authentication settings.
type SecurityConfig struct {
	Environment string
	StaffRole   string
	HMAC        HMACConfig
	OIDC        OIDCConfig
}

// OIDCConfig controls service token checks on /internal routes. An empty
// audience leaves the internal group disabled.
type OIDCConfig struct {
	JWKSURL         string
	Audience        string
	Issuers         []string
	ServiceAccounts []string
}

// HMACConfig captures webhook signing expectations. Secrets are keyed by signer name.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

type RateLimitConfig struct {
	PerMinute    int
	Burst        int
	WebhookBurst int
}

// CheckoutConfig controls session lifetime and payment waiting.
type CheckoutConfig struct {
	SessionTTL     time.Duration
	PaymentWait    time.Duration
	MaxPaymentWait time.Duration
	CORSOrigins    []string
}

// MerchantDefaults is served as the merchant snapshot when no stored configuration exists.
type MerchantDefaults struct {
	Currency              string
	TaxRate               domain.Rate
	EnableFreeShipping    bool
	FreeShippingThreshold int64
	FlatRateShipping      int64
	PaymentMethods        []string
	CacheTTL              time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved empty. Names are redacted in Error.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns stable hashes of the missing secret names, safe to log.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	slices.Sort(out)
	return out
}

// Names returns the missing secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := slices.Clone(e.names)
	slices.Sort(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields (e.g. "PSP.StripeAPIKey" or
// "Security.HMAC.Secrets[payments]") that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the effective environment after applying the precedence used by Load
// (.env < OS env < explicit map). main uses it to configure the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotenv, err := readDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string, len(dotenv))
	for key, value := range dotenv {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env, the environment and resolved secrets.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := EnvironmentValues(opts...)
	if err != nil {
		return Config{}, err
	}
	env := envReader{values: values}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Persistence: strings.ToLower(env.str("PERSISTENCE", defaultPersistence)),
		Firebase: FirebaseConfig{
			ProjectID:       env.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:      env.str("REDIS_ADDR", ""),
			Password:  env.str("REDIS_PASSWORD", ""),
			DB:        env.integer("REDIS_DB", 0),
			KeyPrefix: env.str("REDIS_KEY_PREFIX", defaultRedisPrefix),
		},
		PubSub: PubSubConfig{
			ProjectID:        env.str("PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: env.str("PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
		},
		Storage: StorageConfig{
			OrderArchiveBucket: env.str("STORAGE_ORDER_ARCHIVE_BUCKET", ""),
		},
		PSP: PSPConfig{
			GatewayProvider: strings.ToLower(env.str("PSP_GATEWAY_PROVIDER", defaultGatewayProvider)),
			StripeAPIKey:    env.str("PSP_STRIPE_API_KEY", ""),
			StripeAccountID: env.str("PSP_STRIPE_ACCOUNT_ID", ""),
			SuccessURL:      env.str("PSP_SUCCESS_URL", ""),
			CancelURL:       env.str("PSP_CANCEL_URL", ""),
			LookupTimeout:   env.duration("PSP_LOOKUP_TIMEOUT", defaultLookupTimeout),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			StaffRole:   env.str("SECURITY_STAFF_ROLE", defaultStaffRole),
			HMAC: HMACConfig{
				Secrets:         env.keyValues("SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.duration("SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
			OIDC: OIDCConfig{
				JWKSURL:         env.str("SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:        env.str("SECURITY_OIDC_AUDIENCE", ""),
				Issuers:         env.list("SECURITY_OIDC_ISSUERS"),
				ServiceAccounts: env.list("SECURITY_OIDC_SERVICE_ACCOUNTS"),
			},
		},
		RateLimits: RateLimitConfig{
			PerMinute:    env.integer("RATELIMIT_PER_MIN", defaultRateLimitPerMinute),
			Burst:        env.integer("RATELIMIT_BURST", defaultRateLimitBurst),
			WebhookBurst: env.integer("RATELIMIT_WEBHOOK_BURST", defaultWebhookBurst),
		},
		Checkout: CheckoutConfig{
			SessionTTL:     env.duration("SESSION_TTL", defaultSessionTTL),
			PaymentWait:    env.duration("PAYMENT_WAIT", defaultPaymentWait),
			MaxPaymentWait: env.duration("MAX_PAYMENT_WAIT", defaultMaxPaymentWait),
			CORSOrigins:    env.list("CORS_ORIGINS"),
		},
		Merchant: MerchantDefaults{
			Currency:           strings.ToUpper(env.str("MERCHANT_CURRENCY", defaultMerchantCurrency)),
			EnableFreeShipping: env.boolean("MERCHANT_FREE_SHIPPING", true),
			PaymentMethods:     env.list("MERCHANT_PAYMENT_METHODS"),
			CacheTTL:           env.duration("MERCHANT_CACHE_TTL", defaultMerchantCacheTTL),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	var invalid []string
	if rate, err := domain.ParseRate(env.str("MERCHANT_TAX_RATE", defaultMerchantTaxRate)); err == nil {
		cfg.Merchant.TaxRate = rate
	} else {
		invalid = append(invalid, "Merchant.TaxRate")
	}
	if amount, err := domain.ParseAmount(env.str("MERCHANT_FREE_SHIPPING_THRESHOLD", defaultFreeShippingAbove)); err == nil && amount >= 0 {
		cfg.Merchant.FreeShippingThreshold = amount
	} else {
		invalid = append(invalid, "Merchant.FreeShippingThreshold")
	}
	if amount, err := domain.ParseAmount(env.str("MERCHANT_FLAT_RATE_SHIPPING", defaultFlatRateShipping)); err == nil && amount >= 0 {
		cfg.Merchant.FlatRateShipping = amount
	} else {
		invalid = append(invalid, "Merchant.FlatRateShipping")
	}
	if len(cfg.Merchant.PaymentMethods) == 0 {
		cfg.Merchant.PaymentMethods = splitList(defaultPaymentMethods)
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	resolver := options.secret
	if resolver == nil {
		resolver = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	resolved := make(map[string]string)
	for name, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, resolver)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[name] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", name)] = secret
	}
	stripeKey, err := resolveSecret(ctx, cfg.PSP.StripeAPIKey, resolver)
	if err != nil {
		return Config{}, err
	}
	cfg.PSP.StripeAPIKey = stripeKey
	resolved["PSP.StripeAPIKey"] = stripeKey

	invalid = append(invalid, validate(cfg)...)
	if len(invalid) > 0 {
		return Config{}, &ValidationError{fields: invalid}
	}

	var missing []string
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" && strings.TrimSpace(resolved[name]) == "" && !slices.Contains(missing, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}
	return cfg, nil
}

func validate(cfg Config) []string {
	var invalid []string
	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	switch cfg.Persistence {
	case PersistenceFirestore:
		if cfg.Firestore.ProjectID == "" {
			invalid = append(invalid, "Firestore.ProjectID")
		}
	case PersistenceMemory:
	default:
		invalid = append(invalid, "Persistence")
	}
	if len(cfg.Merchant.Currency) != 3 {
		invalid = append(invalid, "Merchant.Currency")
	}
	if cfg.Checkout.SessionTTL <= 0 {
		invalid = append(invalid, "Checkout.SessionTTL")
	}
	if cfg.Checkout.PaymentWait <= 0 || cfg.Checkout.MaxPaymentWait < cfg.Checkout.PaymentWait {
		invalid = append(invalid, "Checkout.PaymentWait")
	}
	if cfg.RateLimits.PerMinute <= 0 {
		invalid = append(invalid, "RateLimits.PerMinute")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	return invalid
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !isSecretReference(trimmed) {
		return value, nil
	}
	ref := trimmed
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func isSecretReference(value string) bool {
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

// envReader reads CHECKOUT_-prefixed keys. Unparseable values fall back to the default.
type envReader struct {
	values map[string]string
}

func (r envReader) lookup(key string) (string, bool) {
	value, ok := r.values[envPrefix+key]
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (r envReader) str(key, fallback string) string {
	if value, ok := r.lookup(key); ok {
		return value
	}
	return fallback
}

func (r envReader) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := r.lookup(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (r envReader) integer(key string, fallback int) int {
	if value, ok := r.lookup(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func (r envReader) boolean(key string, fallback bool) bool {
	if value, ok := r.lookup(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func (r envReader) list(key string) []string {
	value, _ := r.lookup(key)
	return splitList(value)
}

// keyValues parses "name=value,other=value" pairs. Names are lower-cased.
func (r envReader) keyValues(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range r.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
