// Package secrets resolves secret:// configuration references against Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	defaultCacheTTL     = 10 * time.Minute
	meterName           = "github.com/hanko-field/checkout/internal/platform/secrets"
)

type secretClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references of the form secret://name[?version=N&project=P]. Values are cached
// for the cache TTL. When Secret Manager is unreachable or denies access the local fallback file
// (dotenv format keyed by secret name) is consulted, which keeps local development offline.
type Fetcher struct {
	client     secretClient
	ownsClient bool
	logger     *zap.Logger
	project    string
	ttl        time.Duration
	now        func() time.Time
	retry      []gax.CallOption

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cacheEntry

	fetches metric.Int64Counter
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

type fetcherConfig struct {
	logger       *zap.Logger
	project      string
	fallbackPath string
	ttl          time.Duration
	client       secretClient
	clientOpts   []option.ClientOption
}

type Option func(*fetcherConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithDefaultProject names the project used when a reference carries no project parameter.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.project = strings.TrimSpace(projectID) }
}

func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.fallbackPath = strings.TrimSpace(path) }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithSecretManagerClient injects a client, used by tests.
func WithSecretManagerClient(client secretClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// NewFetcher creates the Secret Manager client. A client that cannot be created leaves the
// fetcher in fallback-only mode.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{logger: zap.NewNop(), fallbackPath: defaultFallbackPath, ttl: defaultCacheTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	f := &Fetcher{
		client:       cfg.client,
		logger:       cfg.logger,
		project:      cfg.project,
		ttl:          cfg.ttl,
		now:          time.Now,
		fallbackPath: cfg.fallbackPath,
		cache:        make(map[string]cacheEntry),
		retry: []gax.CallOption{
			gax.WithRetry(func() gax.Retryer {
				return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
					Initial:    100 * time.Millisecond,
					Max:        2 * time.Second,
					Multiplier: 2,
				})
			}),
		},
	}
	if counter, err := otel.Meter(meterName).Int64Counter("secrets.fetch", metric.WithDescription("Secret resolutions by source")); err == nil {
		f.fetches = counter
	}

	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable; using fallback file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	key := parsed.resource(f.project)

	f.mu.Lock()
	entry, ok := f.cache[key]
	f.mu.Unlock()
	if ok && f.now().Before(entry.expiresAt) {
		f.record(ctx, "cache")
		return entry.value, nil
	}

	project := parsed.project
	if project == "" {
		project = f.project
	}
	if project != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, key)
		if err == nil {
			f.store(key, value)
			f.record(ctx, "remote")
			return value, nil
		}
		if !fallbackAllowed(err) {
			f.record(ctx, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", parsed.name, err)
		}
		f.logger.Debug("secrets: using fallback", zap.String("secret", parsed.name), zap.Error(err))
	}

	value, ok := f.lookupFallback(parsed.name)
	if !ok {
		f.record(ctx, "error")
		return "", fmt.Errorf("secrets: %s not found in secret manager or %s", parsed.name, f.fallbackPath)
	}
	f.store(key, value)
	f.record(ctx, "fallback")
	return value, nil
}

// Invalidate drops every cached version of the referenced secret, e.g. after a rotation.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseReference(ref)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.cache, parsed.resource(f.project))
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, resource string) (string, error) {
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource}, f.retry...)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cacheEntry{value: value, expiresAt: f.now().Add(f.ttl)}
	f.mu.Unlock()
}

func (f *Fetcher) lookupFallback(name string) (string, bool) {
	f.fallbackOnce.Do(func() {
		if f.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(f.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				f.logger.Warn("secrets: unable to read fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
			}
			return
		}
		f.fallback = values
	})
	value, ok := f.fallback[name]
	return value, ok && value != ""
}

func (f *Fetcher) record(ctx context.Context, source string) {
	if f.fetches != nil {
		f.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) resource(defaultProject string) string {
	project := r.project
	if project == "" {
		project = defaultProject
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.name, r.version)
}

func parseReference(ref string) (reference, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "sm://") {
		ref = "secret://" + strings.TrimPrefix(ref, "sm://")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{name: name, version: version, project: strings.TrimSpace(u.Query().Get("project"))}, nil
}

func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	default:
		return false
	}
}
