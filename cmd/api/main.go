package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/checkout/internal/di"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/secrets"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	registry, backends, err := di.NewRegistry(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err), zap.String("persistence", cfg.Persistence))
	}

	container, err := di.NewContainer(ctx, cfg, registry, di.WithLogger(logger))
	if err != nil {
		_ = registry.Close(ctx)
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()
	if container.Payments == nil {
		logger.Warn("no payment gateway configured; gateway methods wait for signed confirmations only")
	}

	idempotencyStore, err := newIdempotencyStore(backends)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			idempotency.RunCleanup(cleanupCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
		}()
	}

	var authenticator *auth.Authenticator
	if cfg.Firebase.ProjectID != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 0)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		authenticator = auth.NewAuthenticator(firebaseVerifier)
	} else {
		logger.Warn("auth: firebase project not configured; checkout and admin routes will reject requests")
	}

	hmacMiddleware, err := buildHMACMiddleware(logger.Named("auth"), cfg, backends)
	if err != nil {
		logger.Fatal("failed to initialise webhook signature validation", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthRepository(registry.Health()),
	)

	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, container.Services.Checkout,
		handlers.WithMaxAwait(cfg.Checkout.MaxPaymentWait),
		handlers.WithReturnURLs(cfg.PSP.SuccessURL, cfg.PSP.CancelURL),
		handlers.WithCheckoutMiddlewares(handlers.RateLimitMiddleware(cfg.RateLimits.PerMinute, cfg.RateLimits.Burst)),
		handlers.WithMutationMiddlewares(idempotency.Middleware(
			idempotencyStore,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithLogger(logger.Named("idempotency")),
			idempotency.WithOptionalKey(),
		)),
	)
	adminOpts := []handlers.AdminOrderOption{
		handlers.WithStaffRoles(cfg.Security.StaffRole, auth.RoleAdmin),
		handlers.WithTransitionMiddlewares(idempotencyMiddleware),
	}
	if container.Archive != nil {
		adminOpts = append(adminOpts, handlers.WithArchiveLinker(container.Archive))
	}
	adminHandlers := handlers.NewAdminOrderHandlers(authenticator, container.Services.Orders, adminOpts...)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(container.Services.Checkout)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Orders,
		handlers.WithIdempotencySweeper(idempotencyStore, cfg.Idempotency.CleanupBatchSize),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}
	if cors := handlers.CORSMiddleware(cfg.Checkout.CORSOrigins); cors != nil {
		middlewares = append(middlewares, cors)
	}

	webhookMiddlewares := []func(http.Handler) http.Handler{
		handlers.RateLimitMiddleware(cfg.RateLimits.PerMinute, cfg.RateLimits.WebhookBurst),
	}
	if hmacMiddleware != nil {
		webhookMiddlewares = append(webhookMiddlewares, hmacMiddleware)
	} else {
		logger.Warn("auth: no webhook secrets configured; payment confirmations will be rejected")
		webhookMiddlewares = append(webhookMiddlewares, rejectUnsigned)
	}

	internalMiddlewares := []func(http.Handler) http.Handler{rejectInternal}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		internalMiddlewares = []func(http.Handler) http.Handler{oidcMiddleware, idempotencyMiddleware}
	} else {
		logger.Warn("auth: oidc audience not configured; internal routes are disabled")
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(webhookMiddlewares...),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(internalMiddlewares...),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("persistence", cfg.Persistence))
	go func() {
		serverLogger.Info("checkout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["CHECKOUT_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["CHECKOUT_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = strings.TrimSpace(env["K_REVISION"])
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

// newIdempotencyStore prefers Redis, then Firestore, and falls back to process memory.
func newIdempotencyStore(backends di.Backends) (idempotency.Store, error) {
	switch {
	case backends.Redis != nil:
		return idempotency.NewRedisStore(backends.Redis, "idem")
	case backends.Firestore != nil:
		return idempotency.NewFirestoreStore(backends.Firestore)
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config, backends di.Backends) (func(http.Handler) http.Handler, error) {
	secrets := make(auth.StaticSecrets)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if len(secrets) == 0 {
		return nil, nil
	}

	var nonces auth.NonceStore = auth.NewInMemoryNonceStore()
	if backends.Redis != nil {
		store, err := auth.NewRedisNonceStore(backends.Redis, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		nonces = store
	}
	validator := auth.NewHMACValidator(secrets, nonces,
		auth.WithHMACLogger(logger),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMACResolver(webhookSecretResolver(secrets)), nil
}

// webhookSecretResolver signs each provider's confirmations with its own secret, falling back to
// a shared "default" entry.
func webhookSecretResolver(secrets auth.StaticSecrets) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		if provider, ok := handlers.ProviderFromRequest(r); ok {
			if secret, ok := secrets[provider]; ok && secret != "" {
				return provider, true
			}
		}
		if secret, ok := secrets["default"]; ok && secret != "" {
			return "default", true
		}
		return "", false
	}
}

func rejectUnsigned(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("webhooks_unavailable", "webhook signatures are not configured", http.StatusServiceUnavailable))
	})
}

// buildOIDCMiddleware returns nil when no audience is configured.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.Audience) == "" {
		return nil
	}
	keys := auth.NewKeySet(oidc.JWKSURL,
		auth.WithKeySetLogger(logger),
		auth.WithKeySetHTTPClient(observability.NewHTTPClient("jwks", 10*time.Second)),
	)
	verifier := auth.NewServiceVerifier(keys, oidc.Audience,
		auth.WithServiceIssuers(oidc.Issuers...),
		auth.WithServiceAccounts(oidc.ServiceAccounts...),
		auth.WithServiceLogger(logger),
	)
	return verifier.RequireServiceToken()
}

func rejectInternal(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(r.Context(), w, httpx.NewError("internal_routes_disabled", "service authentication is not configured", http.StatusServiceUnavailable))
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("CHECKOUT_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("CHECKOUT_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if path := lookup("CHECKOUT_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("CHECKOUT_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secret fields that must resolve. The Stripe key is only required
// when one is configured, which keeps memory mode runnable without any secrets.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["CHECKOUT_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeAPIKey")
	}
	for _, key := range parseKeyList(env["CHECKOUT_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return required
}

func parseKeyList(raw string) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key == "" || strings.TrimSpace(value) == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
