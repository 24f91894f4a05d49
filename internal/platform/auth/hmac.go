package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute

	maxSignedBodyBytes = 1 << 20
)

// SecretProvider resolves webhook signing secrets by signer name.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets serves secrets already resolved by the config loader.
type StaticSecrets map[string]string

func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := s[strings.ToLower(strings.TrimSpace(name))]
	if !ok || secret == "" {
		return "", fmt.Errorf("auth: secret %q not configured", name)
	}
	return secret, nil
}

// NonceStore records nonces so a signed request cannot be replayed. UseNonce returns false when the
// nonce was already seen in scope.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process. Suitable for a single instance.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// RedisNonceStore shares nonces across instances with SET NX.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(client redis.UniversalClient, prefix string) (*RedisNonceStore, error) {
	if client == nil {
		return nil, errors.New("auth: redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "checkout"
	}
	return &RedisNonceStore{client: client, prefix: prefix}, nil
}

func (s *RedisNonceStore) UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	ttl := time.Until(expiry)
	if ttl < time.Second {
		ttl = time.Second
	}
	stored, err := s.client.SetNX(ctx, s.prefix+":nonce:"+scope+":"+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: redis nonce: %w", err)
	}
	return stored, nil
}

// HMACValidator authenticates gateway callbacks. The signature covers
// METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)).
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore
	logger   *zap.Logger
	now      func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration

	verifications metric.Int64Counter
}

type HMACOption func(*HMACValidator)

func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	counter, err := otel.Meter("github.com/hanko-field/checkout/internal/platform/auth").Int64Counter(
		"checkout.webhook.verifications",
		metric.WithDescription("Webhook signature verifications by outcome"),
	)
	if err == nil {
		v.verifications = counter
	}
	return v
}

func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock is used by tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata describes a verified request for downstream handlers.
type HMACMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type hmacContextKey struct{}

func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	return meta, ok && meta != nil
}

// RequireHMAC verifies requests signed with the named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scope := strings.ToLower(strings.TrimSpace(secretName))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta, failure := v.verify(r, scope)
			if failure != nil {
				v.record(r.Context(), scope, failure.reason)
				httpx.WriteError(r.Context(), w, failure.err)
				return
			}
			v.record(r.Context(), scope, "ok")
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), hmacContextKey{}, meta)))
		})
	}
}

// RequireHMACResolver picks the secret per request, e.g. from the provider path segment.
func (v *HMACValidator) RequireHMACResolver(resolve func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, ok := "", false
			if resolve != nil {
				name, ok = resolve(r)
			}
			if !ok || strings.TrimSpace(name) == "" {
				v.record(r.Context(), "", "provider_unknown")
				httpx.WriteError(r.Context(), w, httpx.NewError("unknown_provider", "webhook provider not recognised", http.StatusUnauthorized))
				return
			}
			v.RequireHMAC(name)(next).ServeHTTP(w, r)
		})
	}
}

type hmacFailure struct {
	reason string
	err    httpx.Error
}

func reject(reason string, status int, code, message string) *hmacFailure {
	return &hmacFailure{reason: reason, err: httpx.NewError(code, message, status)}
}

func (v *HMACValidator) verify(r *http.Request, scope string) (*HMACMetadata, *hmacFailure) {
	ctx := r.Context()
	if scope == "" || v.provider == nil {
		return nil, reject("secret_not_configured", http.StatusServiceUnavailable, "verification_unavailable", "hmac secret not configured")
	}
	secret, err := v.provider.GetSecret(ctx, scope)
	if err != nil || secret == "" {
		v.log(ctx).Error("hmac secret lookup failed", zap.String("secret", scope), zap.Error(err))
		return nil, reject("secret_unavailable", http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable")
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return nil, reject("signature_missing", http.StatusUnauthorized, "signature_missing", "signature header missing")
	}
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return nil, reject("timestamp_missing", http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing")
	}
	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, reject("timestamp_invalid", http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, reject("timestamp_skew", http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
	}
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, reject("nonce_missing", http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, reject("body_unreadable", http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
	}
	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, reject("signature_invalid", http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
	}
	if !hmac.Equal(signature, computeHMAC([]byte(secret), buildCanonicalString(r, body, timestampValue, nonce))) {
		return nil, reject("signature_mismatch", http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return nil, reject("nonce_store_unavailable", http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable")
	}
	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}
	stored, err := v.nonces.UseNonce(ctx, scope, nonce, expiry)
	if err != nil {
		v.log(ctx).Error("hmac nonce store failed", zap.Error(err))
		return nil, reject("nonce_store_error", http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
	}
	if !stored {
		return nil, reject("nonce_replay", http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
	}
	return &HMACMetadata{SecretName: scope, Timestamp: timestamp, Nonce: nonce}, nil
}

func (v *HMACValidator) log(ctx context.Context) *zap.Logger {
	if requestctx.HasLogger(ctx) {
		return requestctx.Logger(ctx)
	}
	return v.logger
}

func (v *HMACValidator) record(ctx context.Context, scope, reason string) {
	if v.verifications == nil {
		return
	}
	v.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("secret", scope),
		attribute.String("outcome", reason),
	))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// SignRequest computes the signature a sender must put in the signature header. Exported for
// gateway simulators and tests.
func SignRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	req := &http.Request{Method: method, URL: &url.URL{Path: path}}
	return hex.EncodeToString(computeHMAC([]byte(secret), buildCanonicalString(req, body, timestamp, nonce)))
}

func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
