package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

// GoogleCertsURL serves the keys Google uses to sign service account ID tokens.
const GoogleCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

const (
	defaultKeySetTTL     = 15 * time.Minute
	defaultKeySetTimeout = 5 * time.Second
)

var (
	ErrSigningKeyNotFound = errors.New("auth: signing key not found")
	ErrKeySetUnavailable  = errors.New("auth: jwks unavailable")
)

// KeySet caches a remote JWKS document. Unknown key ids trigger a refetch so
// rotated keys are picked up before the cache expires.
type KeySet struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
	ttl     time.Duration
	timeout time.Duration

	mu      sync.RWMutex
	keys    map[string]jose.JSONWebKey
	expires time.Time

	fetchMu sync.Mutex
}

type KeySetOption func(*KeySet)

func NewKeySet(url string, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
		now:     time.Now,
		ttl:     defaultKeySetTTL,
		timeout: defaultKeySetTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(k *KeySet) {
		if client != nil {
			k.client = client
		}
	}
}

func WithKeySetLogger(logger *zap.Logger) KeySetOption {
	return func(k *KeySet) {
		if logger != nil {
			k.logger = logger
		}
	}
}

// WithKeySetTTL applies when the JWKS response carries no max-age.
func WithKeySetTTL(ttl time.Duration) KeySetOption {
	return func(k *KeySet) {
		if ttl > 0 {
			k.ttl = ttl
		}
	}
}

func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(k *KeySet) {
		if now != nil {
			k.now = now
		}
	}
}

// Keyfunc adapts the key set to the jwt parser.
func (k *KeySet) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token has no kid header")
		}
		return k.Key(ctx, kid)
	}
}

// Key returns the public key for kid. A stale cached key is still served when
// the refetch fails.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	key, fresh, found := k.lookup(kid)
	if found && fresh {
		return key, nil
	}

	err := k.refresh(ctx, kid)
	if next, _, ok := k.lookup(kid); ok {
		if err != nil {
			k.logger.Warn("jwks refresh failed; serving cached key", zap.String("kid", kid), zap.Error(err))
		}
		return next, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrSigningKeyNotFound, kid)
}

func (k *KeySet) lookup(kid string) (any, bool, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	jwk, ok := k.keys[kid]
	if !ok {
		return nil, false, false
	}
	return jwk.Key, k.now().Before(k.expires), true
}

func (k *KeySet) refresh(ctx context.Context, kid string) error {
	k.fetchMu.Lock()
	defer k.fetchMu.Unlock()

	// Another caller may have refreshed while we waited.
	if _, fresh, ok := k.lookup(kid); ok && fresh {
		return nil
	}
	if k.url == "" {
		return fmt.Errorf("%w: url not configured", ErrKeySetUnavailable)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeySetUnavailable, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || !jwk.Valid() || !jwk.IsPublic() {
			continue
		}
		keys[jwk.KeyID] = jwk
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable keys", ErrKeySetUnavailable)
	}

	ttl := k.ttl
	if maxAge, ok := maxAgeFrom(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}

	k.mu.Lock()
	k.keys = keys
	k.expires = k.now().Add(ttl)
	k.mu.Unlock()
	k.logger.Debug("jwks refreshed", zap.Int("keys", len(keys)), zap.Duration("ttl", ttl))
	return nil
}

func maxAgeFrom(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

// ServiceIdentity is the caller of an internal route: a scheduler job or a
// fulfilment system holding a Google-signed ID token.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

// ActorID is recorded on order events raised by service callers.
func (s *ServiceIdentity) ActorID() string {
	if s == nil {
		return ""
	}
	if s.Email != "" {
		return "svc:" + s.Email
	}
	return "svc:" + s.Subject
}

type serviceIdentityKey struct{}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// ServiceVerifier checks RS256 ID tokens against a key set, an audience and
// optional issuer and service account allow lists.
type ServiceVerifier struct {
	keys     *KeySet
	audience string
	issuers  map[string]struct{}
	accounts map[string]struct{}
	logger   *zap.Logger
}

type ServiceOption func(*ServiceVerifier)

func WithServiceIssuers(issuers ...string) ServiceOption {
	return func(v *ServiceVerifier) {
		v.issuers = setOf(issuers)
	}
}

// WithServiceAccounts limits callers to the listed token emails.
func WithServiceAccounts(emails ...string) ServiceOption {
	return func(v *ServiceVerifier) {
		v.accounts = setOf(emails)
	}
}

func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(v *ServiceVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewServiceVerifier(keys *KeySet, audience string, opts ...ServiceOption) *ServiceVerifier {
	v := &ServiceVerifier{
		keys:     keys,
		audience: strings.TrimSpace(audience),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify parses raw and returns the caller identity. Errors wrapping
// ErrKeySetUnavailable mean the token could not be checked at all.
func (v *ServiceVerifier) Verify(ctx context.Context, raw string) (*ServiceIdentity, error) {
	if v == nil || v.keys == nil || v.audience == "" {
		return nil, fmt.Errorf("%w: verifier not configured", ErrKeySetUnavailable)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, v.keys.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
		}
		return nil, err
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, errors.New("auth: audience mismatch")
	}

	identity := &ServiceIdentity{
		Subject: claimAsString(claims, "sub"),
		Email:   strings.ToLower(claimAsString(claims, "email")),
		Issuer:  claimAsString(claims, "iss"),
	}
	if len(v.issuers) > 0 {
		if _, ok := v.issuers[strings.ToLower(identity.Issuer)]; !ok {
			return nil, fmt.Errorf("auth: issuer %q not allowed", identity.Issuer)
		}
	}
	if len(v.accounts) > 0 {
		if verified, _ := claims["email_verified"].(bool); !verified {
			return nil, errors.New("auth: token email not verified")
		}
		if _, ok := v.accounts[identity.Email]; !ok {
			return nil, fmt.Errorf("auth: service account %q not allowed", identity.Email)
		}
	}
	return identity, nil
}

// RequireServiceToken guards internal routes. The token is read from the
// Authorization header or, behind IAP, from X-Goog-Iap-Jwt-Assertion.
func (v *ServiceVerifier) RequireServiceToken() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				raw = strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
			}
			if raw == "" {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service token missing", http.StatusUnauthorized))
				return
			}
			identity, err := v.Verify(ctx, raw)
			if err != nil {
				if errors.Is(err, ErrKeySetUnavailable) {
					v.log(ctx).Error("service token verification unavailable", zap.Error(err))
					httpx.WriteError(ctx, w, httpx.NewError("verification_unavailable", "service token verification unavailable", http.StatusServiceUnavailable))
					return
				}
				v.log(ctx).Warn("service token rejected", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "service token verification failed", http.StatusUnauthorized))
				return
			}
			requestctx.SetActor(ctx, identity.ActorID())
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *ServiceVerifier) log(ctx context.Context) *zap.Logger {
	if requestctx.HasLogger(ctx) {
		return requestctx.Logger(ctx)
	}
	return v.logger
}

func setOf(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
			out[value] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
