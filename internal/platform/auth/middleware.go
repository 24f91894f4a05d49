package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultLocaleClaim   = "locale"
	defaultEmailClaim    = "email"
	defaultFallbackRole  = RoleUser
	defaultVerifyTimeout = 5 * time.Second
)

var (
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer tokens into identities for the checkout and admin routes.
type Authenticator struct {
	verifier     TokenVerifier
	roleClaim    string
	fallbackRole string
	timeout      time.Duration
}

type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim holding roles.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the role assumed when the token carries none.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		if role = normaliseRole(role); role != "" {
			a.fallbackRole = role
		}
	}
}

func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:     verifier,
		roleClaim:    defaultRoleClaim,
		fallbackRole: defaultFallbackRole,
		timeout:      defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the bearer token. When allowedRoles is non-empty the identity must
// carry one of them, otherwise the request is rejected with 403.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(allowedRoles))
	for _, role := range allowedRoles {
		if role = normaliseRole(role); role != "" {
			allowed = append(allowed, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized))
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
			cancel()
			if err != nil {
				httpx.WriteError(ctx, w, verificationError(err))
				return
			}

			identity := &Identity{
				UID:      token.UID,
				Email:    claimAsString(token.Claims, defaultEmailClaim),
				Locale:   claimAsString(token.Claims, defaultLocaleClaim),
				Roles:    rolesFromClaims(token.Claims, a.roleClaim),
				AuthTime: time.Unix(token.AuthTime, 0).UTC(),
			}
			if len(identity.Roles) == 0 && a.fallbackRole != "" {
				identity.Roles = []string{a.fallbackRole}
			}
			if len(allowed) > 0 && !identity.HasAnyRole(allowed...) {
				httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
				return
			}

			requestctx.SetActor(ctx, identity.ActorID())
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func rolesFromClaims(claims map[string]any, key string) []string {
	var candidates []string
	switch v := claims[key].(type) {
	case string:
		candidates = []string{v}
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case map[string]any:
		for name, flag := range v {
			if enabled, ok := flag.(bool); ok && enabled {
				candidates = append(candidates, name)
			}
		}
	}

	out := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		role := normaliseRole(candidate)
		if role == "" {
			continue
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]any, key string) string {
	if s, ok := claims[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func verificationError(err error) httpx.Error {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return httpx.NewError("token_expired", "firebase id token expired", http.StatusUnauthorized)
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		return httpx.NewError("invalid_token", "firebase id token invalid", http.StatusUnauthorized)
	default:
		return httpx.NewError("invalid_token", "firebase id token verification failed", http.StatusUnauthorized)
	}
}
