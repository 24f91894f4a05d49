package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/checkout/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

// routeGroup is one prefix under the API base path. Groups without a
// registrar still mount and answer 501 so clients see a stable surface.
type routeGroup struct {
	path        string
	registrar   RouteRegistrar
	middlewares []middlewareFunc
}

const (
	groupCheckout = iota
	groupAdmin
	groupWebhooks
	groupInternal
	groupCount
)

type routerConfig struct {
	basePath    string
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      [groupCount]routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	// covers the longest payment await plus the gateway confirm call
	defaultTimeout = 3 * time.Minute
)

func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath:    defaultAPIPrefix,
		middlewares: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(defaultTimeout)},
		groups: [groupCount]routeGroup{
			groupCheckout: {path: "/checkout"},
			groupAdmin:    {path: "/admin"},
			groupWebhooks: {path: "/webhooks"},
			groupInternal: {path: "/internal"},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, cfg.middlewares)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})
	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range cfg.groups {
			api.Route(group.path, group.mount)
		}
	})
	return r
}

func (g routeGroup) mount(r chi.Router) {
	useAll(r, g.middlewares)
	if g.registrar != nil {
		g.registrar(r)
		return
	}
	unavailable := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", g.path[1:]), http.StatusNotImplemented))
	}
	r.HandleFunc("/", unavailable)
	r.HandleFunc("/*", unavailable)
	r.NotFound(unavailable)
	r.MethodNotAllowed(unavailable)
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

func withRegistrar(group int, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.groups[group].registrar = reg }
}

func withGroupMiddlewares(group int, mws []middlewareFunc) Option {
	return func(cfg *routerConfig) {
		cfg.groups[group].middlewares = append(cfg.groups[group].middlewares, mws...)
	}
}

// WithMiddlewares appends router-wide middleware after the request id, real ip
// and timeout defaults.
func WithMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithCheckoutRoutes mounts the shopper endpoints at /checkout.
func WithCheckoutRoutes(reg RouteRegistrar) Option { return withRegistrar(groupCheckout, reg) }

// WithAdminRoutes mounts the staff endpoints at /admin.
func WithAdminRoutes(reg RouteRegistrar) Option { return withRegistrar(groupAdmin, reg) }

// WithWebhookRoutes mounts gateway callbacks at /webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withRegistrar(groupWebhooks, reg) }

func WithWebhookMiddlewares(mw ...middlewareFunc) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalRoutes mounts service-to-service endpoints at /internal.
func WithInternalRoutes(reg RouteRegistrar) Option { return withRegistrar(groupInternal, reg) }

func WithInternalMiddlewares(mw ...middlewareFunc) Option {
	return withGroupMiddlewares(groupInternal, mw)
}
