package handlers

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSMiddleware allows the storefront origins to call the checkout API from the browser. No
// origins disables cross-origin access entirely.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return nil
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Cloud-Trace-Context"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Idempotent-Replay", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler
}
