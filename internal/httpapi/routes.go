// Package httpapi mounts the gateway's four HTTP surface points
// (spec.md §6): the OpenAI-compatible completion endpoint, the model
// list, the liveness endpoint, and a permissive CORS preflight handler.
package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/llmgate/gateway/internal/metrics"
	"github.com/llmgate/gateway/internal/ratelimit"
	"github.com/llmgate/gateway/internal/router"
	"github.com/llmgate/gateway/internal/store"
)

// Dependencies bundles everything a handler needs, trimmed to what the
// four spec'd endpoints actually use.
type Dependencies struct {
	Orchestrator *router.Orchestrator
	Dispatcher   *router.Dispatcher
	Store        store.Store
	Metrics      *metrics.Registry
	RateLimiter  *ratelimit.Limiter

	// GatewayAPIKey gates /v1/chat/completions and /v1/models when
	// non-empty (spec.md §4.11.3); empty disables auth entirely.
	GatewayAPIKey string
}

// maxRequestBodySize bounds POST bodies to 10 MiB.
const maxRequestBodySize = 10 << 20

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes wires the gateway's HTTP surface onto r.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		MaxAge:           300,
	}))

	r.Get("/health", HealthHandler(d))

	r.Route("/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		r.Use(gatewayAuthMiddleware(d.GatewayAPIKey))

		r.Post("/chat/completions", CompletionsHandler(d))
		r.Get("/models", ModelsHandler(d))
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// gatewayAuthMiddleware requires a bearer token equal to key when key is
// non-empty (spec.md §4.11.3); the liveness endpoint is mounted outside
// this group and is therefore always exempt.
func gatewayAuthMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			provided, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				slog.Warn("gateway auth: missing or invalid bearer token", slog.String("path", r.URL.Path))
				writeAPIError(w, "invalid or missing API key", "authentication_error", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
