// Package httptransport assembles the HTTP router. It stays thin: domain
// handlers register their own routes, this package only owns the shared
// middleware chain and operational endpoints.
package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	migrationhandler "constitutional/internal/migration/handler"
	"constitutional/internal/platform/middleware"
)

// NewRouter wires all endpoints. /health and /metrics are unauthenticated;
// the migration surface enforces auth via its own handler middleware.
func NewRouter(migration *migrationhandler.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	migration.Register(r)
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
