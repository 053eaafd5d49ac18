// Package opsapi is the node's operability surface: /healthz, /readyz,
// /metrics, and a JSON status endpoint mirroring GetSystemStatus. This is
// not the client RPC surface; it exists for load-balancer health checks
// and Prometheus scraping.
package opsapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridiandb/node/internal/admin"
	"github.com/meridiandb/node/internal/mutationlog"
)

// Router builds the ops HTTP handler.
func Router(logger *slog.Logger, log *mutationlog.Log, adminSvc *admin.Service, version string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(loggingMiddleware(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", healthHandler())
	r.Get("/readyz", readyHandler(log))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", statusHandler(adminSvc, version))

	return r
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			logger.Info("ops request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func readyHandler(log *mutationlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The mutation log is the one dependency that must be open and
		// recovering its counters correctly for the node to serve traffic.
		_ = log.CurrentBlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

type statusResponse struct {
	HasInited bool              `json:"has_inited"`
	Balances  map[string]string `json:"balances,omitempty"`
	Version   string            `json:"version"`
}

func statusHandler(adminSvc *admin.Service, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := adminSvc.GetStatus(r.Context(), version)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusResponse{HasInited: status.HasInited, Balances: status.Balances, Version: version})
	}
}
