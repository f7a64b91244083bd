// server.go - Metrics and health HTTP endpoints.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// componentHealth is one component's latest check result.
type componentHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// systemHealth is the /healthz payload.
type systemHealth struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Components []componentHealth `json:"components"`
}

// health runs registered component checks on demand.
type health struct {
	mu      sync.RWMutex
	started time.Time
	version string
	names   []string
	checks  map[string]func(context.Context) error
}

func newHealth(version string) *health {
	return &health{
		started: time.Now(),
		version: version,
		checks:  make(map[string]func(context.Context) error),
	}
}

// register adds a named component check.
func (h *health) register(name string, check func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names = append(h.names, name)
	h.checks[name] = check
}

// check runs every component check and folds the overall status.
func (h *health) check(ctx context.Context) *systemHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := &systemHealth{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}
	for _, name := range h.names {
		c := componentHealth{Name: name, Status: "healthy"}
		if err := h.checks[name](ctx); err != nil {
			c.Status = "unhealthy"
			c.Message = err.Error()
			out.Status = "degraded"
		}
		out.Components = append(out.Components, c)
	}
	return out
}

func (h *health) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		sys := h.check(ctx)
		w.Header().Set("Content-Type", "application/json")
		if sys.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(sys)
	}
}

// serveHTTP serves /metrics and /healthz until the context is cancelled.
func serveHTTP(ctx context.Context, addr string, h *health, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics and health")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
