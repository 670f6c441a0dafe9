// Package health serves liveness, readiness and health endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the app can serve but the metrics backend is unreachable.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	CacheBackend          string
	AuthCacheHealthy      bool
	// AuthCacheFallback is set when the configured shared cache could not be
	// reached and a process-local one serves instead.
	AuthCacheFallback     bool
	ClustersConfigured    int
	MetricsBackendHealthy bool
}

// Status represents evaluated application health.
type Status struct {
	CacheBackend string          `json:"cache_backend"`
	Clusters     int             `json:"clusters"`
	Mode         Mode            `json:"mode"`
	Ready        bool            `json:"ready"`
	Components   map[string]bool `json:"components"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state. The service is
// ready once the configured auth cache is readable and at least one cluster
// is configured.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		"auth_cache":      input.AuthCacheHealthy && !input.AuthCacheFallback,
		"clusters":        input.ClustersConfigured > 0,
		"metrics_backend": input.MetricsBackendHealthy,
	}

	ready := input.AuthCacheHealthy && !input.AuthCacheFallback && input.ClustersConfigured > 0

	mode := ModeHealthy
	if !ready {
		mode = ModeUnhealthy
	} else if !input.MetricsBackendHealthy {
		mode = ModeDegraded
	}

	return Status{
		CacheBackend: input.CacheBackend,
		Clusters:     input.ClustersConfigured,
		Mode:         mode,
		Ready:        ready,
		Components:   components,
	}
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
