// Package metrics holds the Prometheus collectors of the signing agent and the
// HTTP server exposing them.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// Requests counts dispatched requests by operation type and outcome
	// (ok, denied, locked, error).
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Requests handled by the dispatcher.",
	}, []string{"type", "outcome"})

	// Prompts counts escalations by outcome (approved, rejected, dismissed, unavailable).
	Prompts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "prompts_total",
		Help: "Interactive approval prompts by outcome.",
	}, []string{"outcome"})

	// PromptQueue is the number of requests waiting for the prompt mutex.
	PromptQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "prompt_queue_length",
		Help: "Requests waiting for the prompt mutex.",
	})

	// SessionLocks counts lock events by reason (explicit, autolock, storage_change, shutdown).
	SessionLocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_locks_total",
		Help: "Session lock events by reason.",
	}, []string{"reason"})

	// Unlocks counts unlock attempts by result (ok, invalid_password, error).
	Unlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_unlocks_total",
		Help: "Unlock attempts by result.",
	}, []string{"result"})

	// CacheRestores counts cache bundle restores by result (restored, missing, discarded, failed).
	CacheRestores = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_restores_total",
		Help: "Sealed cache bundle restores by result.",
	}, []string{"result"})

	// SharedSecretLookups counts conversation key cache lookups (hit, miss).
	SharedSecretLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shared_secret_lookups_total",
		Help: "Shared secret cache lookups.",
	}, []string{"result"})
)

var registerOnce sync.Once

func register(namespace string) {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prometheus.WrapRegistererWithPrefix(namespace+"_", registry).MustRegister(
		Requests,
		Prompts,
		PromptQueue,
		SessionLocks,
		Unlocks,
		CacheRestores,
		SharedSecretLookups,
	)
}

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New builds a metrics server. Collector names are prefixed with namespace
// on first use; later calls reuse the same registration.
func New(namespace, addr string) (*MetricsServer, error) {
	registerOnce.Do(func() { register(namespace) })

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
