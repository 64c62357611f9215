// Package api exposes reactorcore's ops HTTP surface: process status,
// backend health, Prometheus scrape endpoint, and read-only worker-pool/DB-
// pool stat snapshots. This is a separate plane from the length-prefixed TCP
// wire protocol (internal/ioengine/internal/protocol) — an HTTP server here
// is not a violation of that protocol's "no HTTP semantics" Non-goal.
// Grounded on the teacher's (JeelKantaria-db-bouncer) internal/api/server.go
// gorilla/mux + promhttp wiring, with the tenant CRUD surface dropped (no
// tenants in this domain) in favor of the pool-stat endpoints spec.md's Data
// Model names (waiting, in-flight, idle, leased).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reactorcore/reactorcore/internal/dbpool"
	"github.com/reactorcore/reactorcore/internal/health"
	"github.com/reactorcore/reactorcore/internal/metrics"
	"github.com/reactorcore/reactorcore/internal/workerpool"
)

// Server is reactorcore's ops HTTP surface.
type Server struct {
	pool       *workerpool.Pool
	dbPool     *dbpool.Pool
	healthCk   *health.Checker
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires a Server to the live pool, DB pool, health checker, and
// metrics collector. Any of pool/dbPool/healthCk may be nil (e.g. before the
// DB pool has finished initializing at startup); their endpoints degrade to a
// 503 rather than panicking. /metrics serves m's registry, or the default
// Prometheus registry when m is nil.
func NewServer(pool *workerpool.Pool, dbPool *dbpool.Pool, healthCk *health.Checker, m *metrics.Collector) *Server {
	return &Server{
		pool:      pool,
		dbPool:    dbPool,
		healthCk:  healthCk,
		metrics:   m,
		startTime: time.Now(),
	}
}

// routes builds the mux.Router backing both Start and unit tests, so tests
// can exercise handlers through net/http/httptest without a live listener.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/workerpool", s.workerPoolHandler).Methods(http.MethodGet)
	r.HandleFunc("/dbpool", s.dbPoolHandler).Methods(http.MethodGet)
	metricsHandler := promhttp.Handler()
	if s.metrics != nil {
		metricsHandler = promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	}
	r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	return r
}

// Start starts the HTTP server on bind:port.
func (s *Server) Start(bind string, port int) error {
	r := s.routes()

	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] ops surface listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.healthCk == nil {
		writeError(w, http.StatusServiceUnavailable, "health checker not initialized")
		return
	}

	snap := s.healthCk.Snapshot()
	status := http.StatusOK
	if !s.healthCk.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

func (s *Server) workerPoolHandler(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "worker pool not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"waiting":   s.pool.Waiting(),
		"in_flight": s.pool.InFlight(),
	})
}

func (s *Server) dbPoolHandler(w http.ResponseWriter, r *http.Request) {
	if s.dbPool == nil {
		writeError(w, http.StatusServiceUnavailable, "db pool not initialized")
		return
	}
	writeJSON(w, http.StatusOK, s.dbPool.Stats())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
