package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kljama/netmon/internal/metrics"
	"github.com/kljama/netmon/internal/queue"
	"github.com/kljama/netmon/internal/store"
)

// HealthServer provides the HTTP health check and metrics endpoints
type HealthServer struct {
	rel       *store.Relational
	tsdb      *store.TSDB
	broker    *queue.Broker
	startTime time.Time
	port      int

	srv *http.Server
}

// HealthResponse represents the health check JSON response
type HealthResponse struct {
	Status      string         `json:"status"` // "healthy", "degraded", "unhealthy"
	Version     string         `json:"version"`
	Uptime      string         `json:"uptime"`
	PostgresOK  bool           `json:"postgres_ok"`
	InfluxDBOK  bool           `json:"influxdb_ok"`
	QueueDepths map[string]int `json:"queue_depths"`
	Goroutines  int            `json:"goroutines"`
	MemoryMB    uint64         `json:"memory_mb"`
	Timestamp   time.Time      `json:"timestamp"`
}

func NewHealthServer(port int, rel *store.Relational, tsdb *store.TSDB, broker *queue.Broker) *HealthServer {
	return &HealthServer{
		rel:       rel,
		tsdb:      tsdb,
		broker:    broker,
		startTime: time.Now(),
		port:      port,
	}
}

// Start begins serving health checks and metrics (non-blocking)
func (hs *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/health/ready", hs.readinessHandler)
	mux.HandleFunc("/health/live", hs.livenessHandler)
	mux.Handle("/metrics", metrics.Handler())

	hs.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", hs.port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Msg("Health server panic recovered")
			}
		}()
		if err := hs.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Health server error")
		}
	}()

	log.Info().Str("address", hs.srv.Addr).Msg("Health and metrics endpoint started")
	return nil
}

// Stop shuts the listener down gracefully.
func (hs *HealthServer) Stop(ctx context.Context) {
	if hs.srv != nil {
		_ = hs.srv.Shutdown(ctx)
	}
}

// healthHandler provides detailed health information
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	pgOK := hs.rel.Ping(ctx) == nil
	influxOK := hs.tsdb.HealthCheck(ctx) == nil

	// The relational store is authoritative; losing it is unhealthy, losing
	// only the TSDB is degraded.
	status := "healthy"
	switch {
	case !pgOK:
		status = "unhealthy"
	case !influxOK:
		status = "degraded"
	}

	response := HealthResponse{
		Status:     status,
		Version:    version,
		Uptime:     time.Since(hs.startTime).String(),
		PostgresOK: pgOK,
		InfluxDBOK: influxOK,
		QueueDepths: map[string]int{
			"alerts":      hs.broker.Depth(queue.QueueAlerts),
			"monitoring":  hs.broker.Depth(queue.QueueMonitoring),
			"snmp":        hs.broker.Depth(queue.QueueSNMP),
			"maintenance": hs.broker.Depth(queue.QueueMaintenance),
		},
		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   m.Alloc / 1024 / 1024,
		Timestamp:  time.Now().UTC(),
	}

	if !pgOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

// readinessHandler indicates if service is ready to accept traffic
func (hs *HealthServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := hs.rel.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY: relational store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// livenessHandler indicates if service is alive
func (hs *HealthServer) livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ALIVE"))
}
