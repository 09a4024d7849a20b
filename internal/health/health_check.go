package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/tabletdb/balancer/internal/store"
)

// HealthChecker provides health check endpoints
type HealthChecker struct {
	topologyStore store.TopologyStore
	leaseStore    store.LeaseStore
	logger        *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	topologyStore store.TopologyStore,
	leaseStore store.LeaseStore,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		topologyStore: topologyStore,
		leaseStore:    leaseStore,
		logger:        logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check topology store (PostgreSQL)
	if err := h.checkTopologyStore(ctx); err != nil {
		h.logger.Error("Topology store health check failed", zap.Error(err))
		checks["topology_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["topology_store"] = "healthy"
	}

	// Check lease store (Redis)
	if err := h.checkLeaseStore(ctx); err != nil {
		h.logger.Error("Lease store health check failed", zap.Error(err))
		checks["lease_store"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["lease_store"] = "healthy"
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// checkTopologyStore checks if the topology store is healthy
func (h *HealthChecker) checkTopologyStore(ctx context.Context) error {
	if h.topologyStore == nil {
		return nil // Skip if not initialized
	}
	return h.topologyStore.Ping(ctx)
}

// checkLeaseStore checks if the lease store is healthy
func (h *HealthChecker) checkLeaseStore(ctx context.Context) error {
	if h.leaseStore == nil {
		return nil // Skip if not initialized (lease disabled)
	}
	return h.leaseStore.Ping(ctx)
}

// StartHealthServer starts the health check HTTP server
func StartHealthServer(hc *HealthChecker, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hc.LivenessHandler)
	mux.HandleFunc("/health/ready", hc.ReadinessHandler)

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting health check server", zap.String("address", addr))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
