// Package handler provides the admin HTTP API of the balancer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/tabletdb/balancer/internal/service"
	"github.com/devrev/tabletdb/balancer/internal/store"
)

// InstanceLister reports the balancer instances known via gossip
type InstanceLister interface {
	Instances() []service.InstanceState
}

// AdminHandler exposes planning control and inspection endpoints
type AdminHandler struct {
	balanceService *service.BalanceService
	topologyStore  store.TopologyStore
	instances      InstanceLister
	logger         *zap.Logger
}

// NewAdminHandler creates a new admin handler. instances may be nil when
// gossip is disabled.
func NewAdminHandler(
	balanceService *service.BalanceService,
	topologyStore store.TopologyStore,
	instances InstanceLister,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		balanceService: balanceService,
		topologyStore:  topologyStore,
		instances:      instances,
		logger:         logger,
	}
}

// RegisterRoutes registers the admin routes on the router
func (h *AdminHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/balance/run", h.TriggerBalance).Methods(http.MethodPost)
	r.HandleFunc("/v1/plan/last", h.LastPlan).Methods(http.MethodGet)
	r.HandleFunc("/v1/load", h.CurrentLoad).Methods(http.MethodGet)
	r.HandleFunc("/v1/instances", h.Instances).Methods(http.MethodGet)
}

// TriggerBalance handles POST /v1/balance/run requests
func (h *AdminHandler) TriggerBalance(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Manual planning round requested")

	result, err := h.balanceService.RunOnce(r.Context())
	if err != nil {
		h.logger.Error("Manual planning round failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if result == nil {
		h.writeError(w, http.StatusConflict, "planning lease held by another instance")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// LastPlan handles GET /v1/plan/last requests
func (h *AdminHandler) LastPlan(w http.ResponseWriter, r *http.Request) {
	if result := h.balanceService.LastPlan(); result != nil {
		h.writeJSON(w, http.StatusOK, result)
		return
	}

	// Fall back to the persisted plan from a previous instance
	plan, version, err := h.topologyStore.LastPlan(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "no plan recorded yet")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load last plan", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, service.PlanResult{
		Plan:            plan,
		TopologyVersion: version,
	})
}

// CurrentLoad handles GET /v1/load requests
func (h *AdminHandler) CurrentLoad(w http.ResponseWriter, r *http.Request) {
	loads, version, err := h.balanceService.CurrentLoad(r.Context())
	if err != nil {
		h.logger.Error("Failed to compute current load", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"topology_version": version,
		"nodes":            loads,
		"timestamp":        time.Now().Unix(),
	})
}

// Instances handles GET /v1/instances requests
func (h *AdminHandler) Instances(w http.ResponseWriter, r *http.Request) {
	if h.instances == nil {
		h.writeError(w, http.StatusNotFound, "instance gossip is not enabled")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": h.instances.Instances(),
		"timestamp": time.Now().Unix(),
	})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
