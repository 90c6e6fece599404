package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openpacs/qrindex/internal/services"
)

type HealthHandler struct {
	registry *services.Registry
}

func NewHealthHandler(registry *services.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Areas     map[string]string `json:"areas"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Areas:     make(map[string]string),
	}

	for _, name := range h.registry.Areas() {
		e, err := h.registry.Get(name)
		if err != nil {
			response.Areas[name] = "unhealthy"
			response.Status = "degraded"
			continue
		}
		if _, err := e.Store().RecordCount(); err != nil {
			response.Areas[name] = "unhealthy"
			response.Status = "degraded"
			continue
		}
		response.Areas[name] = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	for _, name := range h.registry.Areas() {
		e, err := h.registry.Get(name)
		if err != nil {
			http.Error(w, "Service not ready", http.StatusServiceUnavailable)
			return
		}
		if _, err := e.Store().RecordCount(); err != nil {
			http.Error(w, "Service not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
