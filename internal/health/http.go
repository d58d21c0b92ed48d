package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPHandler serves the probe endpoints.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts /health (liveness), /readiness and /health/detailed.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleLiveness)
	mux.HandleFunc("GET /readiness", h.handleReadiness)
	mux.HandleFunc("GET /health/detailed", h.handleDetailed)
}

// handleLiveness never touches dependencies; a live process answers 200.
func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"live":      true,
		"timestamp": time.Now().Unix(),
	})
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	detailed := h.manager.GetDetailedHealth(r.Context())
	code, status := http.StatusOK, "ready"
	if !detailed.Overall.Ready {
		code, status = http.StatusServiceUnavailable, "not ready"
	}
	failing := []string{}
	for name, c := range detailed.Components {
		if c.Critical && c.Status == StatusUnhealthy {
			failing = append(failing, name)
		}
	}
	h.write(w, code, map[string]interface{}{
		"status":    status,
		"ready":     detailed.Overall.Ready,
		"degraded":  detailed.Overall.Degraded,
		"failing":   failing,
		"timestamp": time.Now().Unix(),
	})
}

func (h *HTTPHandler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	detailed := h.manager.GetDetailedHealth(r.Context())
	code := http.StatusOK
	if detailed.Overall.Status == StatusUnhealthy || detailed.Overall.Status == StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, detailed)
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
