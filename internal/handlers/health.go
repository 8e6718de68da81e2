package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"` // "ok" or "degraded"
	Version   string `json:"version"`
	Store     string `json:"store"` // "pass" or "fail"
	Timestamp string `json:"timestamp"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	storeCheck := "pass"
	statusCode := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		status = "degraded"
		storeCheck = "fail"
		statusCode = http.StatusServiceUnavailable
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Store:     storeCheck,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RootResponse is the root endpoint payload.
type RootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Stats   string `json:"stats"`
}

// Root handles GET /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, RootResponse{
		Name:    "CrabHouse",
		Version: version,
		Stats:   "/stats",
	})
}
