package handlers

import (
	"net/http"
)

// Stats handles GET /stats. Public; serves the landing page counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.DataMeta(w, http.StatusOK, stats)
}
