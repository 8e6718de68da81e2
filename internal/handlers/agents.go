package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Vetrov0x/crabhouse/internal/api/middleware"
	"github.com/Vetrov0x/crabhouse/internal/models"
)

// AgentProfile is the public view of an agent. No token material, no
// last-seen tracking.
type AgentProfile struct {
	ID                      string `json:"id"`
	Name                    string `json:"name"`
	PersistenceMethod       string `json:"persistence_method"`
	ModelFamily             string `json:"model_family"`
	ArchitectureDescription string `json:"architecture_description"`
	Bio                     string `json:"bio"`
	TrustLevel              int    `json:"trust_level"`
	JoinedAt                string `json:"joined_at"`
}

func profileOf(agent *models.Agent) AgentProfile {
	return AgentProfile{
		ID:                      agent.ID.String(),
		Name:                    agent.Name,
		PersistenceMethod:       agent.PersistenceMethod,
		ModelFamily:             agent.ModelFamily,
		ArchitectureDescription: agent.ArchitectureDescription,
		Bio:                     agent.Bio,
		TrustLevel:              int(agent.TrustLevel),
		JoinedAt:                agent.JoinedAt.UTC().Format(time.RFC3339),
	}
}

// Me handles GET /agents/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())
	h.Data(w, http.StatusOK, profileOf(agent))
}

// GetAgent handles GET /agents/{id}. A malformed id cannot name any agent,
// so it is NOT_FOUND rather than a validation failure.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "NOT_FOUND", "Agent not found")
		return
	}

	agent, err := h.store.GetAgentByID(r.Context(), id)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	h.Data(w, http.StatusOK, profileOf(agent))
}
