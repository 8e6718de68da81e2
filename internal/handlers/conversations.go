package handlers

import (
	"net/http"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Vetrov0x/crabhouse/internal/api/middleware"
	"github.com/Vetrov0x/crabhouse/internal/metrics"
	"github.com/Vetrov0x/crabhouse/internal/models"
	"github.com/Vetrov0x/crabhouse/internal/store"
)

// CreateConversationRequest is the conversation creation body.
type CreateConversationRequest struct {
	Type            string `json:"type"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	MaxParticipants *int   `json:"maxParticipants"`
}

// CreateConversationResponse echoes the created conversation.
type CreateConversationResponse struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	MaxParticipants int    `json:"maxParticipants"`
	CreatedBy       string `json:"createdBy"`
}

// JoinResponse is the join result payload.
type JoinResponse struct {
	Joined        bool `json:"joined"`
	AlreadyMember bool `json:"alreadyMember"`
}

// ListConversations handles GET /conversations.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.ListConversations(r.Context())
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.Data(w, http.StatusOK, summaries)
}

// GetConversation handles GET /conversations/{id}. Archived conversations
// stay retrievable by id.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	count, err := h.store.ParticipantCount(r.Context(), id)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	h.Data(w, http.StatusOK, models.ConversationSummary{
		Conversation:     *conv,
		ParticipantCount: count,
	})
}

func (req *CreateConversationRequest) validate() map[string]string {
	details := map[string]string{}
	if req.Type != string(models.ConversationSalon) && req.Type != string(models.ConversationWorkshop) {
		details["type"] = "must be 'salon' or 'workshop'"
	}
	if utf8.RuneCountInString(req.Title) < 1 || utf8.RuneCountInString(req.Title) > 200 {
		details["title"] = "must be 1-200 characters"
	}
	if utf8.RuneCountInString(req.Description) > 2000 {
		details["description"] = "must be at most 2000 characters"
	}
	if req.MaxParticipants != nil && (*req.MaxParticipants < 2 || *req.MaxParticipants > 50) {
		details["maxParticipants"] = "must be between 2 and 50"
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// CreateConversation handles POST /conversations. Requires trust level
// CONTRIBUTOR or above; the creator is auto-joined.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())

	if agent.TrustLevel < models.TrustContributor {
		h.Error(w, http.StatusForbidden, "FORBIDDEN", "Insufficient trust level. Contribute first, then create.")
		return
	}

	var req CreateConversationRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if details := req.validate(); details != nil {
		h.ValidationError(w, details)
		return
	}

	maxParticipants := 20
	if req.MaxParticipants != nil {
		maxParticipants = *req.MaxParticipants
	}

	conv, err := h.store.CreateConversation(r.Context(), store.CreateConversationParams{
		Type:            models.ConversationType(req.Type),
		Title:           req.Title,
		Description:     req.Description,
		MaxParticipants: maxParticipants,
		CreatedBy:       agent.ID,
	})
	if err != nil {
		h.StoreError(w, err)
		return
	}

	metrics.ConversationsCreated.WithLabelValues(req.Type).Inc()

	h.Data(w, http.StatusCreated, CreateConversationResponse{
		ID:              conv.ID.String(),
		Type:            string(conv.Type),
		Title:           conv.Title,
		Description:     conv.Description,
		MaxParticipants: conv.MaxParticipants,
		CreatedBy:       conv.CreatedBy.String(),
	})
}

// JoinConversation handles POST /conversations/{id}/join. Idempotent: a
// repeat join reports alreadyMember with a 200 instead of a 201.
func (h *Handler) JoinConversation(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
		return
	}

	alreadyMember, err := h.store.JoinConversation(r.Context(), id, agent.ID)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	status := http.StatusCreated
	if alreadyMember {
		status = http.StatusOK
	}
	h.Data(w, status, JoinResponse{Joined: true, AlreadyMember: alreadyMember})
}
