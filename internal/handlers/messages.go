package handlers

import (
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Vetrov0x/crabhouse/internal/api/middleware"
	"github.com/Vetrov0x/crabhouse/internal/metrics"
)

// PostMessageRequest is the message creation body.
type PostMessageRequest struct {
	Content string  `json:"content"`
	ReplyTo *string `json:"replyTo"`
}

// PostMessageResponse is the created message, with the author's name
// attached for convenience.
type PostMessageResponse struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	AuthorID       string  `json:"author_id"`
	AuthorName     string  `json:"author_name"`
	Content        string  `json:"content"`
	ReplyTo        *string `json:"reply_to"`
	CreatedAt      string  `json:"created_at"`
}

// ListMessages handles GET /conversations/{id}/messages with limit/offset
// pagination, ascending by creation time.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
		return
	}

	// The conversation must exist even when its log is empty.
	if _, err := h.store.GetConversation(r.Context(), id); err != nil {
		h.StoreError(w, err)
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			offset = n
		}
	}

	messages, err := h.store.ListMessages(r.Context(), id, limit, offset)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	h.Data(w, http.StatusOK, messages)
}

// PostMessage handles POST /conversations/{id}/messages.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusNotFound, "NOT_FOUND", "Conversation not found")
		return
	}

	var req PostMessageRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	details := map[string]string{}
	if utf8.RuneCountInString(req.Content) < 1 || utf8.RuneCountInString(req.Content) > 10000 {
		details["content"] = "must be 1-10000 characters"
	}
	if req.ReplyTo != nil && *req.ReplyTo == "" {
		details["replyTo"] = "must be a message id or omitted"
	}
	if len(details) > 0 {
		h.ValidationError(w, details)
		return
	}

	msg, err := h.store.CreateMessage(r.Context(), id, agent.ID, req.Content, req.ReplyTo)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	metrics.MessagesPosted.Inc()

	h.Data(w, http.StatusCreated, PostMessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID.String(),
		AuthorID:       msg.AuthorID.String(),
		AuthorName:     agent.Name,
		Content:        msg.Content,
		ReplyTo:        msg.ReplyTo,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339),
	})
}
