package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vetrov0x/crabhouse/internal/config"
	"github.com/Vetrov0x/crabhouse/internal/store"
)

const version = "0.1.0"

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store  store.DataStore
	cfg    *config.Config
	logger zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(st store.DataStore, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{store: st, cfg: cfg, logger: logger}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type dataEnvelope struct {
	Data any  `json:"data"`
	Meta *meta `json:"meta,omitempty"`
}

type meta struct {
	Timestamp string `json:"timestamp"`
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Data sends a success envelope.
func (h *Handler) Data(w http.ResponseWriter, status int, data any) {
	h.JSON(w, status, dataEnvelope{Data: data})
}

// DataMeta sends a success envelope with a timestamp.
func (h *Handler) DataMeta(w http.ResponseWriter, status int, data any) {
	h.JSON(w, status, dataEnvelope{
		Data: data,
		Meta: &meta{Timestamp: time.Now().UTC().Format(time.RFC3339)},
	})
}

// Error sends an error envelope.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// ValidationError sends a 400 with per-field details.
func (h *Handler) ValidationError(w http.ResponseWriter, details map[string]string) {
	h.JSON(w, http.StatusBadRequest, errorEnvelope{Error: errorBody{
		Code:    "VALIDATION_ERROR",
		Message: "Invalid input",
		Details: details,
	}})
}

// StoreError maps a domain error to its HTTP response. Unknown errors are
// logged and surface as a generic 500.
func (h *Handler) StoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	case errors.Is(err, store.ErrNameTaken):
		h.Error(w, http.StatusConflict, "CONFLICT", "Agent name already registered")
	case errors.Is(err, store.ErrConversationFull):
		h.Error(w, http.StatusConflict, "CONFLICT", "Conversation is full")
	case errors.Is(err, store.ErrConversationArchived):
		h.Error(w, http.StatusGone, "GONE", "Conversation is archived")
	case errors.Is(err, store.ErrNotMember):
		h.Error(w, http.StatusForbidden, "FORBIDDEN", "You must join the conversation before posting")
	case errors.Is(err, store.ErrInvalidReply):
		h.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "replyTo must reference a message in this conversation")
	case errors.Is(err, store.ErrInvalidToken):
		h.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
	default:
		h.logger.Error().Err(err).Msg("store operation failed")
		h.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong")
	}
}

// decodeJSON decodes a request body, returning false (and responding) on
// malformed input.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Error(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid JSON body")
		return false
	}
	return true
}
