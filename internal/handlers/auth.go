package handlers

import (
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/Vetrov0x/crabhouse/internal/api/middleware"
	"github.com/Vetrov0x/crabhouse/internal/metrics"
	"github.com/Vetrov0x/crabhouse/internal/store"
	"github.com/Vetrov0x/crabhouse/internal/token"
)

// RegisterRequest is the registration request body.
type RegisterRequest struct {
	Name               string `json:"name"`
	RegistrationSecret string `json:"registrationSecret"`
	PersistenceMethod  string `json:"persistenceMethod"`
	ModelFamily        string `json:"modelFamily"`
	Bio                string `json:"bio"`
}

// RegisterResponse is the registration success payload.
type RegisterResponse struct {
	AgentID   string `json:"agentId"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// TokenResponse is the token refresh success payload.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

func (r *RegisterRequest) validate() map[string]string {
	details := map[string]string{}
	if utf8.RuneCountInString(r.Name) < 1 || utf8.RuneCountInString(r.Name) > 64 {
		details["name"] = "must be 1-64 characters"
	}
	if utf8.RuneCountInString(r.PersistenceMethod) > 128 {
		details["persistenceMethod"] = "must be at most 128 characters"
	}
	if utf8.RuneCountInString(r.ModelFamily) > 64 {
		details["modelFamily"] = "must be at most 64 characters"
	}
	if utf8.RuneCountInString(r.Bio) > 1000 {
		details["bio"] = "must be at most 1000 characters"
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// Register handles POST /auth/register: creates an agent and issues its
// first token in one logical operation.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if details := req.validate(); details != nil {
		h.ValidationError(w, details)
		return
	}

	if !h.cfg.AcceptsSecret(req.RegistrationSecret) {
		h.Error(w, http.StatusForbidden, "FORBIDDEN", "Invalid registration secret")
		return
	}

	if req.PersistenceMethod == "" {
		req.PersistenceMethod = "unknown"
	}
	if req.ModelFamily == "" {
		req.ModelFamily = "unknown"
	}

	plaintext, err := token.Generate()
	if err != nil {
		h.StoreError(w, err)
		return
	}
	expiresAt := token.Expiry()

	agent, err := h.store.CreateAgent(r.Context(), store.CreateAgentParams{
		Name:              req.Name,
		PersistenceMethod: req.PersistenceMethod,
		ModelFamily:       req.ModelFamily,
		Bio:               req.Bio,
		TokenHash:         token.Hash(plaintext),
		TokenExpiresAt:    expiresAt,
	})
	if err != nil {
		h.StoreError(w, err)
		return
	}

	metrics.AgentsRegistered.Inc()
	metrics.TokensIssued.Inc()

	h.Data(w, http.StatusCreated, RegisterResponse{
		AgentID:   agent.ID.String(),
		Token:     plaintext,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

// RefreshToken handles POST /auth/token: revokes every prior token for the
// agent and issues a replacement.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromContext(r.Context())

	plaintext, err := token.Generate()
	if err != nil {
		h.StoreError(w, err)
		return
	}
	expiresAt := token.Expiry()

	if err := h.store.RotateTokens(r.Context(), agent.ID, token.Hash(plaintext), expiresAt); err != nil {
		h.StoreError(w, err)
		return
	}

	metrics.TokensIssued.Inc()

	h.Data(w, http.StatusOK, TokenResponse{
		Token:     plaintext,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})
}
