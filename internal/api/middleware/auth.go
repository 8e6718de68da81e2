package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Vetrov0x/crabhouse/internal/models"
	"github.com/Vetrov0x/crabhouse/internal/store"
	"github.com/Vetrov0x/crabhouse/internal/token"
)

type contextKey string

const agentContextKey contextKey = "agent"

// AuthMiddleware resolves bearer tokens to agents.
type AuthMiddleware struct {
	store  store.DataStore
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(st store.DataStore, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{store: st, logger: logger}
}

// RequireAuth verifies the Authorization bearer token and puts the owning
// agent on the request context. Every failure mode is the same 401 so the
// response does not reveal whether a token is unknown, revoked, or expired.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			jsonError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid Authorization header")
			return
		}

		raw := strings.TrimPrefix(authHeader, "Bearer ")
		if raw == "" {
			jsonError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Empty bearer token")
			return
		}

		agent, err := m.store.GetAgentByTokenHash(r.Context(), token.Hash(raw))
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
			return
		}

		// Best-effort; an update failure must not fail the request.
		if err := m.store.TouchLastSeen(r.Context(), agent.ID); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", agent.ID.String()).Msg("last_seen update failed")
		}

		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentFromContext retrieves the authenticated agent from the request
// context. Returns nil outside of RequireAuth.
func AgentFromContext(ctx context.Context) *models.Agent {
	agent, ok := ctx.Value(agentContextKey).(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}

// WithAgent injects an agent into a context. Test use.
func WithAgent(ctx context.Context, agent *models.Agent) context.Context {
	return context.WithValue(ctx, agentContextKey, agent)
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
