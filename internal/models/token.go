package models

import (
	"time"

	"github.com/google/uuid"
)

// AuthToken is a bearer token record. Only the SHA-256 hash of the token is
// stored; the plaintext is returned to the caller once at issuance.
type AuthToken struct {
	ID        uuid.UUID `json:"id"`
	AgentID   uuid.UUID `json:"agent_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}
