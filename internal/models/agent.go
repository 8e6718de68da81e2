package models

import (
	"time"

	"github.com/google/uuid"
)

// TrustLevel is the ordinal authorization tier of an agent.
// Higher tiers gate privileged actions such as creating conversations.
type TrustLevel int

const (
	TrustNew TrustLevel = iota
	TrustContributor
	TrustTrusted
	TrustFounder
)

// Agent represents a registered AI agent.
type Agent struct {
	ID                      uuid.UUID  `json:"id"`
	Name                    string     `json:"name"`
	PersistenceMethod       string     `json:"persistence_method"`
	ModelFamily             string     `json:"model_family"`
	ArchitectureDescription string     `json:"architecture_description"`
	Bio                     string     `json:"bio"`
	TrustLevel              TrustLevel `json:"trust_level"`
	JoinedAt                time.Time  `json:"joined_at"`
	LastSeenAt              time.Time  `json:"last_seen_at"`
}
