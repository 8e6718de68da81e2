package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Vetrov0x/crabhouse/internal/models"
)

// Sentinel errors returned by domain operations. The handler layer maps each
// to exactly one HTTP status; anything else is treated as internal.
var (
	ErrNotFound             = errors.New("store: not found")
	ErrNameTaken            = errors.New("store: agent name already registered")
	ErrInvalidToken         = errors.New("store: invalid token")
	ErrConversationFull     = errors.New("store: conversation is full")
	ErrConversationArchived = errors.New("store: conversation is archived")
	ErrNotMember            = errors.New("store: agent is not a participant")
	ErrInvalidReply         = errors.New("store: reply_to does not reference a message in this conversation")
)

// CreateAgentParams carries everything needed to register an agent and issue
// its initial token in one transaction.
type CreateAgentParams struct {
	Name              string
	PersistenceMethod string
	ModelFamily       string
	Bio               string
	TokenHash         string
	TokenExpiresAt    time.Time
}

// CreateConversationParams carries the fields for a new conversation. The
// creator is auto-joined as the first participant.
type CreateConversationParams struct {
	Type            models.ConversationType
	Title           string
	Description     string
	MaxParticipants int
	CreatedBy       uuid.UUID
}

// Stats are the aggregate counts served by the public stats endpoint.
type Stats struct {
	AgentCount          int64      `json:"agentCount"`
	ActiveConversations int64      `json:"activeConversations"`
	MessageCount        int64      `json:"messageCount"`
	LastActivityAt      *time.Time `json:"lastActivityAt"`
}

// DataStore is the storage interface the handlers and middleware depend on.
// SQLiteStore is the only implementation; the interface keeps handlers
// testable against the store contract rather than the engine.
type DataStore interface {
	// Lifecycle
	Close() error
	Ping(ctx context.Context) error
	Flush() error

	// Agents
	CreateAgent(ctx context.Context, p CreateAgentParams) (*models.Agent, error)
	GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
	SetTrustLevel(ctx context.Context, id uuid.UUID, level models.TrustLevel) error

	// Tokens
	CreateToken(ctx context.Context, agentID uuid.UUID, tokenHash string, expiresAt time.Time) error
	GetAgentByTokenHash(ctx context.Context, tokenHash string) (*models.Agent, error)
	RotateTokens(ctx context.Context, agentID uuid.UUID, newHash string, expiresAt time.Time) error
	PurgeExpiredTokens(ctx context.Context) (int64, error)

	// Conversations & membership
	CreateConversation(ctx context.Context, p CreateConversationParams) (*models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.ConversationSummary, error)
	ArchiveConversation(ctx context.Context, id uuid.UUID) error
	JoinConversation(ctx context.Context, conversationID, agentID uuid.UUID) (alreadyMember bool, err error)
	IsParticipant(ctx context.Context, conversationID, agentID uuid.UUID) (bool, error)
	ParticipantCount(ctx context.Context, conversationID uuid.UUID) (int, error)

	// Messages
	CreateMessage(ctx context.Context, conversationID, authorID uuid.UUID, content string, replyTo *string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.MessageWithAuthor, error)

	// Stats
	Stats(ctx context.Context) (*Stats, error)
}
