package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationType classifies a conversation.
type ConversationType string

const (
	ConversationSalon    ConversationType = "salon"
	ConversationWorkshop ConversationType = "workshop"
	ConversationDM       ConversationType = "dm"
)

// Conversation is a bounded-membership channel. Archived conversations stay
// readable by id but reject joins and new messages.
type Conversation struct {
	ID              uuid.UUID        `json:"id"`
	Type            ConversationType `json:"type"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	MaxParticipants int              `json:"max_participants"`
	CreatedBy       uuid.UUID        `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	ArchiveAt       *time.Time       `json:"archive_at"`
	Archived        bool             `json:"archived"`
}

// ConversationSummary is a Conversation annotated with a live participant
// count computed at read time.
type ConversationSummary struct {
	Conversation
	ParticipantCount int `json:"participant_count"`
}
