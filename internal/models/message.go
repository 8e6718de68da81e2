package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is an immutable entry in a conversation's ordered log.
type Message struct {
	ID             string    `json:"id"` // ULID
	ConversationID uuid.UUID `json:"conversation_id"`
	AuthorID       uuid.UUID `json:"author_id"`
	Content        string    `json:"content"`
	ReplyTo        *string   `json:"reply_to"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageWithAuthor is a Message joined with the author's display name.
type MessageWithAuthor struct {
	Message
	AuthorName string `json:"author_name"`
}
