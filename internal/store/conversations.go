package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/Vetrov0x/crabhouse/internal/models"
)

// maxMessageLength is the hard cap on stored message content, in runes.
const maxMessageLength = 10000

const conversationColumns = `id, type, title, description, max_participants, created_by, created_at, archive_at, archived`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var idStr, createdByStr, typeStr string
	var archiveAt sql.NullTime
	var archived int
	err := row.Scan(
		&idStr,
		&typeStr,
		&conv.Title,
		&conv.Description,
		&conv.MaxParticipants,
		&createdByStr,
		&conv.CreatedAt,
		&archiveAt,
		&archived,
	)
	if err != nil {
		return nil, err
	}
	conv.ID = uuid.MustParse(idStr)
	conv.Type = models.ConversationType(typeStr)
	conv.CreatedBy = uuid.MustParse(createdByStr)
	conv.Archived = archived != 0
	if archiveAt.Valid {
		t := archiveAt.Time
		conv.ArchiveAt = &t
	}
	return conv, nil
}

// CreateConversation persists a conversation and auto-joins the creator as
// its first participant, in one transaction.
func (s *SQLiteStore) CreateConversation(ctx context.Context, p CreateConversationParams) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	id := uuid.New()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, title, description, max_participants, created_by, created_at, archive_at, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0)
	`, id.String(), string(p.Type), p.Title, p.Description, p.MaxParticipants, p.CreatedBy.String(), now)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, agent_id, joined_at)
		VALUES (?, ?, ?)
	`, id.String(), p.CreatedBy.String(), now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.markDirty()

	return &models.Conversation{
		ID:              id,
		Type:            p.Type,
		Title:           p.Title,
		Description:     p.Description,
		MaxParticipants: p.MaxParticipants,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       now,
	}, nil
}

// GetConversation retrieves a conversation by id, archived or not.
func (s *SQLiteStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return conv, err
}

// ListConversations returns non-archived conversations, newest first, each
// with a participant count computed at read time.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.title, c.description, c.max_participants, c.created_by, c.created_at, c.archive_at, c.archived,
		       COUNT(cp.agent_id) AS participant_count
		FROM conversations c
		LEFT JOIN conversation_participants cp ON c.id = cp.conversation_id
		WHERE c.archived = 0
		GROUP BY c.id
		ORDER BY c.created_at DESC, c.id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []models.ConversationSummary{}
	for rows.Next() {
		var sum models.ConversationSummary
		var idStr, createdByStr, typeStr string
		var archiveAt sql.NullTime
		var archived int
		err := rows.Scan(
			&idStr,
			&typeStr,
			&sum.Title,
			&sum.Description,
			&sum.MaxParticipants,
			&createdByStr,
			&sum.CreatedAt,
			&archiveAt,
			&archived,
			&sum.ParticipantCount,
		)
		if err != nil {
			return nil, err
		}
		sum.ID = uuid.MustParse(idStr)
		sum.Type = models.ConversationType(typeStr)
		sum.CreatedBy = uuid.MustParse(createdByStr)
		sum.Archived = archived != 0
		if archiveAt.Valid {
			t := archiveAt.Time
			sum.ArchiveAt = &t
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// ArchiveConversation freezes a conversation for joining and posting. There
// is no unarchive.
func (s *SQLiteStore) ArchiveConversation(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET archived = 1, archive_at = ? WHERE id = ?
	`, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.markDirty()
	return nil
}

// JoinConversation adds the agent to the conversation. The archived check,
// the capacity check, and the insert run in one transaction so concurrent
// joins cannot overfill a conversation. Joining twice is a no-op success.
func (s *SQLiteStore) JoinConversation(ctx context.Context, conversationID, agentID uuid.UUID) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var maxParticipants, archived int
	err = tx.QueryRowContext(ctx, `
		SELECT max_participants, archived FROM conversations WHERE id = ?
	`, conversationID.String()).Scan(&maxParticipants, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if archived != 0 {
		return false, ErrConversationArchived
	}

	var member int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND agent_id = ?
	`, conversationID.String(), agentID.String()).Scan(&member)
	if err != nil {
		return false, err
	}
	if member > 0 {
		return true, tx.Commit()
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ?
	`, conversationID.String()).Scan(&count)
	if err != nil {
		return false, err
	}
	if count >= maxParticipants {
		return false, ErrConversationFull
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, agent_id, joined_at)
		VALUES (?, ?, ?)
	`, conversationID.String(), agentID.String(), time.Now().UTC())
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	s.markDirty()
	return false, nil
}

// IsParticipant reports whether the agent belongs to the conversation.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, agentID uuid.UUID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND agent_id = ?
	`, conversationID.String(), agentID.String()).Scan(&count)
	return count > 0, err
}

// ParticipantCount returns the live membership count.
func (s *SQLiteStore) ParticipantCount(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ?
	`, conversationID.String()).Scan(&count)
	return count, err
}

// sanitizeContent strips null bytes and caps length at maxMessageLength
// runes.
func sanitizeContent(content string) string {
	content = strings.ReplaceAll(content, "\x00", "")
	runes := []rune(content)
	if len(runes) > maxMessageLength {
		content = string(runes[:maxMessageLength])
	}
	return content
}

// CreateMessage appends a message to a conversation's log. The conversation
// must exist and be open, the author must be a participant, and replyTo, if
// set, must reference a message in the same conversation.
func (s *SQLiteStore) CreateMessage(ctx context.Context, conversationID, authorID uuid.UUID, content string, replyTo *string) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var archived int
	err = tx.QueryRowContext(ctx, `SELECT archived FROM conversations WHERE id = ?`,
		conversationID.String()).Scan(&archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if archived != 0 {
		return nil, ErrConversationArchived
	}

	var member int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND agent_id = ?
	`, conversationID.String(), authorID.String()).Scan(&member)
	if err != nil {
		return nil, err
	}
	if member == 0 {
		return nil, ErrNotMember
	}

	if replyTo != nil {
		var replyInConv int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages WHERE id = ? AND conversation_id = ?
		`, *replyTo, conversationID.String()).Scan(&replyInConv)
		if err != nil {
			return nil, err
		}
		if replyInConv == 0 {
			return nil, ErrInvalidReply
		}
	}

	now := time.Now().UTC()
	id := ulid.Make().String()
	content = sanitizeContent(content)

	var replyVal any
	if replyTo != nil {
		replyVal = *replyTo
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, author_id, content, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, conversationID.String(), authorID.String(), content, replyVal, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.markDirty()

	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		ReplyTo:        replyTo,
		CreatedAt:      now,
	}, nil
}

// ListMessages returns messages ascending by creation time (ULID ids break
// equal-timestamp ties in insertion order), joined with the author's name.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.MessageWithAuthor, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.author_id, m.content, m.reply_to, m.created_at, a.name
		FROM messages m
		JOIN agents a ON m.author_id = a.id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ? OFFSET ?
	`, conversationID.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.MessageWithAuthor{}
	for rows.Next() {
		var msg models.MessageWithAuthor
		var convStr, authorStr string
		var replyTo sql.NullString
		err := rows.Scan(
			&msg.ID,
			&convStr,
			&authorStr,
			&msg.Content,
			&replyTo,
			&msg.CreatedAt,
			&msg.AuthorName,
		)
		if err != nil {
			return nil, err
		}
		msg.ConversationID = uuid.MustParse(convStr)
		msg.AuthorID = uuid.MustParse(authorStr)
		if replyTo.Valid {
			r := replyTo.String
			msg.ReplyTo = &r
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Stats returns the aggregate counts for the public stats endpoint.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&stats.AgentCount); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE archived = 0`).Scan(&stats.ActiveConversations); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.MessageCount); err != nil {
		return nil, err
	}

	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&last); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		stats.LastActivityAt = &t
	}
	return stats, nil
}
