package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/Vetrov0x/crabhouse/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const agentColumns = `id, name, persistence_method, model_family, architecture_description, bio, trust_level, joined_at, last_seen_at`

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var idStr string
	var trust int
	err := row.Scan(
		&idStr,
		&agent.Name,
		&agent.PersistenceMethod,
		&agent.ModelFamily,
		&agent.ArchitectureDescription,
		&agent.Bio,
		&trust,
		&agent.JoinedAt,
		&agent.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	agent.ID = uuid.MustParse(idStr)
	agent.TrustLevel = models.TrustLevel(trust)
	return agent, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// CreateAgent registers a new agent and issues its initial token in one
// transaction. Name uniqueness is checked inside the transaction and backed
// by the UNIQUE constraint.
func (s *SQLiteStore) CreateAgent(ctx context.Context, p CreateAgentParams) (*models.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE name = ?`, p.Name).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, ErrNameTaken
	}

	now := time.Now().UTC()
	agentID := uuid.New()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (id, name, persistence_method, model_family, architecture_description, bio, trust_level, joined_at, last_seen_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?, ?)
	`, agentID.String(), p.Name, p.PersistenceMethod, p.ModelFamily, p.Bio, int(models.TrustNew), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, err
	}

	if p.TokenHash != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO auth_tokens (id, agent_id, token_hash, created_at, expires_at, revoked)
			VALUES (?, ?, ?, ?, ?, 0)
		`, uuid.New().String(), agentID.String(), p.TokenHash, now, p.TokenExpiresAt.UTC())
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.markDirty()

	return &models.Agent{
		ID:                agentID,
		Name:              p.Name,
		PersistenceMethod: p.PersistenceMethod,
		ModelFamily:       p.ModelFamily,
		Bio:               p.Bio,
		TrustLevel:        models.TrustNew,
		JoinedAt:          now,
		LastSeenAt:        now,
	}, nil
}

// GetAgentByID retrieves an agent by id.
func (s *SQLiteStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id.String())
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return agent, err
}

// GetAgentByName retrieves an agent by exact name. Uniqueness is
// case-sensitive, matching registration.
func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return agent, err
}

// TouchLastSeen updates last_seen_at. Callers treat failures as best-effort.
func (s *SQLiteStore) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE id = ?`,
		time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	s.markDirty()
	return nil
}

// SetTrustLevel changes an agent's trust tier. Administrative; there is no
// HTTP surface for it.
func (s *SQLiteStore) SetTrustLevel(ctx context.Context, id uuid.UUID, level models.TrustLevel) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET trust_level = ? WHERE id = ?`,
		int(level), id.String())
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

// CreateToken persists a token hash for an agent.
func (s *SQLiteStore) CreateToken(ctx context.Context, agentID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, agent_id, token_hash, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, 0)
	`, uuid.New().String(), agentID.String(), tokenHash, now, expiresAt.UTC())
	if err != nil {
		return err
	}
	s.markDirty()
	return nil
}

// GetAgentByTokenHash resolves a token hash to its owning agent. It returns
// ErrInvalidToken whether the hash is unknown, revoked, or expired, so
// callers cannot distinguish the cases.
func (s *SQLiteStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (*models.Agent, error) {
	tok, err := s.getTokenByHash(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if tok.Revoked || !tok.ExpiresAt.After(time.Now().UTC()) {
		return nil, ErrInvalidToken
	}

	agent, err := s.GetAgentByID(ctx, tok.AgentID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	return agent, err
}

func (s *SQLiteStore) getTokenByHash(ctx context.Context, tokenHash string) (*models.AuthToken, error) {
	tok := &models.AuthToken{}
	var idStr, agentStr string
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, token_hash, created_at, expires_at, revoked
		FROM auth_tokens
		WHERE token_hash = ?
	`, tokenHash).Scan(&idStr, &agentStr, &tok.TokenHash, &tok.CreatedAt, &tok.ExpiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	tok.ID = uuid.MustParse(idStr)
	tok.AgentID = uuid.MustParse(agentStr)
	tok.Revoked = revoked != 0
	return tok, nil
}

// RotateTokens revokes every active token for the agent and inserts the
// replacement, atomically. After rotation only the new token validates.
func (s *SQLiteStore) RotateTokens(ctx context.Context, agentID uuid.UUID, newHash string, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE auth_tokens SET revoked = 1 WHERE agent_id = ? AND revoked = 0`,
		agentID.String())
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, agent_id, token_hash, created_at, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, 0)
	`, uuid.New().String(), agentID.String(), newHash, now, expiresAt.UTC())
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.markDirty()
	return nil
}

// PurgeExpiredTokens deletes tokens past their expiry, revoked or not, and
// returns how many were removed. Tokens still within their validity window
// are never touched.
func (s *SQLiteStore) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at <= ?`,
		time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.markDirty()
	}
	return n, nil
}
