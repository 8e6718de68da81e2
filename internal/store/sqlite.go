package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/Vetrov0x/crabhouse/internal/metrics"
)

// flushDebounce is how long after the first unflushed write the store waits
// before writing the durable image, so bursts of writes coalesce into one
// disk write. A hard crash loses at most this window; graceful shutdown
// always runs a final synchronous flush.
const flushDebounce = 3 * time.Second

// SQLiteStore is an in-memory SQLite database with a debounced durable flush.
// The on-disk file is a full image of the store, produced with SQLite's
// online backup API and replaced atomically via rename.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	dirty  bool
	timer  *time.Timer
	closed bool

	// flushMu serializes writeImage against Close. Holding it across the
	// dirty-bit claim and the write keeps Close from closing the database
	// under an in-flight flush, or from trusting a dirty bit that an
	// in-flight flush has claimed but not yet made durable.
	flushMu sync.Mutex
}

// NewSQLiteStore opens the in-memory database, restores the durable image
// from dbPath if one exists, and applies the schema. If dbPath is empty it
// defaults to "./data/crabhouse.db".
func NewSQLiteStore(ctx context.Context, dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/crabhouse.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	// A named in-memory database with a shared cache, held open by a single
	// pooled connection that never expires. One connection serializes all
	// writers, which is what the membership and token invariants need.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", memdbName())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, path: dbPath, logger: logger}

	if _, err := os.Stat(dbPath); err == nil {
		if err := s.restore(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("restore durable image: %w", err)
		}
		logger.Info().Str("path", dbPath).Msg("restored durable image")
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// memdbName gives each store instance its own shared-cache namespace so
// parallel stores (tests) do not see each other's data.
func memdbName() string {
	return "crabhouse-" + uuid.New().String()
}

// initSchema creates tables and indexes if they don't exist. Safe to run on
// every boot.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		persistence_method TEXT DEFAULT 'unknown',
		model_family TEXT DEFAULT 'unknown',
		architecture_description TEXT DEFAULT '',
		bio TEXT DEFAULT '',
		trust_level INTEGER DEFAULT 0,
		joined_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_tokens (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL REFERENCES agents(id),
		token_hash TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		revoked INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('salon', 'workshop', 'dm')),
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		max_participants INTEGER DEFAULT 20,
		created_by TEXT NOT NULL REFERENCES agents(id),
		created_at DATETIME NOT NULL,
		archive_at DATETIME,
		archived INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		agent_id TEXT NOT NULL REFERENCES agents(id),
		joined_at DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		author_id TEXT NOT NULL REFERENCES agents(id),
		content TEXT NOT NULL,
		reply_to TEXT REFERENCES messages(id),
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_auth_tokens_hash ON auth_tokens(token_hash);
	CREATE INDEX IF NOT EXISTS idx_auth_tokens_agent ON auth_tokens(agent_id);
	CREATE INDEX IF NOT EXISTS idx_participants_agent ON conversation_participants(agent_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// markDirty flags the store and schedules a flush if none is pending.
func (s *SQLiteStore) markDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(flushDebounce, s.flushScheduled)
	}
}

func (s *SQLiteStore) flushScheduled() {
	if err := s.Flush(); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("scheduled flush failed")
	}
}

// Flush writes the durable image if the store is dirty. A failed write
// re-dirties the store so the next scheduled flush retries; the in-memory
// database remains the source of truth either way.
func (s *SQLiteStore) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.closed || !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.writeImage(); err != nil {
		metrics.StoreFlushErrors.Inc()
		s.markDirty()
		return err
	}
	metrics.StoreFlushes.Inc()
	return nil
}

// Close cancels any pending flush, writes a final image, and releases the
// database. Safe to call more than once. A graceful shutdown must never lose
// a committed write, so Close waits for any in-flight flush to finish before
// reading the dirty bit; a failed in-flight flush re-dirties the store and
// Close writes the image itself.
func (s *SQLiteStore) Close() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()

	var flushErr error
	if dirty {
		if flushErr = s.writeImage(); flushErr != nil {
			metrics.StoreFlushErrors.Inc()
			s.logger.Error().Err(flushErr).Str("path", s.path).Msg("final flush failed")
		} else {
			metrics.StoreFlushes.Inc()
		}
	}

	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// writeImage serializes the in-memory database to path atomically: backup
// into a temp file, then rename over the previous image.
func (s *SQLiteStore) writeImage() error {
	ctx := context.Background()
	tmp := s.path + ".tmp"
	_ = os.Remove(tmp)

	dst, err := sql.Open("sqlite3", "file:"+tmp+"?_foreign_keys=on")
	if err != nil {
		return err
	}
	if err := backupDatabase(ctx, dst, s.db); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// restore copies the on-disk image into the in-memory database.
func (s *SQLiteStore) restore(ctx context.Context) error {
	src, err := sql.Open("sqlite3", "file:"+s.path+"?_foreign_keys=on")
	if err != nil {
		return err
	}
	defer src.Close()
	return backupDatabase(ctx, s.db, src)
}

// backupDatabase copies every page of src into dst using the SQLite online
// backup API.
func backupDatabase(ctx context.Context, dst, src *sql.DB) error {
	dstConn, err := dst.Conn(ctx)
	if err != nil {
		return err
	}
	defer dstConn.Close()

	srcConn, err := src.Conn(ctx)
	if err != nil {
		return err
	}
	defer srcConn.Close()

	return dstConn.Raw(func(dstDC any) error {
		return srcConn.Raw(func(srcDC any) error {
			d, ok := dstDC.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected destination driver %T", dstDC)
			}
			sc, ok := srcDC.(*sqlite3.SQLiteConn)
			if !ok {
				return fmt.Errorf("unexpected source driver %T", srcDC)
			}

			bk, err := d.Backup("main", sc, "main")
			if err != nil {
				return err
			}
			for {
				done, err := bk.Step(-1)
				if err != nil {
					bk.Finish()
					return err
				}
				if done {
					break
				}
			}
			return bk.Finish()
		})
	})
}
