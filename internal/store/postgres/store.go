// Package postgres is the authoritative gateway backend: one row per session
// with JSONB metadata, an append-only message table, and a single-row config
// table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"conduit/internal/logging"
	"conduit/internal/model"
)

const (
	configTable   = "broker_config"
	sessionTable  = "broker_sessions"
	messagesTable = "broker_messages"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store implements store.Gateway on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Postgres-backed gateway.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresGateway"),
	}
}

// EnsureSchema creates the broker tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres gateway not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    config JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
    id TEXT PRIMARY KEY,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    last_activity_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_broker_sessions_activity ON %[2]s (last_activity_at DESC);
CREATE TABLE IF NOT EXISTS %[3]s (
    seq BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES %[2]s (id) ON DELETE CASCADE,
    message JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_broker_messages_session ON %[3]s (session_id, seq);
`, configTable, sessionTable, messagesTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// LoadConfig reads the singleton config row, nil when none exists.
func (s *Store) LoadConfig(ctx context.Context) (*model.ClientConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT config FROM %s WHERE id = 1`, configTable)

	var configJSON []byte
	err := s.pool.QueryRow(ctx, query).Scan(&configJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var cfg model.ClientConfig
	if err := json.Unmarshal(configJSON, &cfg); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig upserts the singleton config row.
func (s *Store) SaveConfig(ctx context.Context, cfg *model.ClientConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("client config cannot be nil")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode client config: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, config, updated_at) VALUES (1, $1::jsonb, $2)
ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at
`, configTable)
	_, err = s.pool.Exec(ctx, query, data, time.Now())
	return err
}

// SessionExists reports whether a session row exists.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !isSafeSessionID(sessionID) {
		return false, fmt.Errorf("invalid session ID")
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, sessionTable)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// LoadSession reads metadata and the full message log, nil when absent.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	meta, err := s.loadMetadata(ctx, sessionID)
	if err != nil || meta == nil {
		return nil, err
	}
	messages, err := s.LoadMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &model.SessionRecord{Metadata: *meta, Messages: messages}, nil
}

// SaveSession upserts metadata and appends any messages carried on the
// record that are not yet stored. Migration relies on this being one logical
// write for a fresh record.
func (s *Store) SaveSession(ctx context.Context, record *model.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("session record cannot be nil")
	}
	meta := record.Metadata
	if !isSafeSessionID(meta.SessionID) {
		return fmt.Errorf("invalid session ID")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}
	if meta.LastActivityAt.IsZero() {
		meta.LastActivityAt = meta.CreatedAt
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, metadata, created_at, last_activity_at)
VALUES ($1, $2::jsonb, $3, $4)
ON CONFLICT (id) DO UPDATE SET metadata = EXCLUDED.metadata, last_activity_at = EXCLUDED.last_activity_at
`, sessionTable)
	if _, err := s.pool.Exec(ctx, query, meta.SessionID, data, meta.CreatedAt, meta.LastActivityAt); err != nil {
		logging.OrNop(s.logger).Error("failed to persist session %s: %v", meta.SessionID, err)
		return err
	}

	if len(record.Messages) > 0 {
		stored, err := s.messageCount(ctx, meta.SessionID)
		if err != nil {
			return err
		}
		if stored < len(record.Messages) {
			return s.AppendMessages(ctx, meta.SessionID, record.Messages[stored:])
		}
	}
	return nil
}

// DeleteSession removes the session row (messages cascade) and reports
// whether a row existed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !isSafeSessionID(sessionID) {
		return false, fmt.Errorf("invalid session ID")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, sessionTable)
	tag, err := s.pool.Exec(ctx, query, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// LoadAllSessions returns every session's metadata, newest activity first.
func (s *Store) LoadAllSessions(ctx context.Context) ([]model.SessionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT metadata FROM %s ORDER BY last_activity_at DESC`, sessionTable)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []model.SessionMetadata
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var meta model.SessionMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return metas, nil
}

// AppendMessages inserts messages in order within a single transaction.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, messages []model.PersistedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isSafeSessionID(sessionID) {
		return fmt.Errorf("invalid session ID")
	}
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`INSERT INTO %s (session_id, message, created_at) VALUES ($1, $2::jsonb, $3)`, messagesTable)
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := tx.Exec(ctx, query, sessionID, data, ts); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// LoadMessages returns the message log in insertion order.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]model.PersistedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isSafeSessionID(sessionID) {
		return nil, fmt.Errorf("invalid session ID")
	}
	query := fmt.Sprintf(`SELECT message FROM %s WHERE session_id = $1 ORDER BY seq`, messagesTable)
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []model.PersistedMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var msg model.PersistedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) loadMetadata(ctx context.Context, sessionID string) (*model.SessionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isSafeSessionID(sessionID) {
		return nil, fmt.Errorf("invalid session ID")
	}
	query := fmt.Sprintf(`SELECT metadata FROM %s WHERE id = $1`, sessionTable)
	var data []byte
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var meta model.SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	return &meta, nil
}

func (s *Store) messageCount(ctx context.Context, sessionID string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE session_id = $1`, messagesTable)
	var count int
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func isSafeSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
