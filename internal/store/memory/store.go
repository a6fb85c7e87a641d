// Package memory provides a map-backed gateway for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"conduit/internal/model"
)

// Store implements store.Gateway entirely in memory.
type Store struct {
	mu       sync.RWMutex
	config   *model.ClientConfig
	sessions map[string]*model.SessionRecord

	// write counters let migration tests assert idempotence directly.
	configWrites  int
	sessionWrites int
}

// New returns an empty in-memory gateway.
func New() *Store {
	return &Store{sessions: make(map[string]*model.SessionRecord)}
}

// LoadConfig returns the stored config, or nil when none was saved.
func (s *Store) LoadConfig(ctx context.Context) (*model.ClientConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Clone(), nil
}

// SaveConfig replaces the singleton config record.
func (s *Store) SaveConfig(ctx context.Context, cfg *model.ClientConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg.Clone()
	s.configWrites++
	return nil
}

// SessionExists reports whether a record exists for the id.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok, nil
}

// LoadSession returns a copy of the record, or nil when absent.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

// SaveSession upserts the full record.
func (s *Store) SaveSession(ctx context.Context, record *model.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[record.Metadata.SessionID] = copyRecord(record)
	s.sessionWrites++
	return nil
}

// DeleteSession removes the record, reporting whether one existed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	return ok, nil
}

// LoadAllSessions returns metadata for every stored session, newest activity first.
func (s *Store) LoadAllSessions(ctx context.Context) ([]model.SessionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]model.SessionMetadata, 0, len(s.sessions))
	for _, rec := range s.sessions {
		metas = append(metas, rec.Metadata)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].LastActivityAt.After(metas[j].LastActivityAt)
	})
	return metas, nil
}

// AppendMessages appends to the session's message log.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, messages []model.PersistedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		rec = &model.SessionRecord{Metadata: model.SessionMetadata{SessionID: sessionID}}
		s.sessions[sessionID] = rec
	}
	rec.Messages = append(rec.Messages, messages...)
	s.sessionWrites++
	return nil
}

// LoadMessages returns the session's message log in insertion order.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]model.PersistedMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make([]model.PersistedMessage, len(rec.Messages))
	copy(out, rec.Messages)
	return out, nil
}

// WriteCounts reports (config writes, session writes) since construction.
func (s *Store) WriteCounts() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configWrites, s.sessionWrites
}

func copyRecord(rec *model.SessionRecord) *model.SessionRecord {
	if rec == nil {
		return nil
	}
	out := &model.SessionRecord{Metadata: rec.Metadata}
	if rec.Messages != nil {
		out.Messages = make([]model.PersistedMessage, len(rec.Messages))
		copy(out.Messages, rec.Messages)
	}
	return out
}
