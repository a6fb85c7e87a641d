// Package filestore is the legacy file-backed gateway: config.json plus one
// JSON document per session under a base directory. It remains a complete
// Gateway implementation so the daemon can run without Postgres, and its read
// side is what migration drains into the authoritative store.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"conduit/internal/logging"
	"conduit/internal/model"
)

const configFileName = "config.json"

// Session ids become filenames, so anything that could traverse out of the
// base directory is rejected before it reaches the filesystem.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func isSafeSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

type Store struct {
	baseDir string
	logger  logging.Logger
}

// New creates a file-backed gateway rooted at baseDir.
func New(baseDir string) *Store {
	if strings.HasPrefix(baseDir, "~/") {
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, baseDir[2:])
	}
	_ = os.MkdirAll(baseDir, 0755) // directory may already exist
	return &Store{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("SessionFileStore"),
	}
}

// LoadConfig reads config.json, returning nil when the file does not exist.
func (s *Store) LoadConfig(ctx context.Context) (*model.ClientConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, configFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cfg model.ClientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes config.json.
func (s *Store) SaveConfig(ctx context.Context, cfg *model.ClientConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("client config cannot be nil")
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.baseDir, configFileName), data, 0644)
}

// SessionExists checks for the session's record file.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !isSafeSessionID(sessionID) {
		return false, fmt.Errorf("invalid session ID")
	}
	_, err := os.Stat(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LoadSession reads the full record, returning nil when absent. A record
// whose file predates the session_id field gets the id filled in from the
// filename.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isSafeSessionID(sessionID) {
		return nil, fmt.Errorf("invalid session ID")
	}
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var record model.SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Error("failed to decode session file %s: %v. Preview: %s", sessionID, err, previewJSON(data))
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if record.Metadata.SessionID == "" {
		record.Metadata.SessionID = sessionID
	}
	return &record, nil
}

// SaveSession writes the full record to <id>.json.
func (s *Store) SaveSession(ctx context.Context, record *model.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil || record.Metadata.SessionID == "" {
		return fmt.Errorf("session record requires a session id")
	}
	if !isSafeSessionID(record.Metadata.SessionID) {
		return fmt.Errorf("invalid session ID")
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.sessionPath(record.Metadata.SessionID), data, 0644)
}

// DeleteSession removes the record file, reporting whether it existed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !isSafeSessionID(sessionID) {
		return false, fmt.Errorf("invalid session ID")
	}
	err := os.Remove(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// LoadAllSessions reads metadata for every record file, skipping ones that
// fail to decode so a single corrupt file cannot hide the rest.
func (s *Store) LoadAllSessions(ctx context.Context) ([]model.SessionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var metas []model.SessionMetadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == configFileName {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		record, err := s.LoadSession(ctx, sessionID)
		if err != nil {
			s.logger.Warn("skipping session file %s: %v", entry.Name(), err)
			continue
		}
		if record != nil {
			metas = append(metas, record.Metadata)
		}
	}
	return metas, nil
}

// ListSessionIDs enumerates the ids of every record file without decoding
// them. Migration uses it to iterate the legacy generation cheaply.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == configFileName {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return ids, nil
}

// AppendMessages appends to the record's message log with a read-modify-write
// of the whole file, bumping LastActivityAt alongside.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, messages []model.PersistedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if record == nil {
		record = &model.SessionRecord{
			Metadata: model.SessionMetadata{SessionID: sessionID, CreatedAt: time.Now()},
		}
	}
	record.Messages = append(record.Messages, messages...)
	record.Metadata.LastActivityAt = time.Now()
	return s.SaveSession(ctx, record)
}

// LoadMessages returns the record's message log, nil when the session is absent.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]model.PersistedMessage, error) {
	record, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return record.Messages, nil
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.json", sessionID))
}

func previewJSON(data []byte) string {
	const maxPreview = 512
	preview := strings.TrimSpace(string(data))
	preview = strings.ReplaceAll(preview, "\n", " ")
	preview = strings.ReplaceAll(preview, "\t", " ")
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "... (truncated)"
	}
	return preview
}
