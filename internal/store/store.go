// Package store defines the persistence gateway the broker core writes
// through. Implementations are per-call atomic but not transactional across
// calls; the broker's bookkeeping accepts last-writer-wins on that basis.
package store

import (
	"context"

	"conduit/internal/model"
)

// Gateway is durable CRUD for client configuration, session metadata, and
// per-session message logs.
//
// Absence is a normal outcome, not an error: LoadConfig and LoadSession
// return (nil, nil) when no record exists, and DeleteSession reports whether
// a record was there to delete.
type Gateway interface {
	LoadConfig(ctx context.Context) (*model.ClientConfig, error)
	SaveConfig(ctx context.Context, cfg *model.ClientConfig) error

	SessionExists(ctx context.Context, sessionID string) (bool, error)
	LoadSession(ctx context.Context, sessionID string) (*model.SessionRecord, error)
	SaveSession(ctx context.Context, record *model.SessionRecord) error
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	LoadAllSessions(ctx context.Context) ([]model.SessionMetadata, error)

	AppendMessages(ctx context.Context, sessionID string, messages []model.PersistedMessage) error
	LoadMessages(ctx context.Context, sessionID string) ([]model.PersistedMessage, error)
}
