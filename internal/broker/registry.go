package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"conduit/internal/agentclient"
	"conduit/internal/ident"
	"conduit/internal/logging"
	"conduit/internal/model"
	"conduit/internal/store"
)

// SessionRegistry tracks every known session. Durable metadata in the
// gateway is the source of truth; runtime handles are an in-memory overlay
// that exists only while the agent connection is up.
type SessionRegistry struct {
	lifecycle  *LifecycleManager
	gateway    store.Gateway
	dispatcher *Dispatcher
	logger     logging.Logger
	tracer     trace.Tracer

	mu      sync.RWMutex
	handles map[string]RuntimeHandle
}

// NewSessionRegistry wires the registry to its collaborators.
func NewSessionRegistry(lifecycle *LifecycleManager, gateway store.Gateway, dispatcher *Dispatcher, logger logging.Logger) *SessionRegistry {
	return &SessionRegistry{
		lifecycle:  lifecycle,
		gateway:    gateway,
		dispatcher: dispatcher,
		logger:     logging.OrNop(logger),
		tracer:     otel.Tracer("conduit/broker"),
		handles:    make(map[string]RuntimeHandle),
	}
}

// CreateSession asks the connected agent for a new session, persists its
// metadata, and registers the event subscription. When the agent is not
// connected no durable record is created. If persistence fails the
// agent-side session is rolled back best-effort so the two sides cannot
// drift apart.
func (r *SessionRegistry) CreateSession(ctx context.Context, cfg model.SessionConfig, tools []model.ToolDefinition) (string, error) {
	ctx, span := r.tracer.Start(ctx, "registry.create_session")
	defer span.End()

	client, err := r.lifecycle.Client()
	if err != nil {
		return "", err
	}

	handle, err := client.CreateSession(ctx, cfg, tools)
	if err != nil {
		return "", fmt.Errorf("create agent session: %w", err)
	}
	sessionID := handle.SessionID()
	if sessionID == "" {
		sessionID = ident.NewSessionID()
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	if err := ctx.Err(); err != nil {
		r.rollbackRemote(client, sessionID)
		return "", err
	}

	now := time.Now()
	record := &model.SessionRecord{
		Metadata: model.SessionMetadata{
			SessionID:      sessionID,
			CreatedAt:      now,
			LastActivityAt: now,
			Config:         cfg,
		},
	}
	if err := r.gateway.SaveSession(ctx, record); err != nil {
		r.rollbackRemote(client, sessionID)
		return "", fmt.Errorf("persist session %s: %w", sessionID, err)
	}

	r.register(sessionID, handle)
	r.logger.Info("created session %s", sessionID)
	return sessionID, nil
}

// ResumeSession reattaches a runtime handle to an existing durable session.
// The durable record must already exist. A stale handle from a previous
// connection is replaced along with its subscription.
func (r *SessionRegistry) ResumeSession(ctx context.Context, sessionID string, opts agentclient.ResumeOptions) error {
	ctx, span := r.tracer.Start(ctx, "registry.resume_session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	client, err := r.lifecycle.Client()
	if err != nil {
		return err
	}
	meta, err := r.gateway.LoadSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if meta == nil {
		return NotFoundError(sessionID)
	}

	handle, err := client.ResumeSession(ctx, sessionID, opts)
	if err != nil {
		return fmt.Errorf("resume agent session %s: %w", sessionID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.register(sessionID, handle)
	r.touch(ctx, sessionID)
	r.logger.Info("resumed session %s", sessionID)
	return nil
}

// register installs the handle and its dispatcher subscription atomically
// with respect to other register/remove calls for the same id.
func (r *SessionRegistry) register(sessionID string, handle RuntimeHandle) {
	r.mu.Lock()
	r.handles[sessionID] = handle
	r.mu.Unlock()
	r.dispatcher.CreateSubscription(sessionID, handle)
}

// ListSessions returns durable metadata for every known session, newest
// activity first. The listing is advisory: a store failure yields an empty
// list rather than an error.
func (r *SessionRegistry) ListSessions(ctx context.Context) []model.SessionMetadata {
	metas, err := r.gateway.LoadAllSessions(ctx)
	if err != nil {
		r.logger.Warn("failed to list sessions: %v", err)
		return []model.SessionMetadata{}
	}
	if metas == nil {
		metas = []model.SessionMetadata{}
	}
	return metas
}

// GetSession returns the durable record, nil when the session is unknown.
func (r *SessionRegistry) GetSession(ctx context.Context, sessionID string) (*model.SessionRecord, error) {
	return r.gateway.LoadSession(ctx, sessionID)
}

// GetMessages returns the durable message log, nil when the session is unknown.
func (r *SessionRegistry) GetMessages(ctx context.Context, sessionID string) ([]model.PersistedMessage, error) {
	return r.gateway.LoadMessages(ctx, sessionID)
}

// RemoveSession deletes a session everywhere it is known, in strict order:
// event subscription, runtime handle, agent side, then the durable record.
// Reports whether a durable record existed.
func (r *SessionRegistry) RemoveSession(ctx context.Context, sessionID string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "registry.remove_session",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	r.dispatcher.RemoveSubscription(sessionID)

	r.mu.Lock()
	_, hadHandle := r.handles[sessionID]
	delete(r.handles, sessionID)
	r.mu.Unlock()

	if hadHandle {
		if client, err := r.lifecycle.Client(); err == nil {
			if err := client.DeleteSession(ctx, sessionID); err != nil {
				r.logger.Warn("agent-side delete of session %s failed: %v", sessionID, err)
			}
		}
	}

	existed, err := r.gateway.DeleteSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if existed {
		r.logger.Info("removed session %s", sessionID)
	}
	return existed, nil
}

// AppendMessages writes message content to the durable log. Unlike the
// bookkeeping updates, a failure here is surfaced to the caller.
func (r *SessionRegistry) AppendMessages(ctx context.Context, sessionID string, messages []model.PersistedMessage) error {
	if len(messages) == 0 {
		return nil
	}
	if err := r.gateway.AppendMessages(ctx, sessionID, messages); err != nil {
		return fmt.Errorf("append messages to session %s: %w", sessionID, err)
	}
	r.updateMetadata(ctx, sessionID, func(meta *model.SessionMetadata) {
		meta.MessageCount += len(messages)
		meta.LastActivityAt = time.Now()
	})
	return nil
}

// IncrementMessageCount bumps the session's message counter. Best effort.
func (r *SessionRegistry) IncrementMessageCount(ctx context.Context, sessionID string, delta int) {
	r.updateMetadata(ctx, sessionID, func(meta *model.SessionMetadata) {
		meta.MessageCount += delta
		meta.LastActivityAt = time.Now()
	})
}

// UpdateLastActivity stamps the session's activity time. Best effort.
func (r *SessionRegistry) UpdateLastActivity(ctx context.Context, sessionID string) {
	r.touch(ctx, sessionID)
}

// UpdateSummary replaces the session's summary text. Best effort.
func (r *SessionRegistry) UpdateSummary(ctx context.Context, sessionID, summary string) {
	r.updateMetadata(ctx, sessionID, func(meta *model.SessionMetadata) {
		meta.Summary = summary
	})
}

// SyncFromExternalList records sessions the agent knows about that have no
// durable record yet. Existing records are never modified. Returns how many
// records were created.
func (r *SessionRegistry) SyncFromExternalList(ctx context.Context, remote []agentclient.RemoteSessionInfo) (int, error) {
	created := 0
	for _, info := range remote {
		if info.SessionID == "" {
			continue
		}
		exists, err := r.gateway.SessionExists(ctx, info.SessionID)
		if err != nil {
			return created, fmt.Errorf("check session %s: %w", info.SessionID, err)
		}
		if exists {
			continue
		}
		createdAt := info.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		record := &model.SessionRecord{
			Metadata: model.SessionMetadata{
				SessionID:      info.SessionID,
				CreatedAt:      createdAt,
				LastActivityAt: createdAt,
				MessageCount:   info.MessageCount,
				Summary:        info.Summary,
				IsRemote:       true,
			},
		}
		if err := r.gateway.SaveSession(ctx, record); err != nil {
			r.logger.Warn("failed to record remote session %s: %v", info.SessionID, err)
			continue
		}
		created++
	}
	if created > 0 {
		r.logger.Info("recorded %d remote session(s)", created)
	}
	return created, nil
}

// IsSessionActive reports whether a runtime handle exists for the session.
func (r *SessionRegistry) IsSessionActive(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handles[sessionID]
	return ok
}

// ActiveSessions returns the ids of sessions with a live runtime handle.
func (r *SessionRegistry) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// DropRuntimeState disposes every subscription and handle without touching
// durable records. Called when the agent connection goes away.
func (r *SessionRegistry) DropRuntimeState() {
	r.dispatcher.Shutdown()
	r.mu.Lock()
	r.handles = make(map[string]RuntimeHandle)
	r.mu.Unlock()
}

func (r *SessionRegistry) touch(ctx context.Context, sessionID string) {
	r.updateMetadata(ctx, sessionID, func(meta *model.SessionMetadata) {
		meta.LastActivityAt = time.Now()
	})
}

// updateMetadata applies a read-modify-write to the durable metadata.
// Bookkeeping writes warn and continue on failure; message content and
// deletion take the strict path instead.
func (r *SessionRegistry) updateMetadata(ctx context.Context, sessionID string, mutate func(*model.SessionMetadata)) {
	record, err := r.gateway.LoadSession(ctx, sessionID)
	if err != nil {
		r.logger.Warn("metadata update load for session %s failed: %v", sessionID, err)
		return
	}
	if record == nil {
		r.logger.Warn("metadata update for unknown session %s", sessionID)
		return
	}
	mutate(&record.Metadata)
	if err := r.gateway.SaveSession(ctx, record); err != nil {
		r.logger.Warn("metadata update save for session %s failed: %v", sessionID, err)
	}
}

func (r *SessionRegistry) rollbackRemote(client AgentConn, sessionID string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.DeleteSession(ctx, sessionID); err != nil {
		r.logger.Warn("rollback of agent session %s failed: %v", sessionID, err)
	}
}
