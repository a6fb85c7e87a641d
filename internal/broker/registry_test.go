package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/agentclient"
	"conduit/internal/logging"
	"conduit/internal/model"
	"conduit/internal/store/memory"
)

type registryFixture struct {
	conn       *fakeConn
	gateway    *memory.Store
	sink       *recordingSink
	dispatcher *Dispatcher
	lifecycle  *LifecycleManager
	registry   *SessionRegistry
}

func newRegistryFixture(t *testing.T, connected bool) *registryFixture {
	t.Helper()
	conn := newFakeConn()
	gateway := memory.New()
	sink := &recordingSink{}
	dispatcher := NewDispatcher(sink, logging.Nop())
	dial := func(cfg *model.ClientConfig, logger logging.Logger) AgentConn { return conn }
	lifecycle := NewLifecycleManager(testConfig(), dial, gateway, logging.Nop())
	registry := NewSessionRegistry(lifecycle, gateway, dispatcher, logging.Nop())

	if connected {
		require.NoError(t, lifecycle.Start(context.Background()))
	}
	return &registryFixture{
		conn:       conn,
		gateway:    gateway,
		sink:       sink,
		dispatcher: dispatcher,
		lifecycle:  lifecycle,
		registry:   registry,
	}
}

func TestRegistryCreateSession(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	sessionID, err := f.registry.CreateSession(ctx, model.SessionConfig{Model: "sonnet"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	// Durable record exists with the session's config.
	record, err := f.gateway.LoadSession(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "sonnet", record.Metadata.Config.Model)
	assert.False(t, record.Metadata.CreatedAt.IsZero())

	// Runtime handle and subscription are live.
	assert.True(t, f.registry.IsSessionActive(sessionID))
	assert.True(t, f.dispatcher.HasSubscription(sessionID))

	// Events from the handle land in the sink under the session's group.
	f.conn.handles[sessionID].emit(agentclient.Event{Kind: agentclient.KindDelta, Type: "message.delta"})
	records := f.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, sessionID, records[0].group)
}

func TestRegistryCreateSessionWhileDisconnected(t *testing.T) {
	f := newRegistryFixture(t, false)
	ctx := context.Background()

	_, err := f.registry.CreateSession(ctx, model.SessionConfig{}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	// No durable record may exist after the failure.
	metas, err := f.gateway.LoadAllSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)
	assert.Equal(t, 0, f.dispatcher.ActiveSubscriptions())
}

func TestRegistryCreateSessionRollsBackOnPersistFailure(t *testing.T) {
	f := newRegistryFixture(t, true)

	// A cancelled context after the agent-side create must not leave a
	// registered handle or subscription behind.
	ctx, cancel := context.WithCancel(context.Background())
	f.conn.createFn = func() error {
		cancel()
		return nil
	}

	_, err := f.registry.CreateSession(ctx, model.SessionConfig{}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, f.dispatcher.ActiveSubscriptions())
	assert.Empty(t, f.registry.ActiveSessions())
	assert.NotEmpty(t, f.conn.deletedSessions(), "agent-side session must be rolled back")

	// No durable record may survive the aborted create.
	metas, err := f.gateway.LoadAllSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestRegistryResumeCancelledMidFlight(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.gateway.SaveSession(ctx, &model.SessionRecord{
		Metadata: model.SessionMetadata{SessionID: "session-cold", CreatedAt: time.Now()},
	}))

	// Cancel between the agent-side resume and registration; no handle or
	// subscription may be left behind.
	cctx, cancel := context.WithCancel(context.Background())
	f.conn.resumeFn = func() error {
		cancel()
		return nil
	}

	err := f.registry.ResumeSession(cctx, "session-cold", agentclient.ResumeOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.dispatcher.ActiveSubscriptions())
	assert.False(t, f.registry.IsSessionActive("session-cold"))
}

func TestRegistryResumeSession(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	sessionID, err := f.registry.CreateSession(ctx, model.SessionConfig{}, nil)
	require.NoError(t, err)
	staleHandle := f.conn.handles[sessionID]

	require.NoError(t, f.registry.ResumeSession(ctx, sessionID, agentclient.ResumeOptions{}))
	assert.True(t, f.registry.IsSessionActive(sessionID))

	// The stale handle's subscription was replaced; its events vanish.
	staleHandle.emit(agentclient.Event{Kind: agentclient.KindDelta, Type: "message.delta"})
	assert.Empty(t, f.sink.all())

	f.conn.handles[sessionID].emit(agentclient.Event{Kind: agentclient.KindDelta, Type: "message.delta"})
	assert.Len(t, f.sink.all(), 1)
}

func TestRegistryResumeUnknownSession(t *testing.T) {
	f := newRegistryFixture(t, true)
	err := f.registry.ResumeSession(context.Background(), "session-ghost", agentclient.ResumeOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryResumeWhileDisconnected(t *testing.T) {
	f := newRegistryFixture(t, false)
	err := f.registry.ResumeSession(context.Background(), "session-any", agentclient.ResumeOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegistryRemoveSession(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	sessionID, err := f.registry.CreateSession(ctx, model.SessionConfig{}, nil)
	require.NoError(t, err)

	existed, err := f.registry.RemoveSession(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, existed)

	assert.False(t, f.registry.IsSessionActive(sessionID))
	assert.False(t, f.dispatcher.HasSubscription(sessionID))
	assert.Contains(t, f.conn.deletedSessions(), sessionID)

	record, err := f.gateway.LoadSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Nil(t, record)

	// Removing again reports absence without error.
	existed, err = f.registry.RemoveSession(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRegistryRemoveDurableOnlySession(t *testing.T) {
	f := newRegistryFixture(t, false)
	ctx := context.Background()

	// A session that exists only durably (no handle) is still removable
	// while disconnected.
	require.NoError(t, f.gateway.SaveSession(ctx, &model.SessionRecord{
		Metadata: model.SessionMetadata{SessionID: "session-cold", CreatedAt: time.Now()},
	}))

	existed, err := f.registry.RemoveSession(ctx, "session-cold")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Empty(t, f.conn.deletedSessions())
}

func TestRegistryAppendMessages(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	sessionID, err := f.registry.CreateSession(ctx, model.SessionConfig{}, nil)
	require.NoError(t, err)

	msgs := []model.PersistedMessage{
		{ID: "msg-1", Role: "user", Content: "hello"},
		{ID: "msg-2", Role: "assistant", Content: "hi"},
	}
	require.NoError(t, f.registry.AppendMessages(ctx, sessionID, msgs))

	stored, err := f.gateway.LoadMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hello", stored[0].Content)

	record, err := f.gateway.LoadSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, record.Metadata.MessageCount)
}

func TestRegistryUpdateSummary(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	sessionID, err := f.registry.CreateSession(ctx, model.SessionConfig{}, nil)
	require.NoError(t, err)

	f.registry.UpdateSummary(ctx, sessionID, "a short recap")
	record, err := f.gateway.LoadSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "a short recap", record.Metadata.Summary)

	// Bookkeeping against an unknown session must not error or create one.
	f.registry.UpdateSummary(ctx, "session-ghost", "nope")
	ghost, err := f.gateway.LoadSession(ctx, "session-ghost")
	require.NoError(t, err)
	assert.Nil(t, ghost)
}

func TestRegistrySyncFromExternalListIsFillOnly(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	// Pre-existing record with local state that sync must not clobber.
	require.NoError(t, f.gateway.SaveSession(ctx, &model.SessionRecord{
		Metadata: model.SessionMetadata{SessionID: "session-known", Summary: "local truth", CreatedAt: time.Now()},
	}))

	created, err := f.registry.SyncFromExternalList(ctx, []agentclient.RemoteSessionInfo{
		{SessionID: "session-known", Summary: "remote lie", MessageCount: 99},
		{SessionID: "session-new", MessageCount: 4, CreatedAt: time.Now().Add(-time.Hour)},
		{SessionID: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	known, err := f.gateway.LoadSession(ctx, "session-known")
	require.NoError(t, err)
	assert.Equal(t, "local truth", known.Metadata.Summary)
	assert.Equal(t, 0, known.Metadata.MessageCount)

	fresh, err := f.gateway.LoadSession(ctx, "session-new")
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.True(t, fresh.Metadata.IsRemote)
	assert.Equal(t, 4, fresh.Metadata.MessageCount)

	// Running the same sync again creates nothing.
	created, err = f.registry.SyncFromExternalList(ctx, []agentclient.RemoteSessionInfo{
		{SessionID: "session-new", MessageCount: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestRegistryListSessionsAdvisory(t *testing.T) {
	f := newRegistryFixture(t, false)
	ctx := context.Background()

	assert.Empty(t, f.registry.ListSessions(ctx))

	require.NoError(t, f.gateway.SaveSession(ctx, &model.SessionRecord{
		Metadata: model.SessionMetadata{SessionID: "session-a", CreatedAt: time.Now(), LastActivityAt: time.Now()},
	}))
	assert.Len(t, f.registry.ListSessions(ctx), 1)
}

func TestRegistryDropRuntimeState(t *testing.T) {
	f := newRegistryFixture(t, true)
	ctx := context.Background()

	sessionID, err := f.registry.CreateSession(ctx, model.SessionConfig{}, nil)
	require.NoError(t, err)

	f.registry.DropRuntimeState()
	assert.False(t, f.registry.IsSessionActive(sessionID))
	assert.Equal(t, 0, f.dispatcher.ActiveSubscriptions())

	// The durable record survives the runtime teardown.
	record, err := f.gateway.LoadSession(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, record)
}
