package broker

import (
	"context"

	"conduit/internal/agentclient"
	"conduit/internal/logging"
	"conduit/internal/model"
)

// Disposable is a scoped-acquisition resource with guaranteed release.
// Dispose must be idempotent.
type Disposable interface {
	Dispose()
}

// RuntimeHandle is the broker's view of a live agent-side session. Exactly
// one handle may exist per session id within a process; the durable record
// is the source of truth and outlives any handle.
type RuntimeHandle interface {
	SessionID() string
	Subscribe(fn func(agentclient.Event)) Disposable
}

// AgentConn is the connection-scoped surface of the agent process consumed
// by the broker. One AgentConn maps to one connect attempt; the lifecycle
// manager constructs a fresh one per Start.
type AgentConn interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ForceDisconnect() error
	Closed() <-chan struct{}

	Ping(ctx context.Context, message string) (*agentclient.PingResult, error)
	CreateSession(ctx context.Context, cfg model.SessionConfig, tools []model.ToolDefinition) (RuntimeHandle, error)
	ResumeSession(ctx context.Context, sessionID string, opts agentclient.ResumeOptions) (RuntimeHandle, error)
	ListSessions(ctx context.Context) ([]agentclient.RemoteSessionInfo, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// AgentDialer constructs an unconnected AgentConn from a configuration.
// Injected so tests can substitute a fake agent.
type AgentDialer func(cfg *model.ClientConfig, logger logging.Logger) AgentConn

// NewAgentDialer adapts the concrete JSON-RPC client to the AgentConn port.
func NewAgentDialer() AgentDialer {
	return func(cfg *model.ClientConfig, logger logging.Logger) AgentConn {
		return &agentConn{client: agentclient.New(cfg, logger)}
	}
}

type agentConn struct {
	client *agentclient.Client
}

func (a *agentConn) Connect(ctx context.Context) error    { return a.client.Connect(ctx) }
func (a *agentConn) Disconnect(ctx context.Context) error { return a.client.Disconnect(ctx) }
func (a *agentConn) ForceDisconnect() error               { return a.client.ForceDisconnect() }
func (a *agentConn) Closed() <-chan struct{}              { return a.client.Closed() }

func (a *agentConn) Ping(ctx context.Context, message string) (*agentclient.PingResult, error) {
	return a.client.Ping(ctx, message)
}

func (a *agentConn) CreateSession(ctx context.Context, cfg model.SessionConfig, tools []model.ToolDefinition) (RuntimeHandle, error) {
	handle, err := a.client.CreateSession(ctx, cfg, tools)
	if err != nil {
		return nil, err
	}
	return &runtimeHandle{handle: handle}, nil
}

func (a *agentConn) ResumeSession(ctx context.Context, sessionID string, opts agentclient.ResumeOptions) (RuntimeHandle, error) {
	handle, err := a.client.ResumeSession(ctx, sessionID, opts)
	if err != nil {
		return nil, err
	}
	return &runtimeHandle{handle: handle}, nil
}

func (a *agentConn) ListSessions(ctx context.Context) ([]agentclient.RemoteSessionInfo, error) {
	return a.client.ListSessions(ctx)
}

func (a *agentConn) DeleteSession(ctx context.Context, sessionID string) error {
	return a.client.DeleteSession(ctx, sessionID)
}

type runtimeHandle struct {
	handle *agentclient.SessionHandle
}

func (r *runtimeHandle) SessionID() string { return r.handle.SessionID() }

func (r *runtimeHandle) Subscribe(fn func(agentclient.Event)) Disposable {
	return r.handle.Subscribe(fn)
}
