// Package agentclient speaks JSON-RPC to the external agent process. The
// broker treats the agent's actual capabilities as opaque; only the lifecycle
// and session surface defined here is consumed.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"conduit/internal/jsonrpc"
	"conduit/internal/logging"
	"conduit/internal/model"
)

const (
	methodInitialize    = "initialize"
	methodShutdown      = "shutdown"
	methodPing          = "ping"
	methodSessionCreate = "session/create"
	methodSessionResume = "session/resume"
	methodSessionList   = "session/list"
	methodSessionDelete = "session/delete"
	methodSessionEvent  = "session/event"
)

// ErrClosed is returned by calls made after the connection dropped.
var ErrClosed = errors.New("agent connection closed")

// RemoteSessionInfo is the agent's own view of a session, as returned by
// session/list. The broker reconciles these against its durable records.
type RemoteSessionInfo struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	MessageCount int       `json:"message_count,omitempty"`
	Summary      string    `json:"summary,omitempty"`
}

// PingResult carries the liveness probe outcome.
type PingResult struct {
	Echo    string        `json:"echo"`
	Latency time.Duration `json:"latency"`
}

// ResumeOptions tweaks how an existing agent-side session is re-attached.
type ResumeOptions struct {
	Streaming *bool                  `json:"streaming,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Tools     []model.ToolDefinition `json:"tools,omitempty"`
}

// Client is a JSON-RPC client over TCP to the agent process. One Client maps
// to one connection; the lifecycle manager constructs a fresh Client per
// Start and never reuses one across connects.
type Client struct {
	cfg    *model.ClientConfig
	logger logging.Logger

	conn net.Conn
	rpc  *jsonrpc.Conn

	mu      sync.Mutex
	handles map[string]*SessionHandle
	running bool
	closed  chan struct{}
}

// New constructs an unconnected client from the given configuration.
func New(cfg *model.ClientConfig, logger logging.Logger) *Client {
	return &Client{
		cfg:     cfg.Clone(),
		logger:  logging.OrNop(logger),
		handles: make(map[string]*SessionHandle),
		closed:  make(chan struct{}),
	}
}

// Connect dials the agent process, performs the initialize handshake, and
// starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg == nil {
		return fmt.Errorf("agent client config is nil")
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Endpoint())
	if err != nil {
		return fmt.Errorf("dial agent at %s: %w", c.cfg.Endpoint(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.rpc = jsonrpc.NewConn(conn, conn)
	c.running = true
	c.mu.Unlock()

	go c.readLoop()

	params := map[string]any{
		"log_level":   c.cfg.LogLevel,
		"working_dir": c.cfg.WorkingDir,
	}
	if len(c.cfg.Env) > 0 {
		params["env"] = c.cfg.Env
	}
	resp, err := c.rpc.Call(ctx, methodInitialize, params)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("initialize agent: %w", err)
	}
	if resp.IsError() {
		_ = conn.Close()
		return fmt.Errorf("initialize agent: %w", resp.Error)
	}
	return nil
}

// Disconnect performs a graceful shutdown: notify the agent, then close the
// connection and wait for the read loop to drain.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	rpc := c.rpc
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	var notifyErr error
	if rpc != nil {
		notifyErr = rpc.Notify(methodShutdown, nil)
	}

	closeErr := conn.Close()
	select {
	case <-c.closed:
	case <-ctx.Done():
		return ctx.Err()
	}

	if notifyErr != nil {
		return fmt.Errorf("shutdown notify: %w", notifyErr)
	}
	return closeErr
}

// ForceDisconnect tears the connection down immediately without the shutdown
// handshake. Used when graceful shutdown is hung or unavailable.
func (c *Client) ForceDisconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Closed is signalled when the read loop exits, whether by Disconnect or by
// transport failure. The lifecycle manager watches it for auto-restart.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Ping round-trips a liveness probe and reports echo plus latency measured on
// this side of the connection.
func (c *Client) Ping(ctx context.Context, message string) (*PingResult, error) {
	start := time.Now()
	resp, err := c.call(ctx, methodPing, map[string]any{"message": message})
	if err != nil {
		return nil, err
	}
	var result struct {
		Echo string `json:"echo"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode ping result: %w", err)
	}
	return &PingResult{Echo: result.Echo, Latency: time.Since(start)}, nil
}

// CreateSession asks the agent for a fresh session and returns its handle.
func (c *Client) CreateSession(ctx context.Context, cfg model.SessionConfig, tools []model.ToolDefinition) (*SessionHandle, error) {
	params := map[string]any{"config": structToMap(cfg)}
	if len(tools) > 0 {
		params["tools"] = tools
	}
	resp, err := c.call(ctx, methodSessionCreate, params)
	if err != nil {
		return nil, err
	}
	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode create result: %w", err)
	}
	if result.SessionID == "" {
		return nil, fmt.Errorf("agent returned empty session id")
	}
	return c.registerHandle(result.SessionID), nil
}

// ResumeSession re-attaches a handle for an agent-side session that already
// exists. The previous handle for the id, if any, is replaced.
func (c *Client) ResumeSession(ctx context.Context, sessionID string, opts ResumeOptions) (*SessionHandle, error) {
	params := map[string]any{"session_id": sessionID}
	if opts.Streaming != nil {
		params["streaming"] = *opts.Streaming
	}
	if opts.Provider != "" {
		params["provider"] = opts.Provider
	}
	if len(opts.Tools) > 0 {
		params["tools"] = opts.Tools
	}
	resp, err := c.call(ctx, methodSessionResume, params)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, resp.Error
	}
	return c.registerHandle(sessionID), nil
}

// ListSessions returns the sessions the agent itself knows about.
func (c *Client) ListSessions(ctx context.Context) ([]RemoteSessionInfo, error) {
	resp, err := c.call(ctx, methodSessionList, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Sessions []RemoteSessionInfo `json:"sessions"`
	}
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decode list result: %w", err)
	}
	return result.Sessions, nil
}

// DeleteSession removes the agent-side session and drops its handle.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, methodSessionDelete, map[string]any{"session_id": sessionID})
	c.dropHandle(sessionID)
	return err
}

// Handle returns the live handle for a session id, if one exists.
func (c *Client) Handle(sessionID string) (*SessionHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[sessionID]
	return h, ok
}

func (c *Client) registerHandle(sessionID string) *SessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.handles[sessionID]; ok {
		return existing
	}
	h := newSessionHandle(sessionID, c)
	c.handles[sessionID] = h
	return h
}

func (c *Client) dropHandle(sessionID string) {
	c.mu.Lock()
	delete(c.handles, sessionID)
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (*jsonrpc.Response, error) {
	c.mu.Lock()
	rpc := c.rpc
	running := c.running
	c.mu.Unlock()
	if rpc == nil || !running {
		return nil, ErrClosed
	}
	resp, err := rpc.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, resp.Error
	}
	return resp, nil
}

// readLoop drains the connection: responses are routed to waiting callers,
// session/event notifications to the owning handle. It runs until the
// connection closes, then fails all pending calls so nothing hangs.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.running = false
		rpc := c.rpc
		c.mu.Unlock()
		if rpc != nil {
			rpc.FailPending("agent connection closed")
		}
		close(c.closed)
	}()

	for {
		payload, err := c.rpc.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("agent read failed: %v", err)
			}
			return
		}
		payload = jsonrpc.TrimPayload(payload)
		if len(payload) == 0 {
			continue
		}
		req, resp, err := jsonrpc.ParsePayload(payload)
		if err != nil {
			c.logger.Warn("agent payload parse failed: %v", err)
			continue
		}
		if resp != nil {
			if !c.rpc.DeliverResponse(resp) {
				c.logger.Debug("dropping response for unknown call id %v", resp.ID)
			}
			continue
		}
		if req == nil {
			continue
		}
		if req.IsNotification() {
			c.handleNotification(req)
			continue
		}
		// The agent never issues requests today; answer with an empty result
		// so a future protocol revision does not stall the peer.
		if err := c.rpc.SendResponse(jsonrpc.NewResponse(req.ID, map[string]any{})); err != nil {
			c.logger.Warn("agent response send failed: %v", err)
			return
		}
	}
}

func (c *Client) handleNotification(req *jsonrpc.Request) {
	if req.Method != methodSessionEvent {
		c.logger.Debug("ignoring notification %q", req.Method)
		return
	}
	ev := eventFromParams(req.Params)
	if ev.SessionID == "" {
		c.logger.Warn("session event without session id, type=%s", ev.Type)
		return
	}
	c.mu.Lock()
	handle, ok := c.handles[ev.SessionID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("no handle for session %s, dropping event %s", ev.SessionID, ev.Type)
		return
	}
	handle.deliver(ev)
}

func decodeResult(result any, out any) error {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func structToMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
