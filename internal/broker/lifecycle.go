package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conduit/internal/logging"
	"conduit/internal/model"
	"conduit/internal/store"
)

const (
	restartAttempts     = 3
	defaultRestartDelay = 2 * time.Second
)

// LifecycleManager owns the single agent-client connection and its
// Disconnected -> Connecting -> Connected state machine. The mutex guards
// in-memory state only; connect and disconnect I/O always runs unlocked
// so status reads never stall behind a slow dial.
type LifecycleManager struct {
	dial         AgentDialer
	gateway      store.Gateway
	logger       logging.Logger
	restartDelay time.Duration

	mu          sync.Mutex
	state       model.ConnectionState
	config      *model.ClientConfig
	client      AgentConn
	connectedAt *time.Time
	lastError   error
	generation  uint64
}

// NewLifecycleManager builds a manager starting in the Disconnected state.
func NewLifecycleManager(cfg *model.ClientConfig, dial AgentDialer, gateway store.Gateway, logger logging.Logger) *LifecycleManager {
	return &LifecycleManager{
		dial:         dial,
		gateway:      gateway,
		logger:       logging.OrNop(logger),
		restartDelay: defaultRestartDelay,
		state:        model.StateDisconnected,
		config:       cfg.Clone(),
	}
}

// UpdateConfig replaces the connection configuration. Only legal while
// Disconnected; the durable copy is written asynchronously so a slow store
// never blocks the caller.
func (m *LifecycleManager) UpdateConfig(ctx context.Context, cfg *model.ClientConfig) error {
	if cfg == nil {
		return fmt.Errorf("client config cannot be nil")
	}

	m.mu.Lock()
	if m.state != model.StateDisconnected {
		state := m.state
		m.mu.Unlock()
		return InvalidStateError(fmt.Sprintf("cannot update config while %s", state))
	}
	m.config = cfg.Clone()
	persisted := cfg.Clone()
	m.mu.Unlock()

	if m.gateway != nil {
		go func() {
			if err := m.gateway.SaveConfig(context.Background(), persisted); err != nil {
				m.logger.Warn("failed to persist client config: %v", err)
			}
		}()
	}
	return nil
}

// Config returns a copy of the current connection configuration.
func (m *LifecycleManager) Config() *model.ClientConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}

// Start dials the agent process. Calling Start while already Connected is a
// logged no-op that leaves ConnectedAt untouched.
func (m *LifecycleManager) Start(ctx context.Context) error {
	_, err := m.connect(ctx, nil)
	return err
}

// connect runs the dial and handshake behind Start. When expect is non-nil
// the attempt is abandoned unless the generation still matches, which is how
// the auto-restart loop yields to an explicit Stop or Start. The returned
// generation is what a retry of a failed attempt must expect next; zero means
// the attempt was superseded and must not be retried.
func (m *LifecycleManager) connect(ctx context.Context, expect *uint64) (uint64, error) {
	m.mu.Lock()
	if expect != nil && m.generation != *expect {
		m.mu.Unlock()
		return 0, InvalidStateError("connect superseded")
	}
	switch m.state {
	case model.StateConnected:
		m.mu.Unlock()
		m.logger.Warn("client already connected, ignoring start request")
		return 0, nil
	case model.StateConnecting:
		m.mu.Unlock()
		return 0, InvalidStateError("connect already in progress")
	}
	m.state = model.StateConnecting
	cfg := m.config.Clone()
	client := m.dial(cfg, m.logger)
	m.client = client
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	err := client.Connect(ctx)

	m.mu.Lock()
	if m.generation != gen {
		// A Stop raced this connect attempt; discard the result.
		m.mu.Unlock()
		_ = client.ForceDisconnect()
		return 0, InvalidStateError("connect superseded")
	}
	if err != nil {
		m.state = model.StateDisconnected
		m.client = nil
		m.lastError = err
		m.mu.Unlock()
		return gen, fmt.Errorf("connect agent client: %w", err)
	}
	now := time.Now()
	m.state = model.StateConnected
	m.connectedAt = &now
	m.lastError = nil
	autoRestart := cfg.AutoRestart
	m.mu.Unlock()

	m.logger.Info("agent client connected to %s", cfg.Endpoint())
	go m.watch(client, gen, autoRestart)
	return gen, nil
}

// Stop shuts the connection down gracefully. The manager always ends up
// Disconnected with ConnectedAt cleared and the client reference dropped,
// even when the graceful disconnect fails; that error is still returned.
func (m *LifecycleManager) Stop(ctx context.Context) error {
	client, ok := m.detach()
	if !ok {
		m.logger.Warn("client not connected, ignoring stop request")
		return nil
	}
	if err := client.Disconnect(ctx); err != nil {
		m.logger.Warn("graceful disconnect failed: %v", err)
		return err
	}
	m.logger.Info("agent client disconnected")
	return nil
}

// ForceStop tears the connection down without the shutdown handshake.
func (m *LifecycleManager) ForceStop() error {
	client, ok := m.detach()
	if !ok {
		m.logger.Warn("client not connected, ignoring force stop request")
		return nil
	}
	if err := client.ForceDisconnect(); err != nil {
		m.logger.Warn("force disconnect failed: %v", err)
		return err
	}
	return nil
}

// detach transitions to Disconnected and returns the previous client, if
// any. The generation bump invalidates in-flight connects, watchers, and
// pending auto-restart attempts even when no client is attached.
func (m *LifecycleManager) detach() (AgentConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client := m.client
	m.client = nil
	m.state = model.StateDisconnected
	m.connectedAt = nil
	m.generation++
	return client, client != nil
}

// Ping round-trips a message through the connected agent.
func (m *LifecycleManager) Ping(ctx context.Context, message string) (*PingReport, error) {
	m.mu.Lock()
	client := m.client
	connected := m.state == model.StateConnected
	m.mu.Unlock()
	if !connected || client == nil {
		return nil, NotConnectedError("ping")
	}
	result, err := client.Ping(ctx, message)
	if err != nil {
		return nil, err
	}
	return &PingReport{Echo: result.Echo, Latency: result.Latency}, nil
}

// PingReport is the round-trip result surfaced to callers.
type PingReport struct {
	Echo    string        `json:"echo"`
	Latency time.Duration `json:"latency"`
}

// Status projects the live connection state. Never errors.
func (m *LifecycleManager) Status() model.ClientStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := model.ClientStatus{
		State:       m.state,
		IsConnected: m.state == model.StateConnected,
	}
	if m.connectedAt != nil {
		at := *m.connectedAt
		status.ConnectedAt = &at
	}
	if m.lastError != nil {
		status.LastError = m.lastError.Error()
	}
	return status
}

// Client returns the connected agent client for session operations.
func (m *LifecycleManager) Client() (AgentConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.StateConnected || m.client == nil {
		return nil, NotConnectedError("agent client unavailable")
	}
	return m.client, nil
}

// watch observes the connection for unexpected closure and, when enabled,
// drives the auto-restart loop.
func (m *LifecycleManager) watch(client AgentConn, gen uint64, autoRestart bool) {
	<-client.Closed()

	m.mu.Lock()
	if m.generation != gen {
		// Closed because of an explicit Stop; nothing to do.
		m.mu.Unlock()
		return
	}
	m.state = model.StateDisconnected
	m.client = nil
	m.connectedAt = nil
	m.lastError = fmt.Errorf("agent connection lost")
	m.generation++
	expect := m.generation
	m.mu.Unlock()

	m.logger.Warn("agent connection lost")
	if !autoRestart {
		return
	}
	for attempt := 1; attempt <= restartAttempts; attempt++ {
		time.Sleep(m.restartDelay)
		next, err := m.connect(context.Background(), &expect)
		if err == nil {
			m.logger.Info("agent client auto-restarted after %d attempt(s)", attempt)
			return
		}
		if next == 0 {
			// An explicit Stop or Start took over while the retry waited.
			m.logger.Info("auto-restart abandoned: %v", err)
			return
		}
		m.logger.Warn("auto-restart attempt %d/%d failed: %v", attempt, restartAttempts, err)
		expect = next
	}
	m.logger.Error("auto-restart gave up after %d attempts", restartAttempts)
}
