package broker

import (
	"sync"

	"conduit/internal/agentclient"
	"conduit/internal/logging"
)

// Streaming deltas and discrete lifecycle events travel on separate
// channels so consumers can subscribe to either independently.
const (
	ChannelDelta  = "session.delta"
	ChannelEvents = "session.events"
)

// EventSink receives ordered per-session event streams for fan-out to
// consumers. Publish must not block the caller.
type EventSink interface {
	PublishToGroup(group, channel string, payload any)
}

// Dispatcher bridges agent-side session subscriptions onto the event sink.
// At most one subscription exists per session id.
type Dispatcher struct {
	sink   EventSink
	logger logging.Logger

	mu   sync.Mutex
	subs map[string]Disposable
}

// NewDispatcher builds a dispatcher publishing into sink.
func NewDispatcher(sink EventSink, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		sink:   sink,
		logger: logging.OrNop(logger),
		subs:   make(map[string]Disposable),
	}
}

// CreateSubscription attaches to the handle's event stream under sessionID.
// Any previous subscription for the same session is disposed first so stale
// callbacks from a pre-resume handle can never fire again.
func (d *Dispatcher) CreateSubscription(sessionID string, handle RuntimeHandle) {
	sub := handle.Subscribe(func(ev agentclient.Event) {
		d.relay(sessionID, ev)
	})

	d.mu.Lock()
	prev := d.subs[sessionID]
	d.subs[sessionID] = sub
	d.mu.Unlock()

	if prev != nil {
		prev.Dispose()
		d.logger.Debug("replaced subscription for session %s", sessionID)
	}
}

// RemoveSubscription disposes the session's subscription. No-op when none
// exists.
func (d *Dispatcher) RemoveSubscription(sessionID string) {
	d.mu.Lock()
	sub := d.subs[sessionID]
	delete(d.subs, sessionID)
	d.mu.Unlock()

	if sub != nil {
		sub.Dispose()
	}
}

// HasSubscription reports whether a live subscription exists for the session.
func (d *Dispatcher) HasSubscription(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subs[sessionID]
	return ok
}

// ActiveSubscriptions returns the number of live subscriptions.
func (d *Dispatcher) ActiveSubscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Shutdown disposes every subscription.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[string]Disposable)
	d.mu.Unlock()

	for id, sub := range subs {
		sub.Dispose()
		d.logger.Debug("disposed subscription for session %s", id)
	}
}

// relay stamps the owning session id onto the event and routes it to the
// delta or discrete channel. Agent errors ride the discrete channel as
// error-kind events rather than breaking the stream.
func (d *Dispatcher) relay(sessionID string, ev agentclient.Event) {
	ev.SessionID = sessionID
	if ev.Error != "" && ev.Kind != agentclient.KindError {
		ev.Kind = agentclient.KindError
	}

	channel := ChannelEvents
	if ev.Kind == agentclient.KindDelta {
		channel = ChannelDelta
	}
	d.sink.PublishToGroup(sessionID, channel, ev)
}
