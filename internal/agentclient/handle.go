package agentclient

import (
	"sync"
	"sync/atomic"
)

// SessionHandle is the live, in-process object representing an active
// connection to one agent-side session. Handles exist only while the owning
// process is up and the session was created or resumed in this process
// lifetime; the durable record outlives them.
type SessionHandle struct {
	sessionID string
	client    *Client

	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID atomic.Int64
}

func newSessionHandle(sessionID string, client *Client) *SessionHandle {
	return &SessionHandle{
		sessionID: sessionID,
		client:    client,
		subs:      make(map[int64]*Subscription),
	}
}

// SessionID returns the stable session identifier this handle is bound to.
func (h *SessionHandle) SessionID() string {
	return h.sessionID
}

// Subscription is a disposable binding between a handle's event stream and a
// callback. Dispose is idempotent and events are never delivered after it
// returns.
type Subscription struct {
	id     int64
	handle *SessionHandle
	fn     func(Event)

	mu       sync.Mutex
	disposed bool
}

// Subscribe attaches fn to the handle's event stream. Events for this session
// are delivered in the order the agent emits them: the client read loop is a
// single goroutine and invokes callbacks synchronously.
func (h *SessionHandle) Subscribe(fn func(Event)) *Subscription {
	sub := &Subscription{
		id:     h.nextID.Add(1),
		handle: h,
		fn:     fn,
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Dispose detaches the subscription. It waits out any in-flight delivery, so
// when it returns the callback cannot fire again. Safe to call more than once.
func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.mu.Lock()
	already := s.disposed
	s.disposed = true
	s.mu.Unlock()
	if already {
		return
	}
	h := s.handle
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
}

// deliver fans an event out to the current subscribers. The subscriber set is
// snapshotted so slow callbacks never block Subscribe/Dispose on other
// subscriptions; the per-subscription lock orders delivery against Dispose.
func (h *SessionHandle) deliver(ev Event) {
	h.mu.RLock()
	snapshot := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.RUnlock()

	for _, sub := range snapshot {
		sub.mu.Lock()
		if !sub.disposed {
			sub.fn(ev)
		}
		sub.mu.Unlock()
	}
}

// SubscriberCount reports the number of live subscriptions on this handle.
func (h *SessionHandle) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
