// Package eventsink fans session event streams out to attached consumers.
// Each consumer gets a buffered channel; the hub never blocks a publisher
// on a slow consumer.
package eventsink

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"conduit/internal/agentclient"
	"conduit/internal/logging"
)

const (
	subscriberBuffer = 64
	historyGroups    = 128
	historyPerGroup  = 200
)

// Envelope is what consumers receive: the payload plus its routing.
type Envelope struct {
	Group     string    `json:"group"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Hub routes published envelopes to per-group subscriber channels and keeps
// a bounded replay history per group so a late-attaching consumer can catch
// up on what it missed.
type Hub struct {
	logger  logging.Logger
	history *lru.Cache[string, []Envelope]

	mu   sync.RWMutex
	subs map[string]map[chan Envelope]struct{}

	published   metric.Int64Counter
	dropped     metric.Int64Counter
	subscribers metric.Int64UpDownCounter
}

// NewHub builds a hub. Metric instruments come from the global meter
// provider; before observability setup they are no-op.
func NewHub(logger logging.Logger) *Hub {
	history, _ := lru.New[string, []Envelope](historyGroups)
	meter := otel.Meter("conduit/eventsink")
	published, _ := meter.Int64Counter("conduit_events_published_total",
		metric.WithDescription("Events published to the sink"))
	dropped, _ := meter.Int64Counter("conduit_events_dropped_total",
		metric.WithDescription("Events dropped because a subscriber buffer was full"))
	subscribers, _ := meter.Int64UpDownCounter("conduit_event_subscribers",
		metric.WithDescription("Currently attached event subscribers"))

	return &Hub{
		logger:      logging.OrNop(logger),
		history:     history,
		subs:        make(map[string]map[chan Envelope]struct{}),
		published:   published,
		dropped:     dropped,
		subscribers: subscribers,
	}
}

// Register attaches a new subscriber to a group and returns its channel.
// The channel is closed by Unregister or Shutdown, never by the hub's
// publish path.
func (h *Hub) Register(group string) chan Envelope {
	ch := make(chan Envelope, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[group]
	if !ok {
		set = make(map[chan Envelope]struct{})
		h.subs[group] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	h.subscribers.Add(context.Background(), 1, metric.WithAttributes(attribute.String("group", group)))
	h.logger.Debug("subscriber attached to group %s", group)
	return ch
}

// Unregister detaches the subscriber and closes its channel.
func (h *Hub) Unregister(group string, ch chan Envelope) {
	h.mu.Lock()
	set, ok := h.subs[group]
	if ok {
		if _, member := set[ch]; member {
			delete(set, ch)
			close(ch)
			if len(set) == 0 {
				delete(h.subs, group)
			}
			h.mu.Unlock()
			h.subscribers.Add(context.Background(), -1, metric.WithAttributes(attribute.String("group", group)))
			h.logger.Debug("subscriber detached from group %s", group)
			return
		}
	}
	h.mu.Unlock()
}

// PublishToGroup delivers the payload to every subscriber of the group
// without blocking. A full subscriber buffer drops the oldest queued event
// for critical payloads and drops the new event otherwise.
func (h *Hub) PublishToGroup(group, channel string, payload any) {
	env := Envelope{Group: group, Channel: channel, Timestamp: time.Now(), Payload: payload}
	h.appendHistory(group, env)
	h.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", channel)))

	critical := isCritical(channel, payload)

	// The read lock stays held across the sends so a concurrent Unregister
	// cannot close a channel between snapshot and send. Sends never block,
	// so the lock is held only briefly.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[group] {
		select {
		case ch <- env:
			continue
		default:
		}
		if critical {
			// Evict the oldest queued event to make room; the consumer is
			// behind, but it must still observe terminal events.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- env:
				continue
			default:
			}
		}
		h.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("channel", channel)))
		h.logger.Warn("dropping event on channel %s for group %s: subscriber buffer full", channel, group)
	}
}

// History returns the retained envelopes for a group, oldest first.
func (h *Hub) History(group string) []Envelope {
	events, ok := h.history.Get(group)
	if !ok {
		return nil
	}
	out := make([]Envelope, len(events))
	copy(out, events)
	return out
}

// SubscriberCount returns how many subscribers a group has.
func (h *Hub) SubscriberCount(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[group])
}

// DropGroup discards the group's replay history and closes its subscribers.
func (h *Hub) DropGroup(group string) {
	h.history.Remove(group)
	h.mu.Lock()
	set := h.subs[group]
	delete(h.subs, group)
	h.mu.Unlock()
	for ch := range set {
		close(ch)
		h.subscribers.Add(context.Background(), -1, metric.WithAttributes(attribute.String("group", group)))
	}
}

// Shutdown closes every subscriber channel.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]map[chan Envelope]struct{})
	h.mu.Unlock()
	for group, set := range subs {
		for ch := range set {
			close(ch)
			h.subscribers.Add(context.Background(), -1, metric.WithAttributes(attribute.String("group", group)))
		}
	}
}

func (h *Hub) appendHistory(group string, env Envelope) {
	events, _ := h.history.Get(group)
	events = append(events, env)
	if len(events) > historyPerGroup {
		events = events[len(events)-historyPerGroup:]
	}
	h.history.Add(group, events)
}

// isCritical marks payloads a lagging consumer must not miss: errors and
// terminal lifecycle events.
func isCritical(channel string, payload any) bool {
	ev, ok := payload.(agentclient.Event)
	if !ok {
		return false
	}
	if ev.Kind == agentclient.KindError {
		return true
	}
	return strings.HasSuffix(ev.Type, ".completed") || ev.Type == "session.closed"
}
