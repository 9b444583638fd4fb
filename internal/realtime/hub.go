// Package realtime propagates task-store mutations to live observers. Push
// delivery is best-effort: payloads carry identity only, and observers are
// expected to reconcile through an authoritative re-fetch (especially after a
// reconnect).
package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"otto/internal/logging"
	"otto/internal/task"
)

const subscriptionBuffer = 64

// Event is the notification pushed to observers.
type Event struct {
	Kind   task.ChangeKind `json:"kind"`
	TaskID string          `json:"task_id"`
	UserID string          `json:"user_id"`
	Status task.Status     `json:"status,omitempty"`
	Step   string          `json:"step,omitempty"`
	At     time.Time       `json:"at"`
}

// Subscription is one observer's event feed, scoped to a user.
type Subscription struct {
	UserID string
	C      <-chan Event

	hub *Hub
	ch  chan Event
}

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.unsubscribe(s)
}

// Hub fans store changes out to per-user subscribers. It implements
// task.Listener; a full subscriber buffer drops the event rather than block
// the store's write path.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	logger logging.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		subs:   make(map[string][]*Subscription),
		logger: logging.OrNop(logger),
	}
}

// Subscribe registers an observer for one user's task rows.
func (h *Hub) Subscribe(userID string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{UserID: userID, C: ch, hub: h, ch: ch}

	h.mu.Lock()
	h.subs[userID] = append(h.subs[userID], sub)
	h.mu.Unlock()

	h.logger.Debug("Subscribed observer for user %s", userID)
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[sub.UserID]
	for i, s := range subs {
		if s == sub {
			h.subs[sub.UserID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.UserID]) == 0 {
		delete(h.subs, sub.UserID)
	}
	close(sub.ch)
}

// SubscriberCount reports live subscriptions for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Delivered returns the total events pushed to subscriber buffers.
func (h *Hub) Delivered() int64 { return h.delivered.Load() }

// Dropped returns the total events discarded because a buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// OnChange implements task.Listener.
func (h *Hub) OnChange(change task.Change) {
	if change.Task == nil {
		return
	}

	event := Event{
		Kind:   change.Kind,
		TaskID: change.Task.ID,
		UserID: change.Task.UserID,
		Status: change.Task.Status,
		At:     time.Now(),
	}
	if change.Entry != nil {
		event.Step = change.Entry.Step
	}

	h.mu.RLock()
	subs := h.subs[event.UserID]
	for _, sub := range subs {
		select {
		case sub.ch <- event:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Warn("Dropped %s event for user %s: subscriber buffer full", event.Kind, event.UserID)
		}
	}
	h.mu.RUnlock()
}
