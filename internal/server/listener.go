package server

import (
	"sync"

	"otto/internal/observability"
	"otto/internal/realtime"
	"otto/internal/task"
)

// ChangeFanout is the task.Listener wired into the store: it forwards every
// change to the realtime hub and keeps the prometheus gauges and counters in
// step with the store's mutation stream.
type ChangeFanout struct {
	hub        *realtime.Hub
	dispatcher *task.Dispatcher
	metrics    *observability.Metrics

	mu          sync.Mutex
	lastDropped int64
}

// NewChangeFanout builds the fanout. hub is required; dispatcher and metrics
// may be nil.
func NewChangeFanout(hub *realtime.Hub, dispatcher *task.Dispatcher, metrics *observability.Metrics) *ChangeFanout {
	return &ChangeFanout{hub: hub, dispatcher: dispatcher, metrics: metrics}
}

// OnChange implements task.Listener.
func (f *ChangeFanout) OnChange(change task.Change) {
	f.hub.OnChange(change)

	if f.metrics == nil {
		return
	}

	if change.Task != nil && (change.Kind == task.ChangeTaskInsert || change.Kind == task.ChangeTaskUpdate) {
		f.metrics.ObserveTransition(string(change.Task.Status))
	}
	if f.dispatcher != nil {
		f.metrics.SetQueueDepth(f.dispatcher.QueueDepth())
	}

	f.mu.Lock()
	if total := f.hub.Dropped(); total > f.lastDropped {
		f.metrics.AddDroppedEvents(float64(total - f.lastDropped))
		f.lastDropped = total
	}
	f.mu.Unlock()
}
