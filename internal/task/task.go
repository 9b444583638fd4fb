package task

import (
	"encoding/json"
	"time"
)

// Status represents the state of an agent task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusAwaitingCI Status = "awaiting_ci"
)

// IsTerminal reports whether a task in this status will never transition again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CancellableStatuses are the states the kill switch sweeps.
func CancellableStatuses() []Status {
	return []Status{StatusPending, StatusQueued, StatusRunning}
}

// Source records where a task's triggering message came from so a worker can
// later edit the same chat message in place instead of posting a new one.
type Source struct {
	Kind          string `json:"kind,omitempty"` // "slack", "chat", ...
	Channel       string `json:"channel,omitempty"`
	ThreadTS      string `json:"thread_ts,omitempty"`
	PlaceholderTS string `json:"placeholder_ts,omitempty"`
}

// Task is one unit of dispatched agent work.
type Task struct {
	ID          string          `json:"task_id"`
	UserID      string          `json:"user_id"`
	Agent       string          `json:"agent"`
	Status      Status          `json:"status"`
	Intent      string          `json:"intent,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	CostUSD     float64         `json:"cost_usd"`
	Error       string          `json:"error,omitempty"`
	Source      Source          `json:"source,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.CancelledAt != nil {
		at := *t.CancelledAt
		clone.CancelledAt = &at
	}
	if t.Output != nil {
		clone.Output = append(json.RawMessage(nil), t.Output...)
	}
	return &clone
}

// LogStatus represents one observation kind about a task step.
type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogSkipped   LogStatus = "skipped"
	LogInfo      LogStatus = "info"
)

// IsTerminal reports whether this entry closes a step.
func (s LogStatus) IsTerminal() bool {
	switch s {
	case LogCompleted, LogFailed, LogSkipped:
		return true
	default:
		return false
	}
}

// Rank orders the lifecycle so stale writes are detectable: a transition is
// only valid toward an equal or higher rank. Running and awaiting_ci share a
// rank because a task moves between them as external checks start and finish.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued:
		return 1
	case StatusRunning, StatusAwaitingCI:
		return 2
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}

// LogEntry is one immutable observation about one step of one task. The
// activity log is append-only; entries are never mutated after being written.
type LogEntry struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	Step       string            `json:"step"`
	Status     LogStatus         `json:"status"`
	Detail     map[string]string `json:"detail,omitempty"`
	DurationMS *int64            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Clone returns a deep copy so handed-out entries never alias the stored log.
func (e LogEntry) Clone() LogEntry {
	clone := e
	if e.Detail != nil {
		clone.Detail = make(map[string]string, len(e.Detail))
		for k, v := range e.Detail {
			clone.Detail[k] = v
		}
	}
	if e.DurationMS != nil {
		d := *e.DurationMS
		clone.DurationMS = &d
	}
	return clone
}
