package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"otto/internal/logging"
)

// ErrNotFound is returned when a task ID does not resolve.
var ErrNotFound = errors.New("task not found")

// ChangeKind identifies what mutated in the store.
type ChangeKind string

const (
	ChangeTaskInsert ChangeKind = "task_insert"
	ChangeTaskUpdate ChangeKind = "task_update"
	ChangeLogInsert  ChangeKind = "log_insert"
)

// Change is the notification fanned out after every store mutation. It carries
// identity plus a snapshot; observers reconcile via authoritative re-fetch.
type Change struct {
	Kind  ChangeKind
	Task  *Task
	Entry *LogEntry
}

// Listener receives store change notifications. Delivery is synchronous with
// the mutation; implementations must not block.
type Listener interface {
	OnChange(change Change)
}

// Store is the single authority for task and activity-log state. All writes
// flow through it; everything else holds read-only snapshots.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	logs      map[string][]LogEntry
	cancelChs map[string]chan struct{}
	listener  Listener
	logger    logging.Logger
	now       func() time.Time
}

// NewStore creates an in-memory task store.
func NewStore(logger logging.Logger) *Store {
	return &Store{
		tasks:     make(map[string]*Task),
		logs:      make(map[string][]LogEntry),
		cancelChs: make(map[string]chan struct{}),
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// SetListener attaches the change listener. Call before the store sees traffic.
func (s *Store) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *Store) notify(change Change) {
	if s.listener != nil {
		s.listener.OnChange(change)
	}
}

// Create admits a new task in pending state.
func (s *Store) Create(ctx context.Context, userID, agent, intent string, src Source) (*Task, error) {
	if userID == "" {
		return nil, fmt.Errorf("create task: user id required")
	}
	if agent == "" {
		agent = "dispatcher"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	t := &Task{
		ID:        fmt.Sprintf("task-%s", uuid.New().String()),
		UserID:    userID,
		Agent:     agent,
		Status:    StatusPending,
		Intent:    intent,
		Source:    src,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.cancelChs[t.ID] = make(chan struct{})

	s.notify(Change{Kind: ChangeTaskInsert, Task: t.Clone()})
	return t.Clone(), nil
}

// Get retrieves a task snapshot by ID.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return t.Clone(), nil
}

// ListByUser returns the user's tasks, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0)
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, t.Clone())
		}
	}
	sortTasksNewestFirst(out)
	return out, nil
}

// SetStatus applies a guarded status transition: the write lands only if it
// moves the task forward from its current status. A task already in a
// terminal state is never overwritten, and a stale write that would regress
// the lifecycle (running back to queued) is dropped. Both cases are no-op
// successes so a cancel or a slow writer racing a faster transition cannot
// corrupt state.
func (s *Store) SetStatus(ctx context.Context, taskID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusLocked(taskID, status)
}

func (s *Store) setStatusLocked(taskID string, status Status) error {
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.Status.IsTerminal() {
		return nil
	}
	if status == t.Status || status.Rank() < t.Status.Rank() {
		// Stale write racing a faster transition, e.g. a dispatcher's queued
		// landing after a worker already set running. The newer state stands
		// and no event goes out.
		s.logger.Debug("Ignoring stale %s write for %s (now %s)", status, taskID, t.Status)
		return nil
	}

	t.Status = status
	t.UpdatedAt = s.now()
	if status == StatusCancelled {
		at := s.now()
		t.CancelledAt = &at
		s.closeCancelLocked(taskID)
	}

	s.notify(Change{Kind: ChangeTaskUpdate, Task: t.Clone()})
	return nil
}

// Complete records a successful terminal result.
func (s *Store) Complete(ctx context.Context, taskID string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	t.Status = StatusCompleted
	t.Output = append(json.RawMessage(nil), output...)
	t.UpdatedAt = s.now()

	s.notify(Change{Kind: ChangeTaskUpdate, Task: t.Clone()})
	return nil
}

// Fail records a failed terminal state with a human-readable reason. Activity
// already logged is retained so the log stays a faithful history.
func (s *Store) Fail(ctx context.Context, taskID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	t.Status = StatusFailed
	t.Error = reason
	t.UpdatedAt = s.now()

	s.notify(Change{Kind: ChangeTaskUpdate, Task: t.Clone()})
	return nil
}

// AddCost accumulates execution cost. Cost is monotonic while non-terminal.
func (s *Store) AddCost(ctx context.Context, taskID string, deltaUSD float64) error {
	if deltaUSD < 0 {
		return fmt.Errorf("add cost: negative delta %.4f", deltaUSD)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	t.CostUSD += deltaUSD
	t.UpdatedAt = s.now()

	s.notify(Change{Kind: ChangeTaskUpdate, Task: t.Clone()})
	return nil
}

// Cancel requests cooperative cancellation. It reports whether a transition
// actually happened; a task already terminal is a no-op success. Running
// workers observe the closed CancelSignal at their next checkpoint.
func (s *Store) Cancel(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(taskID)
}

func (s *Store) cancelLocked(taskID string) (bool, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.Status.IsTerminal() {
		return false, nil
	}

	t.Status = StatusCancelled
	at := s.now()
	t.CancelledAt = &at
	t.UpdatedAt = at
	s.closeCancelLocked(taskID)

	s.notify(Change{Kind: ChangeTaskUpdate, Task: t.Clone()})
	return true, nil
}

// CancelAll cancels every task owned by userID whose status is in statuses and
// returns the count actually transitioned. The whole sweep runs under one
// write lock so racing kill switches serialize and never double-count.
func (s *Store) CancelAll(ctx context.Context, userID string, statuses []Status) (int, error) {
	match := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		match[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, t := range s.tasks {
		if t.UserID != userID || !match[t.Status] {
			continue
		}
		applied, err := s.cancelLocked(id)
		if err != nil {
			return count, err
		}
		if applied {
			count++
		}
	}
	return count, nil
}

// CancelSignal returns a channel closed when the task is cancelled. Workers
// select on it at safe checkpoints; cancellation is advisory, never preemptive.
func (s *Store) CancelSignal(taskID string) <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.cancelChs[taskID]
	if !ok {
		// Unknown task: hand back an already-closed channel so callers bail out.
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return ch
}

func (s *Store) closeCancelLocked(taskID string) {
	if ch, ok := s.cancelChs[taskID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// RecordLog appends one activity-log entry. Prior entries are never mutated.
func (s *Store) RecordLog(ctx context.Context, taskID, step string, status LogStatus, detail map[string]string, durationMS *int64) (*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	entry := LogEntry{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Step:      step,
		Status:    status,
		CreatedAt: s.now(),
	}
	if len(detail) > 0 {
		entry.Detail = make(map[string]string, len(detail))
		for k, v := range detail {
			entry.Detail[k] = v
		}
	}
	if durationMS != nil {
		d := *durationMS
		entry.DurationMS = &d
	}

	s.logs[taskID] = append(s.logs[taskID], entry)

	// Each party gets its own deep copy; the stored entry stays immutable no
	// matter what callers do with theirs.
	notified := entry.Clone()
	s.notify(Change{Kind: ChangeLogInsert, Task: t.Clone(), Entry: &notified})
	snapshot := entry.Clone()
	return &snapshot, nil
}

// Logs returns the task's activity entries in append order.
func (s *Store) Logs(ctx context.Context, taskID string) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	entries := s.logs[taskID]
	out := make([]LogEntry, len(entries))
	for i := range entries {
		out[i] = entries[i].Clone()
	}
	return out, nil
}

func sortTasksNewestFirst(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}
