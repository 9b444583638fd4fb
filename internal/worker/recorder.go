package worker

import (
	"context"
	"time"

	"otto/internal/logging"
	"otto/internal/task"
)

// Recorder writes activity-log entries for one task, pairing each started
// entry with its terminal entry and filling in the measured duration.
type Recorder struct {
	store  *task.Store
	taskID string
	logger logging.Logger
}

// NewRecorder creates a recorder bound to one task.
func NewRecorder(store *task.Store, taskID string, logger logging.Logger) *Recorder {
	return &Recorder{store: store, taskID: taskID, logger: logging.OrNop(logger)}
}

// Info appends a single informational entry.
func (r *Recorder) Info(ctx context.Context, step, message string) {
	detail := map[string]string{}
	if message != "" {
		detail["message"] = message
	}
	if _, err := r.store.RecordLog(ctx, r.taskID, step, task.LogInfo, detail, nil); err != nil {
		r.logger.Warn("Recording info for step %s: %v", step, err)
	}
}

// Step appends a started entry and returns a closer that appends the matching
// terminal entry with the elapsed duration. Detail passed to the closer
// overrides started-entry fields on collision, matching how the feed collapses.
func (r *Recorder) Step(ctx context.Context, step string, detail map[string]string) func(status task.LogStatus, detail map[string]string) {
	start := time.Now()
	if _, err := r.store.RecordLog(ctx, r.taskID, step, task.LogStarted, detail, nil); err != nil {
		r.logger.Warn("Recording start for step %s: %v", step, err)
	}

	return func(status task.LogStatus, terminalDetail map[string]string) {
		elapsed := time.Since(start).Milliseconds()
		if _, err := r.store.RecordLog(ctx, r.taskID, step, status, terminalDetail, &elapsed); err != nil {
			r.logger.Warn("Recording %s for step %s: %v", status, step, err)
		}
	}
}

// Single appends one standalone terminal entry for a single-shot step.
func (r *Recorder) Single(ctx context.Context, step string, status task.LogStatus, detail map[string]string) {
	if _, err := r.store.RecordLog(ctx, r.taskID, step, status, detail, nil); err != nil {
		r.logger.Warn("Recording %s for step %s: %v", status, step, err)
	}
}
