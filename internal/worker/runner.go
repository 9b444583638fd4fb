// Package worker contains the built-in task runner and the activity-log
// helpers agent implementations share. The runner handles the dispatch
// plumbing (acknowledging the triggering chat message, keeping the activity
// log honest) while the actual agent behavior is pluggable.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"otto/internal/logging"
	"otto/internal/slack"
	"otto/internal/task"
)

// Agent produces the result payload for one task. Implementations must honor
// ctx cancellation at their checkpoints.
type Agent interface {
	Execute(ctx context.Context, t *task.Task, rec *Recorder) (json.RawMessage, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, t *task.Task, rec *Recorder) (json.RawMessage, error)

func (f AgentFunc) Execute(ctx context.Context, t *task.Task, rec *Recorder) (json.RawMessage, error) {
	return f(ctx, t, rec)
}

// Runner is the task.Runner the dispatcher drives. It wraps the agent with
// activity logging and, when the task came from a chat surface, edits the
// placeholder message in place with the outcome instead of posting a new one.
type Runner struct {
	store     *task.Store
	agent     Agent
	messenger slack.Messenger
	logger    logging.Logger
}

// NewRunner builds a runner. messenger may be nil when no chat integration is
// configured; result delivery is then skipped.
func NewRunner(store *task.Store, agent Agent, messenger slack.Messenger, logger logging.Logger) *Runner {
	return &Runner{
		store:     store,
		agent:     agent,
		messenger: messenger,
		logger:    logging.OrNop(logger),
	}
}

// Run implements task.Runner.
func (r *Runner) Run(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	rec := NewRecorder(r.store, t.ID, r.logger)

	done := rec.Step(ctx, "execute", map[string]string{"message": t.Intent})
	output, err := r.agent.Execute(ctx, t, rec)
	if err != nil {
		// ctx errors mean a cancellation checkpoint fired; the log keeps the
		// partial history either way.
		status := task.LogFailed
		detail := map[string]string{"error": err.Error()}
		if ctx.Err() != nil {
			status = task.LogSkipped
			detail = map[string]string{"message": "stopped at cancellation checkpoint"}
		}
		done(status, detail)
		r.deliver(t, fmt.Sprintf("Task %s stopped: %v", t.ID, err))
		return nil, err
	}
	done(task.LogCompleted, nil)

	r.deliver(t, summarize(output))
	return output, nil
}

// deliver edits the placeholder message captured at dispatch time, falling
// back to a fresh post when there is none. Delivery failures are logged, not
// fatal: the task result already lives in the store.
func (r *Runner) deliver(t *task.Task, text string) {
	if r.messenger == nil || t.Source.Channel == "" {
		return
	}

	// Detached from the runner ctx: a cancelled task still gets its final
	// message edit.
	ctx := context.Background()

	if t.Source.PlaceholderTS != "" {
		if err := r.messenger.UpdateMessage(ctx, t.Source.Channel, t.Source.PlaceholderTS, text); err == nil {
			return
		} else {
			r.logger.Warn("Placeholder edit failed for %s, posting instead: %v", t.ID, err)
		}
	}
	if _, err := r.messenger.PostMessage(ctx, t.Source.Channel, t.Source.ThreadTS, text); err != nil {
		r.logger.Warn("Result post failed for %s: %v", t.ID, err)
	}
}

func summarize(output json.RawMessage) string {
	var payload struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(output, &payload); err == nil && payload.Summary != "" {
		return payload.Summary
	}
	return "Done."
}
