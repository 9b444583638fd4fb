package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"otto/internal/task"
)

// EchoAgent is the built-in agent used when no real agent backend is
// configured. It acknowledges the intent and reports it back as the summary,
// which keeps the full dispatch and delivery path exercisable end to end.
type EchoAgent struct{}

// NewEchoAgent returns the built-in echo agent.
func NewEchoAgent() *EchoAgent { return &EchoAgent{} }

// Execute implements Agent.
func (a *EchoAgent) Execute(ctx context.Context, t *task.Task, rec *Recorder) (json.RawMessage, error) {
	done := rec.Step(ctx, "echo", map[string]string{"intent": t.Intent})
	if err := ctx.Err(); err != nil {
		done(task.LogSkipped, nil)
		return nil, err
	}
	done(task.LogCompleted, nil)

	payload, err := json.Marshal(map[string]string{
		"summary": fmt.Sprintf("Received: %s", t.Intent),
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}
