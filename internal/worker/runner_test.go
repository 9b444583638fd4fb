package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/activity"
	"otto/internal/logging"
	"otto/internal/task"
)

type captureMessenger struct {
	mu      sync.Mutex
	posts   []string
	updates []string
}

func (m *captureMessenger) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, text)
	return "1.1", nil
}

func (m *captureMessenger) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, text)
	return nil
}

func newRunnerFixture(t *testing.T, agent Agent) (*Runner, *task.Store, *captureMessenger) {
	t.Helper()
	store := task.NewStore(logging.Nop())
	messenger := &captureMessenger{}
	return NewRunner(store, agent, messenger, logging.Nop()), store, messenger
}

func createSourcedTask(t *testing.T, store *task.Store) *task.Task {
	t.Helper()
	created, err := store.Create(context.Background(), "user-1", "research", "summarize notes", task.Source{
		Kind:          "slack",
		Channel:       "C1",
		ThreadTS:      "1.0",
		PlaceholderTS: "1.5",
	})
	require.NoError(t, err)
	return created
}

func TestRunnerRecordsStepsAndEditsPlaceholder(t *testing.T) {
	agent := AgentFunc(func(ctx context.Context, tk *task.Task, rec *Recorder) (json.RawMessage, error) {
		done := rec.Step(ctx, "fetch-source", nil)
		done(task.LogCompleted, map[string]string{"path": "/notes"})
		return json.RawMessage(`{"summary":"3 notes summarized"}`), nil
	})
	runner, store, messenger := newRunnerFixture(t, agent)
	created := createSourcedTask(t, store)

	output, err := runner.Run(context.Background(), created)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"3 notes summarized"}`, string(output))

	require.Len(t, messenger.updates, 1)
	assert.Equal(t, "3 notes summarized", messenger.updates[0])
	assert.Empty(t, messenger.posts)

	logs, err := store.Logs(context.Background(), created.ID)
	require.NoError(t, err)
	collapsed := activity.Collapse(logs)
	require.Len(t, collapsed, 2)
	assert.Equal(t, "execute", collapsed[0].Step)
	assert.Equal(t, task.LogCompleted, collapsed[0].Status)
	assert.NotNil(t, collapsed[0].DurationMS)
	assert.Equal(t, "fetch-source", collapsed[1].Step)
	assert.Equal(t, "/notes", collapsed[1].Detail["path"])
}

func TestRunnerFailureKeepsPartialLog(t *testing.T) {
	agent := AgentFunc(func(ctx context.Context, tk *task.Task, rec *Recorder) (json.RawMessage, error) {
		rec.Single(ctx, "fetch-source", task.LogCompleted, nil)
		return nil, errors.New("source unreachable")
	})
	runner, store, messenger := newRunnerFixture(t, agent)
	created := createSourcedTask(t, store)

	_, err := runner.Run(context.Background(), created)
	require.Error(t, err)

	logs, _ := store.Logs(context.Background(), created.ID)
	collapsed := activity.Collapse(logs)
	require.Len(t, collapsed, 2)
	assert.Equal(t, task.LogFailed, collapsed[0].Status)
	assert.Equal(t, "source unreachable", collapsed[0].Detail["error"])
	assert.Equal(t, task.LogCompleted, collapsed[1].Status)

	require.Len(t, messenger.updates, 1)
	assert.Contains(t, messenger.updates[0], "stopped")
}

func TestRunnerCancellationMarksStepSkipped(t *testing.T) {
	agent := AgentFunc(func(ctx context.Context, tk *task.Task, rec *Recorder) (json.RawMessage, error) {
		return nil, ctx.Err()
	})
	runner, store, _ := newRunnerFixture(t, agent)
	created := createSourcedTask(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, created)
	require.Error(t, err)

	logs, _ := store.Logs(context.Background(), created.ID)
	collapsed := activity.Collapse(logs)
	require.Len(t, collapsed, 1)
	assert.Equal(t, task.LogSkipped, collapsed[0].Status)
}

func TestRunnerPostsWhenNoPlaceholder(t *testing.T) {
	agent := AgentFunc(func(ctx context.Context, tk *task.Task, rec *Recorder) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	runner, store, messenger := newRunnerFixture(t, agent)

	created, err := store.Create(context.Background(), "user-1", "research", "hi", task.Source{
		Kind:    "slack",
		Channel: "C1",
	})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), created)
	require.NoError(t, err)

	assert.Empty(t, messenger.updates)
	require.Len(t, messenger.posts, 1)
	assert.Equal(t, "Done.", messenger.posts[0])
}
