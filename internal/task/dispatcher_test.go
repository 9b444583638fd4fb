package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otto/internal/logging"
)

func waitForStatus(t *testing.T, store *Store, taskID string, want Status) *Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(context.Background(), taskID)
		require.NoError(t, err)
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := store.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (last: %s)", taskID, want, got.Status)
	return nil
}

func startDispatcher(t *testing.T, store *Store, runner Runner, opts DispatcherOptions) (*Dispatcher, context.CancelFunc) {
	t.Helper()
	d := NewDispatcher(store, runner, opts, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Start(ctx) }()
	return d, cancel
}

func TestDispatchRunsToCompletion(t *testing.T) {
	store := newTestStore()
	runner := RunnerFunc(func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		return json.RawMessage(`{"answer":42}`), nil
	})
	d, stop := startDispatcher(t, store, runner, DispatcherOptions{})
	defer stop()

	taskID, err := d.Dispatch(context.Background(), Request{UserID: "user-1", Message: "compute", Agent: "research"})
	require.NoError(t, err)

	got := waitForStatus(t, store, taskID, StatusCompleted)
	assert.JSONEq(t, `{"answer":42}`, string(got.Output))
}

func TestDispatchRecordsRunnerFailure(t *testing.T) {
	store := newTestStore()
	runner := RunnerFunc(func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		return nil, errors.New("model unavailable")
	})
	d, stop := startDispatcher(t, store, runner, DispatcherOptions{})
	defer stop()

	taskID, err := d.Dispatch(context.Background(), Request{UserID: "user-1", Message: "compute"})
	require.NoError(t, err)

	got := waitForStatus(t, store, taskID, StatusFailed)
	assert.Equal(t, "model unavailable", got.Error)
}

func TestDispatchContainsRunnerPanic(t *testing.T) {
	store := newTestStore()
	runner := RunnerFunc(func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		panic("boom")
	})
	d, stop := startDispatcher(t, store, runner, DispatcherOptions{})
	defer stop()

	taskID, err := d.Dispatch(context.Background(), Request{UserID: "user-1", Message: "compute"})
	require.NoError(t, err)

	got := waitForStatus(t, store, taskID, StatusFailed)
	assert.Contains(t, got.Error, "runner panic")
}

func TestDispatchCancelStopsRunnerCooperatively(t *testing.T) {
	store := newTestStore()
	started := make(chan string, 1)
	runner := RunnerFunc(func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		started <- tk.ID
		<-ctx.Done() // checkpoint: observe cancellation, stop work
		return nil, ctx.Err()
	})
	d, stop := startDispatcher(t, store, runner, DispatcherOptions{})
	defer stop()

	taskID, err := d.Dispatch(context.Background(), Request{UserID: "user-1", Message: "long job"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}

	applied, err := store.Cancel(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, applied)

	got := waitForStatus(t, store, taskID, StatusCancelled)
	assert.NotNil(t, got.CancelledAt)
	// The runner's context.Canceled return must not flip the terminal state.
	time.Sleep(20 * time.Millisecond)
	got, _ = store.Get(context.Background(), taskID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestDispatchQueueFullSurfacesBackpressure(t *testing.T) {
	store := newTestStore()
	block := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		<-block
		return nil, nil
	})
	d, stop := startDispatcher(t, store, runner, DispatcherOptions{QueueSize: 1, Workers: 1})
	defer stop()
	defer close(block)

	// Saturate the single worker, then the single queue slot.
	_, err := d.Dispatch(context.Background(), Request{UserID: "user-1", Message: "a"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	var overflowID string
	for time.Now().Before(deadline) {
		id, err := d.Dispatch(context.Background(), Request{UserID: "user-1", Message: "fill"})
		if errors.Is(err, ErrQueueFull) {
			overflowID = id
			break
		}
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, overflowID, "queue never reported backpressure")

	got, err := store.Get(context.Background(), overflowID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "dispatch queue full", got.Error)
}

func TestDispatchSkipsTaskCancelledWhileQueued(t *testing.T) {
	store := newTestStore()
	block := make(chan struct{})
	ran := make(chan string, 8)
	runner := RunnerFunc(func(ctx context.Context, tk *Task) (json.RawMessage, error) {
		ran <- tk.ID
		<-block
		return nil, nil
	})
	d, stop := startDispatcher(t, store, runner, DispatcherOptions{QueueSize: 4, Workers: 1})
	defer stop()
	defer close(block)

	first, err := d.Dispatch(context.Background(), Request{UserID: "user-1", Message: "a"})
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never started")
	}

	queuedID, err := d.Dispatch(context.Background(), Request{UserID: "user-1", Message: "b"})
	require.NoError(t, err)
	applied, err := store.Cancel(context.Background(), queuedID)
	require.NoError(t, err)
	assert.True(t, applied)

	got := waitForStatus(t, store, queuedID, StatusCancelled)
	assert.Equal(t, StatusCancelled, got.Status)
	_ = first
}
