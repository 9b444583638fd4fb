package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"otto/internal/logging"
)

var (
	// ErrQueueFull is returned when the dispatch queue cannot absorb another task.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrClosed is returned when dispatching after shutdown began.
	ErrClosed = errors.New("dispatcher closed")
)

// Request is a dispatch handoff from a chat surface or webhook gateway.
type Request struct {
	UserID  string
	Message string
	Agent   string
	Source  Source
}

// Runner executes one task. It is the external worker collaborator: it
// transitions nothing itself beyond appending activity entries through the
// store, returns the structured output on success, and must honor ctx
// cancellation at its checkpoints.
type Runner interface {
	Run(ctx context.Context, t *Task) (json.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, t *Task) (json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, t *Task) (json.RawMessage, error) {
	return f(ctx, t)
}

// DispatcherOptions tunes the worker pool.
type DispatcherOptions struct {
	QueueSize int // default 64
	Workers   int // default 4
}

// Dispatcher admits tasks into the store and hands them to a worker pool
// through a bounded queue. Dispatch is the enqueue-and-return unit; callers
// never await execution.
type Dispatcher struct {
	store  *Store
	runner Runner
	queue  chan string
	opts   DispatcherOptions
	logger logging.Logger
	tracer trace.Tracer
	closed atomic.Bool
}

// NewDispatcher creates a dispatcher bound to the store and runner.
func NewDispatcher(store *Store, runner Runner, opts DispatcherOptions, logger logging.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Dispatcher{
		store:  store,
		runner: runner,
		queue:  make(chan string, opts.QueueSize),
		opts:   opts,
		logger: logging.OrNop(logger),
		tracer: otel.Tracer("otto/dispatcher"),
	}
}

// QueueDepth reports how many tasks are waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Dispatch creates the task in pending, enqueues it, and returns the task ID
// immediately. A full queue fails the task and surfaces backpressure to the
// caller.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if d.closed.Load() {
		return "", ErrClosed
	}

	t, err := d.store.Create(ctx, req.UserID, req.Agent, req.Message, req.Source)
	if err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}

	select {
	case d.queue <- t.ID:
	default:
		if failErr := d.store.Fail(ctx, t.ID, "dispatch queue full"); failErr != nil {
			d.logger.Error("Failed to mark overflowed task %s: %v", t.ID, failErr)
		}
		return t.ID, fmt.Errorf("dispatch %s: %w", t.ID, ErrQueueFull)
	}

	if err := d.store.SetStatus(ctx, t.ID, StatusQueued); err != nil {
		d.logger.Warn("Queued transition for %s: %v", t.ID, err)
	}
	d.logger.Info("Dispatched task %s (user=%s agent=%s)", t.ID, req.UserID, t.Agent)
	return t.ID, nil
}

// Start runs the worker pool until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case taskID := <-d.queue:
					d.execute(ctx, taskID)
				}
			}
		})
	}
	err := g.Wait()
	d.closed.Store(true)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// execute drives one task through running to a terminal state. The runner
// context is cancelled when the task's cancel signal fires, so workers stop
// cooperatively at their next checkpoint.
func (d *Dispatcher) execute(ctx context.Context, taskID string) {
	t, err := d.store.Get(ctx, taskID)
	if err != nil {
		d.logger.Error("Worker lookup for %s: %v", taskID, err)
		return
	}
	if t.Status.IsTerminal() {
		// Cancelled (or failed on overflow) while still queued.
		return
	}

	if err := d.store.SetStatus(ctx, taskID, StatusRunning); err != nil {
		d.logger.Error("Running transition for %s: %v", taskID, err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-d.store.CancelSignal(taskID):
			cancel()
		case <-stopWatch:
		}
	}()
	defer close(stopWatch)

	runCtx, span := d.tracer.Start(runCtx, "task.run", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.agent", t.Agent),
	))
	defer span.End()

	output, runErr := d.runGuarded(runCtx, t)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if errors.Is(runErr, context.Canceled) {
			// Terminal state was already written by the cancel path; the CAS
			// in the store keeps a late failed write from landing anyway.
			d.logger.Info("Task %s stopped at cancellation checkpoint", taskID)
			return
		}
		if err := d.store.Fail(ctx, taskID, runErr.Error()); err != nil {
			d.logger.Error("Failing task %s: %v", taskID, err)
		}
		return
	}

	span.SetStatus(codes.Ok, "")
	if err := d.store.Complete(ctx, taskID, output); err != nil {
		d.logger.Error("Completing task %s: %v", taskID, err)
	}
}

// runGuarded converts a runner panic into an error so one bad task cannot
// take down the pool.
func (d *Dispatcher) runGuarded(ctx context.Context, t *Task) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return d.runner.Run(ctx, t)
}
