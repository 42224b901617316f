// Package affinity runs work on a designated goroutine.
//
// Some billing operations may only be initiated from the context that owns a
// foreground surface, because the client can launch an interaction
// synchronously. A Loop owns one goroutine and a job queue; Initiate marshals
// the start of a bridged operation onto it and hands the resulting task back to
// the caller, who can wait on it from any goroutine. A Loop guarantees where
// initiation happens, not mutual exclusion between operations.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/yourorg/billing-bridge/internal/bridge"
	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/metrics"
)

// ErrContextUnavailable is returned when the loop is not running, is shutting
// down, or dropped a queued job during shutdown.
var ErrContextUnavailable = errors.New("affinity: execution context unavailable")

const defaultQueueSize = 64

type loopState int

const (
	stateNew loopState = iota
	stateRunning
	stateStopping
	stateStopped
)

type job struct {
	ctx   context.Context
	run   func(ctx context.Context)
	abort func()
}

// Loop is a single goroutine executing posted jobs in order.
type Loop struct {
	name   string
	logger *logging.Logger
	jobs   chan job
	quit   chan struct{}
	exited chan struct{}

	mu    sync.RWMutex
	state loopState
}

// Option configures a Loop.
type Option func(*Loop)

// WithQueueSize sets the job buffer size.
func WithQueueSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.jobs = make(chan job, n)
		}
	}
}

// WithLogger sets the loop's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		l.logger = logging.OrNop(logger)
	}
}

// New creates a stopped loop. Call Start before posting work.
func New(name string, opts ...Option) *Loop {
	l := &Loop{
		name:   name,
		logger: logging.Nop(),
		jobs:   make(chan job, defaultQueueSize),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithComponent("affinity").With("loop", name)
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Start launches the loop goroutine. A loop runs at most once.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateRunning:
		return nil
	case stateStopping, stateStopped:
		return fmt.Errorf("affinity: loop %s already stopped: %w", l.name, ErrContextUnavailable)
	}
	l.state = stateRunning
	go l.run()
	l.logger.Info("loop started")
	return nil
}

// Stop shuts the loop down. Jobs still queued are aborted with
// ErrContextUnavailable. Stop waits for the running job to finish or ctx to end.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case stateNew:
		l.state = stateStopped
		close(l.quit)
		close(l.exited)
		l.mu.Unlock()
		return nil
	case stateRunning:
		l.state = stateStopping
		close(l.quit)
	}
	l.mu.Unlock()

	select {
	case <-l.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("affinity: stopping loop %s: %w", l.name, ctx.Err())
	}
}

// IsRunning reports whether the loop accepts work.
func (l *Loop) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == stateRunning
}

type loopKey struct{}

// OnLoop reports whether ctx was handed out by this loop, i.e. the caller is
// already executing on the loop goroutine.
func (l *Loop) OnLoop(ctx context.Context) bool {
	if l == nil || ctx == nil {
		return false
	}
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// Post queues fn to run on the loop. fn receives a context derived from ctx
// that marks it as running on this loop. If ctx ends before fn is dequeued,
// fn is skipped.
func (l *Loop) Post(ctx context.Context, fn func(ctx context.Context)) error {
	return l.submit(ctx, job{ctx: ctx, run: fn})
}

// Call runs fn on the loop and waits for it to return. A panic in fn is
// returned as an error.
func (l *Loop) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.OnLoop(ctx) {
		return fn(ctx)
	}
	result := make(chan error, 1)
	err := l.submit(ctx, job{
		ctx: ctx,
		run: func(loopCtx context.Context) {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("call panicked", "panic", r, "stack", string(debug.Stack()))
					result <- fmt.Errorf("affinity: loop %s: panic: %v", l.name, r)
				}
			}()
			result <- fn(loopCtx)
		},
		abort: func() { result <- fmt.Errorf("affinity: loop %s: %w", l.name, ErrContextUnavailable) },
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) submit(ctx context.Context, j job) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != stateRunning {
		metrics.LoopJob(l.name, "rejected")
		return fmt.Errorf("affinity: loop %s: %w", l.name, ErrContextUnavailable)
	}
	select {
	case l.jobs <- j:
		return nil
	case <-ctx.Done():
		metrics.LoopJob(l.name, "cancelled")
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer func() {
		l.mu.Lock()
		l.state = stateStopped
		l.mu.Unlock()
		close(l.exited)
		l.logger.Info("loop stopped")
	}()

	for {
		// Shutdown takes priority over queued work.
		select {
		case <-l.quit:
			l.drain()
			return
		default:
		}

		select {
		case j := <-l.jobs:
			l.exec(j)
		case <-l.quit:
			l.drain()
			return
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case j := <-l.jobs:
			metrics.LoopJob(l.name, "aborted")
			if j.abort != nil {
				j.abort()
			}
		default:
			return
		}
	}
}

func (l *Loop) exec(j job) {
	if j.ctx != nil && j.ctx.Err() != nil {
		metrics.LoopJob(l.name, "skipped")
		if j.abort != nil {
			j.abort()
		}
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopJob(l.name, "panicked")
			l.logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	j.run(context.WithValue(ctx, loopKey{}, l))
	metrics.LoopJob(l.name, "executed")
}

// Registration registers a bridged operation. When it runs on the loop, ctx
// marks the loop and ends once the task is terminal.
type Registration[T any] func(ctx context.Context, c *bridge.Continuation[T]) error

// Initiate starts a bridged operation whose registration runs on the loop and
// returns its task, which the caller may wait on from any goroutine. The task
// exists before the job is queued, so a callback that fires on the loop and a
// caller that gives up race on the same task and exactly one of them wins. A
// nil loop, or a ctx already running on the loop, registers inline. When the
// loop cannot take the job the task fails with ErrContextUnavailable.
func Initiate[T any](ctx context.Context, l *Loop, name string, register Registration[T]) *bridge.Task[T] {
	if l == nil || l.OnLoop(ctx) {
		return bridge.Start(ctx, name, func(c *bridge.Continuation[T]) error {
			return register(ctx, c)
		})
	}

	return bridge.Start(ctx, name, func(c *bridge.Continuation[T]) error {
		taskCtx := c.Context()
		err := l.submit(taskCtx, job{
			ctx: taskCtx,
			run: func(loopCtx context.Context) {
				defer func() {
					if r := recover(); r != nil {
						c.Fail(&bridge.RegistrationError{
							Operation: name,
							Err:       fmt.Errorf("panic: %v", r),
							Stack:     debug.Stack(),
						})
					}
				}()
				if err := register(loopCtx, c); err != nil {
					c.Fail(&bridge.RegistrationError{Operation: name, Err: err})
				}
			},
			abort: func() {
				// A task that already ended, abandoned included, keeps its outcome.
				if taskCtx.Err() == nil {
					c.Fail(fmt.Errorf("affinity: loop %s: %w", l.name, ErrContextUnavailable))
				}
			},
		})
		if err != nil && taskCtx.Err() == nil {
			c.Fail(err)
		}
		return nil
	})
}
