// Package bridge turns callback-registering operations into tasks.
//
// A Registration receives a Continuation and arranges for the underlying client
// to call exactly one of Resolve, Fail or Complete. Start runs the registration
// synchronously and returns a Task that resolves at most once: the first
// resolution, failure or abandonment wins and every later invocation is dropped.
//
// Callers suspend in Task.Wait, which also abandons the task when the caller's
// context ends. Abandonment runs the hooks registered through
// Continuation.OnCancel so the client can be asked to forget the callback.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/metrics"
	"github.com/yourorg/billing-bridge/internal/status"
)

// State is the lifecycle position of a Task.
type State int32

const (
	Pending State = iota
	Resolved
	Failed
	Abandoned
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrAbandoned is returned by Wait when the caller withdrew interest before resolution.
var ErrAbandoned = errors.New("bridge: task abandoned")

// ErrNilFailure replaces a nil error passed to Continuation.Fail.
var ErrNilFailure = errors.New("bridge: failure reported without an error")

// RegistrationError reports that the registration itself failed before any
// callback could fire. It carries no status code.
type RegistrationError struct {
	Operation string
	Err       error
	Stack     []byte
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("bridge: registration of %s failed: %v", e.Operation, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// Registration arranges for the client to eventually complete c.
// Returning an error fails the task immediately.
type Registration[T any] func(c *Continuation[T]) error

// Task is the handle to one in-flight bridged operation.
type Task[T any] struct {
	name    string
	started time.Time
	logger  *logging.Logger
	done    chan struct{}
	// counted is set once the task is reported as started, so tasks built
	// without a registration stay out of the task metrics.
	counted bool

	ctx       context.Context
	cancel    context.CancelFunc
	stopAfter func() bool

	mu    sync.Mutex
	state State
	value T
	err   error
	hooks []func()
	thens []func(T, error)
	cont  *Continuation[T]
}

// Start creates a pending task and runs register synchronously.
// If ctx is already done the task is returned abandoned and register is not called.
func Start[T any](ctx context.Context, name string, register Registration[T]) *Task[T] {
	t := newTask[T](ctx, name)
	if err := ctx.Err(); err != nil {
		t.finish(Abandoned, *new(T), abandonedErr(err))
		return t
	}

	metrics.TaskStarted(name)
	t.mu.Lock()
	t.counted = true
	t.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		t.abandon(context.Cause(ctx))
	})
	t.mu.Lock()
	if t.state == Pending {
		t.stopAfter = stop
	}
	t.mu.Unlock()
	t.register(register)
	return t
}

// Await starts the operation and waits for its outcome.
func Await[T any](ctx context.Context, name string, register Registration[T]) (T, error) {
	return Start(ctx, name, register).Wait(ctx)
}

// ResolvedTask returns a task that is already resolved with v.
func ResolvedTask[T any](name string, v T) *Task[T] {
	t := newTask[T](context.Background(), name)
	t.finish(Resolved, v, nil)
	return t
}

// FailedTask returns a task that has already failed with err.
func FailedTask[T any](name string, err error) *Task[T] {
	t := newTask[T](context.Background(), name)
	if err == nil {
		err = ErrNilFailure
	}
	t.finish(Failed, *new(T), err)
	return t
}

func newTask[T any](ctx context.Context, name string) *Task[T] {
	inner, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		name:    name,
		started: time.Now(),
		logger:  logging.FromContext(ctx).WithComponent("bridge").WithOperation(name),
		done:    make(chan struct{}),
		ctx:     inner,
		cancel:  cancel,
	}
	t.cont = &Continuation[T]{name: name, logger: t.logger}
	t.cont.task.Store(t)
	return t
}

func (t *Task[T]) register(register Registration[T]) {
	if register == nil {
		t.finish(Failed, *new(T), &RegistrationError{Operation: t.name, Err: errors.New("nil registration")})
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.finish(Failed, *new(T), &RegistrationError{
				Operation: t.name,
				Err:       fmt.Errorf("panic: %v", r),
				Stack:     debug.Stack(),
			})
		}
	}()
	if err := register(t.cont); err != nil {
		t.finish(Failed, *new(T), &RegistrationError{Operation: t.name, Err: err})
	}
}

// finish performs the single check-and-set transition out of Pending.
func (t *Task[T]) finish(state State, v T, err error) bool {
	t.mu.Lock()
	if t.state != Pending {
		t.mu.Unlock()
		return false
	}
	t.state = state
	t.value = v
	t.err = err
	hooks := t.hooks
	t.hooks = nil
	thens := t.thens
	t.thens = nil
	stopAfter := t.stopAfter
	counted := t.counted
	t.mu.Unlock()

	if state == Abandoned {
		t.cont.abandoned.Store(true)
	}
	t.cont.task.Store(nil)
	close(t.done)
	t.cancel()
	if stopAfter != nil {
		stopAfter()
	}

	if counted {
		metrics.TaskFinished(t.name, outcomeLabel(state), time.Since(t.started).Seconds())
	}
	if state == Abandoned {
		t.logger.Debug("task abandoned", "cause", err)
		runHooks(t.logger, hooks)
	}
	for _, fn := range thens {
		t.runThen(fn, v, err)
	}
	return true
}

func outcomeLabel(s State) string {
	switch s {
	case Resolved:
		return metrics.OutcomeResolved
	case Failed:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeAbandoned
	}
}

func (t *Task[T]) runThen(fn func(T, error), v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("completion hook panicked", "panic", r)
		}
	}()
	fn(v, err)
}

func (t *Task[T]) abandon(cause error) bool {
	if cause == nil {
		cause = context.Canceled
	}
	return t.finish(Abandoned, *new(T), abandonedErr(cause))
}

func abandonedErr(cause error) error {
	return fmt.Errorf("%w: %w", ErrAbandoned, cause)
}

func runHooks(logger *logging.Logger, hooks []func()) {
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("cancel hook panicked", "panic", r)
				}
			}()
			h()
		}()
	}
}

// Name returns the operation name the task was started with.
func (t *Task[T]) Name() string {
	return t.name
}

// Done returns a channel closed once the task is terminal.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// State reports the current state.
func (t *Task[T]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the outcome without blocking. ok is false while pending.
func (t *Task[T]) Result() (v T, err error, ok bool) {
	select {
	case <-t.done:
		return t.value, t.err, true
	default:
		return v, nil, false
	}
}

// Wait blocks until the task is terminal or ctx ends. When ctx ends first the
// task is abandoned, unless a resolution won the race, in which case it is returned.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		t.abandon(context.Cause(ctx))
		<-t.done
	}
	return t.value, t.err
}

// Then registers fn to run with the outcome once the task is terminal. fn runs
// on the goroutine that finished the task, or immediately if it already has.
// It must not block.
func (t *Task[T]) Then(fn func(v T, err error)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	if t.state == Pending {
		t.thens = append(t.thens, fn)
		t.mu.Unlock()
		return
	}
	v, err := t.value, t.err
	t.mu.Unlock()
	t.runThen(fn, v, err)
}

// Abandon withdraws interest in a pending task. It reports whether this call
// moved the task out of Pending.
func (t *Task[T]) Abandon() bool {
	return t.abandon(context.Canceled)
}

// Continuation is the callback side of a Task. Once the task is terminal it
// releases its reference, so a client that retains the listener does not pin the task.
type Continuation[T any] struct {
	name      string
	logger    *logging.Logger
	task      atomic.Pointer[Task[T]]
	abandoned atomic.Bool
}

// Resolve completes the task with v. It reports whether v was delivered.
func (c *Continuation[T]) Resolve(v T) bool {
	t := c.task.Load()
	if t == nil || !t.finish(Resolved, v, nil) {
		c.dropped()
		return false
	}
	return true
}

// Fail completes the task with err.
func (c *Continuation[T]) Fail(err error) bool {
	if err == nil {
		err = ErrNilFailure
	}
	t := c.task.Load()
	if t == nil || !t.finish(Failed, *new(T), err) {
		c.dropped()
		return false
	}
	return true
}

// Complete classifies res: OK resolves with v (even when v is empty), any
// other code fails with a *status.ResultError.
func (c *Continuation[T]) Complete(res status.Result, v T) bool {
	outcome := status.ClassifyResult(res)
	if outcome.Kind == status.Success {
		return c.Resolve(v)
	}
	delivered := c.Fail(outcome.Err())
	if delivered {
		metrics.ResultFailure(c.name, res.Code.String())
	}
	return delivered
}

// Context is cancelled once the task is terminal or abandoned.
// Registrations may hand it to clients that accept a context.
func (c *Continuation[T]) Context() context.Context {
	if t := c.task.Load(); t != nil {
		return t.ctx
	}
	return doneContext
}

// OnCancel registers fn to run if the task is abandoned. If the task was
// already abandoned fn runs immediately; if it already completed fn is discarded.
func (c *Continuation[T]) OnCancel(fn func()) {
	if fn == nil {
		return
	}
	t := c.task.Load()
	if t == nil {
		if c.abandoned.Load() {
			runHooks(c.logger, []func(){fn})
		}
		return
	}
	t.mu.Lock()
	switch t.state {
	case Pending:
		t.hooks = append(t.hooks, fn)
		t.mu.Unlock()
	case Abandoned:
		t.mu.Unlock()
		runHooks(c.logger, []func(){fn})
	default:
		t.mu.Unlock()
	}
}

func (c *Continuation[T]) dropped() {
	metrics.CallbackDropped(c.name)
	c.logger.Debug("late callback dropped")
}

var doneContext = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()
