package bridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime/debug"
	"sync"
	"time"

	"github.com/yourorg/billing-bridge/internal/logging"
	"github.com/yourorg/billing-bridge/internal/metrics"
	"github.com/yourorg/billing-bridge/internal/status"
)

// StreamRegistration arranges for the client to report into e until the
// operation reaches a terminal outcome, at which point it calls Close or Fail.
type StreamRegistration[T any] func(e *Emitter[T]) error

type streamItem[T any] struct {
	value T
	err   error
}

// Emitter is the callback side of a Stream. Emits never block the caller;
// items are queued until the consumer pulls them.
type Emitter[T any] struct {
	name   string
	ctx    context.Context
	logger *logging.Logger
	notify chan struct{}

	mu     sync.Mutex
	queue  []streamItem[T]
	closed bool
	ended  bool
	hooks  []func()
}

func newEmitter[T any](ctx context.Context, name string) *Emitter[T] {
	return &Emitter[T]{
		name:   name,
		ctx:    ctx,
		logger: logging.FromContext(ctx).WithComponent("bridge").WithOperation(name),
		notify: make(chan struct{}, 1),
	}
}

func (e *Emitter[T]) push(item streamItem[T], terminal bool) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		metrics.CallbackDropped(e.name)
		e.logger.Debug("late stream callback dropped")
		return false
	}
	if terminal {
		e.closed = true
	}
	e.queue = append(e.queue, item)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return true
}

// Emit delivers one value to the consumer.
func (e *Emitter[T]) Emit(v T) bool {
	return e.push(streamItem[T]{value: v}, false)
}

// EmitResult classifies res. OK emits v; any other code ends the stream with
// a *status.ResultError.
func (e *Emitter[T]) EmitResult(res status.Result, v T) bool {
	outcome := status.ClassifyResult(res)
	if outcome.Kind == status.Success {
		return e.Emit(v)
	}
	delivered := e.Fail(outcome.Err())
	if delivered {
		metrics.ResultFailure(e.name, res.Code.String())
	}
	return delivered
}

// Fail ends the stream with err.
func (e *Emitter[T]) Fail(err error) bool {
	if err == nil {
		err = ErrNilFailure
	}
	return e.push(streamItem[T]{err: err}, true)
}

// Close ends the stream normally after queued values are consumed.
func (e *Emitter[T]) Close() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return true
}

// Context is cancelled once the consumer stops listening.
func (e *Emitter[T]) Context() context.Context {
	return e.ctx
}

// OnCancel registers fn to run if the consumer stops before the stream ends.
func (e *Emitter[T]) OnCancel(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	if !e.ended {
		e.hooks = append(e.hooks, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
}

// next blocks for the next queued item. more is false once the stream is
// closed and drained.
func (e *Emitter[T]) next(ctx context.Context) (item streamItem[T], more bool, err error) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			item = e.queue[0]
			e.queue[0] = streamItem[T]{}
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return item, true, nil
		}
		if e.closed {
			e.mu.Unlock()
			return item, false, nil
		}
		e.mu.Unlock()

		select {
		case <-e.notify:
		case <-ctx.Done():
			return item, false, context.Cause(ctx)
		}
	}
}

// stop detaches the emitter from its consumer. Hooks run only when the
// consumer left before the producer finished.
func (e *Emitter[T]) stop() {
	e.mu.Lock()
	finished := e.closed
	e.closed = true
	e.ended = true
	e.queue = nil
	hooks := e.hooks
	e.hooks = nil
	e.mu.Unlock()

	if !finished {
		runHooks(e.logger, hooks)
	}
}

// Stream adapts a multi-fire callback into a lazy sequence. Nothing is
// registered until the sequence is ranged over, and every range registers
// afresh, so the sequence can be consumed again. It ends when the producer
// closes or fails, when ctx ends, or when the consumer stops iterating.
// Failures and abandonment are yielded once as the final error.
func Stream[T any](ctx context.Context, name string, register StreamRegistration[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if err := ctx.Err(); err != nil {
			yield(zero, abandonedErr(err))
			return
		}

		inner, cancel := context.WithCancel(ctx)
		defer cancel()

		started := time.Now()
		e := newEmitter[T](inner, name)
		outcome := metrics.OutcomeAbandoned
		defer func() {
			e.stop()
			metrics.TaskFinished(name, outcome, time.Since(started).Seconds())
		}()

		metrics.TaskStarted(name)
		if err := registerStream(name, register, e); err != nil {
			if ctx.Err() != nil {
				// The consumer left while the registration was still running.
				yield(zero, abandonedErr(context.Cause(ctx)))
				return
			}
			outcome = metrics.OutcomeFailed
			yield(zero, err)
			return
		}

		for {
			item, more, err := e.next(inner)
			if err != nil {
				yield(zero, abandonedErr(err))
				return
			}
			if !more {
				outcome = metrics.OutcomeResolved
				return
			}
			if item.err != nil {
				outcome = metrics.OutcomeFailed
				yield(zero, item.err)
				return
			}
			if !yield(item.value, nil) {
				return
			}
		}
	}
}

// First returns the first value of a stream and stops listening, which is the
// first-shot form of a multi-fire operation. A stream that closes without a
// value yields the zero value.
func First[T any](ctx context.Context, name string, register StreamRegistration[T]) (T, error) {
	for v, err := range Stream(ctx, name, register) {
		return v, err
	}
	var zero T
	return zero, nil
}

func registerStream[T any](name string, register StreamRegistration[T], e *Emitter[T]) (err error) {
	if register == nil {
		return &RegistrationError{Operation: name, Err: errors.New("nil registration")}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &RegistrationError{Operation: name, Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
	}()
	if regErr := register(e); regErr != nil {
		return &RegistrationError{Operation: name, Err: regErr}
	}
	return nil
}
