package affinity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/billing-bridge/internal/bridge"
	"github.com/yourorg/billing-bridge/internal/status"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New("test-main", WithQueueSize(8))
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.Stop(ctx)
	})
	return l
}

func TestInitiate_RunsOnLoopAndResolvesOnCaller(t *testing.T) {
	l := startLoop(t)

	var onLoop atomic.Bool
	task := Initiate(context.Background(), l, "test.sku", func(ctx context.Context, c *bridge.Continuation[[]string]) error {
		onLoop.Store(l.OnLoop(ctx))
		// The client answers from its own goroutine.
		go c.Complete(status.NewResult(status.OK, ""), []string{"sku_a"})
		return nil
	})

	v, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sku_a"}, v)
	assert.True(t, onLoop.Load())
	assert.False(t, l.OnLoop(context.Background()))
}

func TestInitiate_SynchronousCallbackOnLoop(t *testing.T) {
	l := startLoop(t)

	task := Initiate(context.Background(), l, "test.sync", func(ctx context.Context, c *bridge.Continuation[int]) error {
		c.Resolve(7)
		return nil
	})
	v, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestInitiate_CancelRightAfterSynchronousCallback(t *testing.T) {
	l := startLoop(t)

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		var delivered atomic.Bool
		task := Initiate(ctx, l, "test.handoff", func(_ context.Context, c *bridge.Continuation[int]) error {
			delivered.Store(c.Resolve(42))
			cancel()
			return nil
		})

		v, err := task.Wait(context.Background())
		if delivered.Load() {
			require.NoError(t, err, "a delivered callback reaches the caller")
			require.Equal(t, 42, v)
		} else {
			require.ErrorIs(t, err, bridge.ErrAbandoned)
		}
		cancel()
	}
}

func TestInitiate_NilLoopRunsInline(t *testing.T) {
	called := false
	task := Initiate(context.Background(), nil, "test.inline", func(ctx context.Context, c *bridge.Continuation[int]) error {
		called = true
		c.Resolve(3)
		return nil
	})
	assert.True(t, called)
	v, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestInitiate_NestedOnLoopRunsInline(t *testing.T) {
	l := startLoop(t)

	err := l.Call(context.Background(), func(ctx context.Context) error {
		task := Initiate(ctx, l, "test.nested", func(ctx context.Context, c *bridge.Continuation[int]) error {
			c.Resolve(1)
			return nil
		})
		_, err := task.Wait(ctx)
		return err
	})
	require.NoError(t, err)
}

func TestInitiate_NotStarted(t *testing.T) {
	l := New("never-started")
	task := Initiate(context.Background(), l, "test.unavailable", func(ctx context.Context, c *bridge.Continuation[int]) error {
		t.Error("registration must not run")
		return nil
	})
	_, err := task.Wait(context.Background())
	assert.ErrorIs(t, err, ErrContextUnavailable)
	var regErr *bridge.RegistrationError
	assert.False(t, errors.As(err, &regErr))
}

func TestInitiate_AfterStop(t *testing.T) {
	l := New("stopped")
	require.NoError(t, l.Start())
	require.NoError(t, l.Stop(context.Background()))
	assert.False(t, l.IsRunning())

	task := Initiate(context.Background(), l, "test.stopped", func(ctx context.Context, c *bridge.Continuation[int]) error {
		c.Resolve(1)
		return nil
	})
	_, err := task.Wait(context.Background())
	assert.ErrorIs(t, err, ErrContextUnavailable)
	assert.ErrorIs(t, l.Start(), ErrContextUnavailable)
}

func TestStop_AbortsQueuedJobs(t *testing.T) {
	l := New("draining", WithQueueSize(4))
	require.NoError(t, l.Start())

	release := make(chan struct{})
	require.NoError(t, l.Post(context.Background(), func(ctx context.Context) { <-release }))

	var ran atomic.Bool
	task := Initiate(context.Background(), l, "test.queued", func(ctx context.Context, c *bridge.Continuation[int]) error {
		ran.Store(true)
		c.Resolve(1)
		return nil
	})
	assert.Equal(t, bridge.Pending, task.State())

	stopped := make(chan error, 1)
	go func() { stopped <- l.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return !l.IsRunning() }, time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, <-stopped)
	_, err := task.Wait(context.Background())
	assert.ErrorIs(t, err, ErrContextUnavailable)
	assert.False(t, ran.Load())
}

func TestInitiate_CallerGivesUpWhileQueued(t *testing.T) {
	l := startLoop(t)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, l.Post(context.Background(), func(ctx context.Context) { <-release }))

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	task := Initiate(ctx, l, "test.giveup", func(ctx context.Context, c *bridge.Continuation[int]) error {
		ran.Store(true)
		c.Resolve(1)
		return nil
	})

	_, err := task.Wait(context.Background())
	assert.ErrorIs(t, err, bridge.ErrAbandoned)
	assert.Equal(t, bridge.Abandoned, task.State())
	assert.False(t, ran.Load())
}

func TestInitiate_RegistrationErrorOnLoop(t *testing.T) {
	l := startLoop(t)
	refused := errors.New("client refused listener")

	task := Initiate(context.Background(), l, "test.refused", func(ctx context.Context, c *bridge.Continuation[int]) error {
		return refused
	})
	_, err := task.Wait(context.Background())
	var regErr *bridge.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.ErrorIs(t, err, refused)
}

func TestInitiate_PanicBecomesRegistrationError(t *testing.T) {
	l := startLoop(t)

	task := Initiate(context.Background(), l, "test.panic", func(ctx context.Context, c *bridge.Continuation[int]) error {
		panic("no activity attached")
	})
	_, err := task.Wait(context.Background())
	var regErr *bridge.RegistrationError
	require.ErrorAs(t, err, &regErr)

	// The loop keeps serving work.
	assert.NoError(t, l.Call(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestCall_ReturnsError(t *testing.T) {
	l := startLoop(t)
	boom := errors.New("boom")
	assert.ErrorIs(t, l.Call(context.Background(), func(ctx context.Context) error { return boom }), boom)
}

func TestPost_RunsInOrder(t *testing.T) {
	l := startLoop(t)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Post(context.Background(), func(ctx context.Context) {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		}))
	}
	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestStart_Idempotent(t *testing.T) {
	l := startLoop(t)
	assert.NoError(t, l.Start())
	assert.True(t, l.IsRunning())
	assert.Equal(t, "test-main", l.Name())
}
