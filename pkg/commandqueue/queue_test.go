package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, cq *CommandQueue, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, cq.Drain(ctx))
}

func running(cq *CommandQueue, lane string) int {
	return cq.Stats()[lane].Running
}

func TestCommandQueue_SubmitRunsTask(t *testing.T) {
	cq := New(Config{Workers: 1})
	defer cq.Close()

	done := make(chan struct{})
	id, err := cq.Submit(context.Background(), "test", func(ctx context.Context) error {
		close(done)
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "test-1", id)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestCommandQueue_SubmitDoesNotWait(t *testing.T) {
	cq := New(Config{Workers: 1})
	defer cq.Close()

	release := make(chan struct{})
	start := time.Now()
	_, err := cq.Submit(context.Background(), "test", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(release)
	drain(t, cq, time.Second)
}

func TestCommandQueue_FailuresAndPanicsAreReported(t *testing.T) {
	cq := New(Config{Workers: 2})
	defer cq.Close()

	var mu sync.Mutex
	results := map[string]error{}
	cq.On(EventCompleted, func(event Event) {
		mu.Lock()
		results[event.TaskID] = event.Err
		mu.Unlock()
	})

	okID, err := cq.Submit(context.Background(), "test", func(ctx context.Context) error {
		return nil
	}, nil)
	require.NoError(t, err)
	failID, err := cq.Submit(context.Background(), "test", func(ctx context.Context) error {
		return errors.New("boom")
	}, nil)
	require.NoError(t, err)
	panicID, err := cq.Submit(context.Background(), "test", func(ctx context.Context) error {
		panic("kaboom")
	}, nil)
	require.NoError(t, err)

	drain(t, cq, time.Second)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, results[okID])
	assert.EqualError(t, results[failID], "boom")
	assert.ErrorContains(t, results[panicID], "kaboom")
}

func TestCommandQueue_BoundedConcurrency(t *testing.T) {
	cq := New(Config{Workers: 2})
	defer cq.Close()

	var active, peak atomic.Int32
	for i := 0; i < 8; i++ {
		_, err := cq.Submit(context.Background(), "bounded", func(ctx context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		}, nil)
		require.NoError(t, err)
	}

	drain(t, cq, 2*time.Second)
	assert.Equal(t, int32(2), peak.Load())
}

func TestCommandQueue_QueueFull(t *testing.T) {
	cq := New(Config{Workers: 1, MaxQueued: 1})
	defer cq.Close()

	release := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	_, err := cq.Submit(context.Background(), "full", block, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return running(cq, "full") == 1
	}, time.Second, 5*time.Millisecond)

	_, err = cq.Submit(context.Background(), "full", block, nil)
	require.NoError(t, err)

	_, err = cq.Submit(context.Background(), "full", block, &TaskOptions{Key: "k"})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	drain(t, cq, time.Second)

	_, err = cq.Submit(context.Background(), "full", block, &TaskOptions{Key: "k"})
	assert.NoError(t, err, "a refused key can be submitted again")
	drain(t, cq, time.Second)
}

func TestCommandQueue_DuplicateKey(t *testing.T) {
	cq := New(Config{Workers: 1})
	defer cq.Close()

	var runs atomic.Int32
	task := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}

	first, err := cq.Submit(context.Background(), "dedup", task, &TaskOptions{Key: "req-1"})
	require.NoError(t, err)

	again, err := cq.Submit(context.Background(), "dedup", task, &TaskOptions{Key: "req-1"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, first, again)

	drain(t, cq, time.Second)
	assert.Equal(t, int32(1), runs.Load())
}

func TestCommandQueue_DetachedContext(t *testing.T) {
	cq := New(Config{Workers: 1})
	defer cq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	_, err := cq.Submit(ctx, "detached", func(taskCtx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		errCh <- taskCtx.Err()
		return nil
	}, nil)
	require.NoError(t, err)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}

func TestCommandQueue_SetLimit(t *testing.T) {
	cq := New(Config{Workers: 1})
	defer cq.Close()

	assert.Error(t, cq.SetLimit("limit", 0))

	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		_, err := cq.Submit(context.Background(), "limit", func(ctx context.Context) error {
			<-release
			return nil
		}, nil)
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		return running(cq, "limit") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, LaneStats{Queued: 2, Running: 1, Limit: 1}, cq.Stats()["limit"])

	require.NoError(t, cq.SetLimit("limit", 3))
	assert.Eventually(t, func() bool {
		return running(cq, "limit") == 3
	}, time.Second, 5*time.Millisecond, "raising the limit starts waiting tasks")

	close(release)
	drain(t, cq, time.Second)
	assert.Equal(t, LaneStats{Limit: 3}, cq.Stats()["limit"])
	_, ok := cq.Stats()["missing"]
	assert.False(t, ok)
}

func TestCommandQueue_DrainTimeout(t *testing.T) {
	cq := New(Config{Workers: 1})
	defer cq.Close()

	release := make(chan struct{})
	defer close(release)
	_, err := cq.Submit(context.Background(), "slow", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cq.Drain(ctx), context.DeadlineExceeded)
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(Config{Workers: 1})

	var dropped []string
	var mu sync.Mutex
	cq.On(EventDropped, func(e Event) {
		mu.Lock()
		dropped = append(dropped, e.TaskID)
		mu.Unlock()
	})

	cancelled := make(chan struct{})
	_, err := cq.Submit(context.Background(), "close", func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return running(cq, "close") == 1
	}, time.Second, 5*time.Millisecond)

	waiting, err := cq.Submit(context.Background(), "close", func(ctx context.Context) error {
		t.Error("dropped task ran")
		return nil
	}, nil)
	require.NoError(t, err)

	require.NoError(t, cq.Close())
	<-cancelled
	require.NoError(t, cq.Close())

	mu.Lock()
	assert.Equal(t, []string{waiting}, dropped)
	mu.Unlock()

	_, err = cq.Submit(context.Background(), "close", func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommandQueue_Off(t *testing.T) {
	cq := New(Config{Workers: 1})
	defer cq.Close()

	var seen atomic.Int32
	cq.On(EventEnqueued, func(Event) { seen.Add(1) })
	_, err := cq.Submit(context.Background(), "events", func(ctx context.Context) error { return nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), seen.Load(), "enqueued fires before Submit returns")

	cq.Off(EventEnqueued)
	_, err = cq.Submit(context.Background(), "events", func(ctx context.Context) error { return nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), seen.Load())
	drain(t, cq, time.Second)
}
