package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/service/gateway"
	"github.com/ashita-ai/kujo/internal/testutil"
)

var redisURL string

func TestMain(m *testing.M) {
	tc, err := testutil.StartRedis()
	if err == nil {
		redisURL = tc.DSN
	}
	code := m.Run()
	if tc != nil {
		tc.Terminate()
	}
	os.Exit(code)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJob() model.Job {
	return model.Job{ID: uuid.New(), ComplaintID: uuid.New(), TenantID: uuid.New(), RawText: "text", EnqueuedAt: time.Now().UTC()}
}

// queueContract runs the behaviour every Queue implementation shares.
func queueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	ctx := context.Background()

	t.Run("fifo", func(t *testing.T) {
		q := newQueue(t)
		name := "fifo-" + uuid.NewString()
		first, second := newJob(), newJob()
		require.NoError(t, q.Enqueue(ctx, name, first))
		require.NoError(t, q.Enqueue(ctx, name, second))

		got, ok, err := q.Dequeue(ctx, name, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, first.ID, got.ID)

		got, ok, err = q.Dequeue(ctx, name, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, second.ID, got.ID)
	})

	t.Run("empty times out", func(t *testing.T) {
		q := newQueue(t)
		_, ok, err := q.Dequeue(ctx, "empty-"+uuid.NewString(), 100*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("retry is delayed", func(t *testing.T) {
		q := newQueue(t)
		name := "retry-" + uuid.NewString()
		job := newJob()
		job.Attempt = 1
		require.NoError(t, q.Retry(ctx, name, job, 300*time.Millisecond))

		n, err := q.Len(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, ok, err := q.Dequeue(ctx, name, 50*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok, "retry must not be visible before its delay")

		time.Sleep(350 * time.Millisecond)
		got, ok, err := q.Dequeue(ctx, name, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, 1, got.Attempt)
	})

	t.Run("queues are independent", func(t *testing.T) {
		q := newQueue(t)
		a, b := "a-"+uuid.NewString(), "b-"+uuid.NewString()
		require.NoError(t, q.Enqueue(ctx, a, newJob()))
		_, ok, err := q.Dequeue(ctx, b, 50*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryQueue(t *testing.T) {
	queueContract(t, func(t *testing.T) Queue {
		q := NewMemoryQueue()
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestRedisQueue(t *testing.T) {
	if redisURL == "" {
		t.Skip("redis container unavailable")
	}
	queueContract(t, func(t *testing.T) Queue {
		q, err := NewRedisQueue(context.Background(), redisURL)
		require.NoError(t, err)
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestMemoryQueueWakesWaitingConsumer(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	job := newJob()

	got := make(chan model.Job, 1)
	go func() {
		j, ok, _ := q.Dequeue(context.Background(), "wake", 5*time.Second)
		if ok {
			got <- j
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), "wake", job))

	select {
	case j := <-got:
		assert.Equal(t, job.ID, j.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not woken")
	}
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue()
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), "x", newJob()), ErrClosed)
	_, _, err := q.Dequeue(context.Background(), "x", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func fastConfig() PoolConfig {
	return PoolConfig{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, PollWait: 20 * time.Millisecond}
}

func TestPoolRetriesProviderUnavailable(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	p := NewPool(q, fastConfig(), quietLogger())

	var mu sync.Mutex
	var attempts []int
	p.Register(model.QueueTriage, 1, func(_ context.Context, job model.Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, job.Attempt)
		return fmt.Errorf("triage: classification: %w", gateway.ErrProviderUnavailable)
	})
	require.NoError(t, q.Enqueue(context.Background(), model.QueueTriage, newJob()))

	stop := runPool(t, p)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, attempts, "three deliveries then dropped")
	n, _ := q.Len(context.Background(), model.QueueTriage)
	assert.Zero(t, n)
}

func TestPoolDoesNotRetryOtherErrors(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	p := NewPool(q, fastConfig(), quietLogger())

	var calls atomic.Int32
	p.Register(model.QueueTriage, 1, func(context.Context, model.Job) error {
		calls.Add(1)
		return errors.New("triage: malformed model output")
	})
	require.NoError(t, q.Enqueue(context.Background(), model.QueueTriage, newJob()))

	stop := runPool(t, p)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	stop()
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	p := NewPool(q, fastConfig(), quietLogger())

	var inFlight, peak, done atomic.Int32
	p.Register(model.QueueDetection, 3, func(context.Context, model.Job) error {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return nil
	})
	for range 12 {
		require.NoError(t, q.Enqueue(context.Background(), model.QueueDetection, newJob()))
	}

	stop := runPool(t, p)
	require.Eventually(t, func() bool { return done.Load() == 12 }, 5*time.Second, 10*time.Millisecond)
	stop()
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestPoolFinishesJobInFlightOnShutdown(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	p := NewPool(q, fastConfig(), quietLogger())

	started := make(chan struct{})
	var finished atomic.Bool
	p.Register(model.QueueTriage, 1, func(ctx context.Context, _ model.Job) error {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			finished.Store(true)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.NoError(t, q.Enqueue(context.Background(), model.QueueTriage, newJob()))

	stop := runPool(t, p)
	<-started
	stop()
	assert.True(t, finished.Load())
}

func TestBackoff(t *testing.T) {
	p := NewPool(NewMemoryQueue(), PoolConfig{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}, quietLogger())
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(20))
}

func TestDepth(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	p := NewPool(q, fastConfig(), quietLogger())
	p.Register(model.QueueTriage, 1, func(context.Context, model.Job) error { return nil })
	require.NoError(t, q.Enqueue(context.Background(), model.QueueTriage, newJob()))
	require.NoError(t, q.Retry(context.Background(), model.QueueTriage, newJob(), time.Hour))

	d, err := p.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{model.QueueTriage: 2}, d)
}
