package workerpool

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

func testConfig() Config {
	return Config{Workers: 2, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond, GracefulShutdownTimeout: time.Second}
}

func TestPoolRunsJobs(t *testing.T) {
	var sum atomic.Int64
	p, err := New(testConfig(), func(ctx context.Context, job Job[int]) error {
		sum.Add(int64(job.Payload))
		return nil
	}, nil)
	require.NoError(t, err)
	p.Start()

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), Job[int]{ID: "j", Payload: i, Done: func(err error) {
			assert.NoError(t, err)
			wg.Done()
		}}))
	}
	wg.Wait()
	p.Stop()

	assert.Equal(t, int64(55), sum.Load())
	assert.Equal(t, int64(10), p.Stats().Completed)
	assert.ErrorIs(t, p.Submit(context.Background(), Job[int]{}), ErrStopped)
}

func TestPoolRetriesThenFails(t *testing.T) {
	var attempts atomic.Int32
	p, err := New(testConfig(), func(ctx context.Context, job Job[string]) error {
		attempts.Add(1)
		return errors.New("backend unavailable")
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	done := make(chan error, 1)
	require.NoError(t, p.Submit(context.Background(), Job[string]{ID: "A", Done: func(err error) { done <- err }}))

	err = <-done
	assert.ErrorContains(t, err, "after 2 retries")
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(2), p.Stats().Retried)
}

func TestPoolPermanentErrorSkipsRetries(t *testing.T) {
	var attempts atomic.Int32
	bad := errors.New("unknown cohort")
	p, err := New(testConfig(), func(ctx context.Context, job Job[string]) error {
		attempts.Add(1)
		return Permanent(bad)
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	done := make(chan error, 1)
	require.NoError(t, p.Submit(context.Background(), Job[string]{ID: "A", Done: func(err error) { done <- err }}))
	assert.ErrorIs(t, <-done, bad)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestTrySubmitQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	p, err := New(cfg, func(ctx context.Context, job Job[int]) error { return nil }, nil)
	require.NoError(t, err)

	require.NoError(t, p.TrySubmit(Job[int]{ID: "1"}))
	assert.ErrorIs(t, p.TrySubmit(Job[int]{ID: "2"}), ErrQueueFull)
	assert.False(t, p.IsHealthy())

	p.Start()
	p.Stop()
}

func TestNewRequiresFunc(t *testing.T) {
	_, err := New[int](testConfig(), nil, nil)
	assert.Error(t, err)
}
