// Package workerpool runs jobs on a fixed number of goroutines with bounded
// queueing and linear-backoff retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("worker pool stopped")

// ErrQueueFull is returned by TrySubmit when the queue has no room.
var ErrQueueFull = errors.New("worker pool queue full")

// Job is a unit of work. Done, if set, receives the final error (nil on
// success) after retries are exhausted.
type Job[T any] struct {
	ID      string
	Payload T
	Context context.Context
	Done    func(err error)
}

// Func processes one job attempt.
type Func[T any] func(ctx context.Context, job Job[T]) error

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of extra attempts after the first failure
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig sizes the pool for backend-bound dashboard builds: the
// backend is slow, so a few workers suffice.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              500 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers
type Pool[T any] struct {
	config Config
	fn     Func[T]
	logger *zap.Logger

	jobs chan Job[T]
	wg   sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	submitted int64
	completed int64
	failed    int64
	retried   int64
	active    int64
}

// New creates a new worker pool
func New[T any](cfg Config, fn Func[T], logger *zap.Logger) (*Pool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool[T]{
		config: cfg,
		fn:     fn,
		logger: logger,
		jobs:   make(chan Job[T], cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches all workers
func (p *Pool[T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a job, waiting for room until ctx is done.
func (p *Pool[T]) Submit(ctx context.Context, job Job[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// TrySubmit queues a job without waiting.
func (p *Pool[T]) TrySubmit(job Job[T]) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains queued jobs and waits for workers up to the shutdown timeout.
// Jobs still running when the timeout expires have their context cancelled.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool")

		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
			p.cancel()
			<-done
		}
		p.cancel()
	})
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		atomic.AddInt64(&p.active, 1)
		err := p.run(job)
		atomic.AddInt64(&p.active, -1)

		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("job failed",
				zap.String("job_id", job.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
		if job.Done != nil {
			job.Done(err)
		}
	}
}

// run executes a job with retries. The job's own context, if any, is merged
// with the pool's so Stop can abandon it.
func (p *Pool[T]) run(job Job[T]) error {
	ctx := p.ctx
	if job.Context != nil {
		var stop context.CancelFunc
		ctx, stop = context.WithCancel(job.Context)
		defer stop()
		unhook := context.AfterFunc(p.ctx, stop)
		defer unhook()
	}

	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = p.fn(ctx, job)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))

		timer := time.NewTimer(p.config.RetryDelay * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("job failed after %d retries: %w", p.config.MaxRetries, lastErr)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Submitted     int64
	Completed     int64
	Failed        int64
	Retried       int64
	Active        int64
	QueueDepth    int
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Submitted:     atomic.LoadInt64(&p.submitted),
		Completed:     atomic.LoadInt64(&p.completed),
		Failed:        atomic.LoadInt64(&p.failed),
		Retried:       atomic.LoadInt64(&p.retried),
		Active:        atomic.LoadInt64(&p.active),
		QueueDepth:    len(p.jobs),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% full.
func (p *Pool[T]) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
