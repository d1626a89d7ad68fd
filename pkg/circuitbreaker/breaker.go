// Package circuitbreaker guards calls to the maternity backend.
// Wraps sony/gobreaker with OpenTelemetry counters and spans, one breaker per
// backend endpoint.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when a call is rejected without reaching the backend.
var ErrOpen = errors.New("circuit open")

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration
	// FailureThreshold is consecutive failures before opening while below MinRequests
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// IsSuccessful decides whether an error counts against the breaker.
	// Nil counts every non-nil error.
	IsSuccessful func(err error) bool
}

// DefaultConfig returns defaults for a backend endpoint. The backend runs on
// a free-tier host that cold-starts, so the breaker trips on a sustained
// failure ratio rather than a short burst.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         60 * time.Second,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
	}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter

	// gobreaker resets its counts on every state change, so lifetime totals
	// are kept here.
	isSuccessful func(err error) bool
	calls        atomic.Uint32
	failed       atomic.Uint32

	onChange     func(name string, to State)
	currentState State
	stateMu      sync.RWMutex
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		return nil, errors.New("circuit breaker name is required")
	}

	meter := otel.Meter("maternity-backend")
	cb := &CircuitBreaker{
		name:         cfg.Name,
		logger:       logger,
		tracer:       otel.Tracer("circuit-breaker"),
		currentState: StateClosed,
	}

	var err error
	cb.requests, err = meter.Int64Counter("backend_breaker_requests_total",
		metric.WithDescription("Calls attempted through a backend breaker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	cb.failures, err = meter.Int64Counter("backend_breaker_failures_total",
		metric.WithDescription("Calls that reached the backend and failed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	cb.rejected, err = meter.Int64Counter("backend_breaker_rejected_total",
		metric.WithDescription("Calls rejected by an open breaker"))
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}

	cb.isSuccessful = isSuccessful

	cb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cb.onStateChange(from, to)
		},
		IsSuccessful: isSuccessful,
	})

	return cb, nil
}

// Execute runs fn through the breaker. A rejected call returns an error
// wrapping ErrOpen.
func Execute[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.GetState())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requests.Add(ctx, 1, attrs)

	result, err := c.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		err = fmt.Errorf("%w: %s: %v", ErrOpen, c.name, err)
		span.RecordError(err)
		return zero, err
	}

	c.calls.Add(1)
	if err != nil {
		if !c.isSuccessful(err) {
			c.failed.Add(1)
			c.failures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		return zero, err
	}
	return result.(T), nil
}

// GetState returns the current circuit breaker state
func (c *CircuitBreaker) GetState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.currentState
}

// Name returns the breaker name.
func (c *CircuitBreaker) Name() string { return c.name }

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	toState := mapState(to)

	c.stateMu.Lock()
	c.currentState = toState
	notify := c.onChange
	c.stateMu.Unlock()

	c.logger.Warn("backend breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(toState)))
	if notify != nil {
		notify(c.name, toState)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Totals returns the calls that reached the backend and the failures among
// them since the breaker was created. Rejected calls are not counted.
func (c *CircuitBreaker) Totals() (requests, failures uint32) {
	return c.calls.Load(), c.failed.Load()
}

// Manager hands out one breaker per backend endpoint.
type Manager struct {
	breakers map[string]*CircuitBreaker
	base     Config
	onChange func(name string, to State)
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewManager creates a manager whose breakers start from base. onChange, if
// non-nil, is called on every state transition.
func NewManager(base Config, onChange func(name string, to State), logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		base:     base,
		onChange: onChange,
		logger:   logger,
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) (*CircuitBreaker, error) {
	m.mu.RLock()
	if cb, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return cb, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}

	cfg := m.base
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	cb.onChange = m.onChange
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus summarises one breaker. Requests and Failures are lifetime
// totals.
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus returns health status for all breakers, sorted by name.
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(m.breakers))
	for _, cb := range m.breakers {
		requests, failures := cb.Totals()
		state := cb.GetState()
		statuses = append(statuses, HealthStatus{
			Name:     cb.Name(),
			State:    state,
			Requests: requests,
			Failures: failures,
			Healthy:  state == StateClosed,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
