// Package idempotency provides an inbox so a refresh request delivered more
// than once builds and publishes its snapshot only once.
// Keys are deterministic: Hash(Cohort+PatientID+RequestedAt truncated to the minute).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one snapshot_inbox row.
type Entry struct {
	Key         string
	HandlerName string
	Status      Status
	Payload     json.RawMessage
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long an entry is kept
	TTL             time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig keeps entries for a day; refresh requests older than that are
// not redelivered.
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// DB is the subset of pgxpool.Pool the inbox needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Inbox manages idempotent request processing
type Inbox struct {
	db     DB
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(db DB, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ErrDuplicate indicates the request was already claimed by another handler.
var ErrDuplicate = errors.New("duplicate request: already processed")

// ErrInProgress indicates the request is being processed elsewhere.
var ErrInProgress = errors.New("request in progress by another handler")

// ErrPreviouslyFailed indicates the request failed terminally before.
var ErrPreviouslyFailed = errors.New("request previously failed permanently")

// Result is the outcome of Process.
type Result struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Terminal marks a handler error as not worth reprocessing.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err}
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Process executes fn at most once per key.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Result{IsNew: false, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.start(ctx, key, handlerName, payload); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		return nil, fmt.Errorf("start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		var te *terminalError
		if errors.As(handlerErr, &te) {
			status = StatusFailed
		}
		errBody, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, errBody); err != nil {
			i.logger.Error("failed to record inbox failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler succeeded; a redelivery will rebuild the same snapshot.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &Result{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

// GenerateKey creates a deterministic key for a snapshot refresh request.
func GenerateKey(cohort, patientID string, requestedAt time.Time) string {
	// Truncate timestamp to minute for clock drift tolerance
	parts := []string{
		strings.ToLower(cohort),
		patientID,
		requestedAt.UTC().Truncate(time.Minute).Format(time.RFC3339),
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*Entry, error) {
	const query = `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM snapshot_inbox
		WHERE idempotency_key = $1
	`
	e := &Entry{}
	err := i.db.QueryRow(ctx, query, key).Scan(
		&e.Key, &e.HandlerName, &e.Status,
		&e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// start claims key. Only a missing or RECOVERABLE row can be claimed.
func (i *Inbox) start(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	const query = `
		INSERT INTO snapshot_inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE snapshot_inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`
	var returned string
	err := i.db.QueryRow(ctx, query, key, handlerName, StatusStarted, payload, i.now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	return err
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	const query = `
		UPDATE snapshot_inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`
	_, err := i.db.Exec(ctx, query, status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.RecoverStale(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			}
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	tag, err := i.db.Exec(ctx, `DELETE FROM snapshot_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", tag.RowsAffected()))
	}
	return nil
}

// RecoverStale marks abandoned STARTED entries as RECOVERABLE.
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	const query = `
		UPDATE snapshot_inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`
	tag, err := i.db.Exec(ctx, query, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
