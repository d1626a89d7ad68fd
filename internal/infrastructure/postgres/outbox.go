// Package postgres provides PostgreSQL infrastructure components.
// Implements the transactional outbox that carries dashboard view-audit events
// to Kafka.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TopicDeadLetter receives entries that exhausted their retries.
const TopicDeadLetter = "dead.letter"

// outboxLockID is the advisory lock held by the relay while it drains a batch.
const outboxLockID int64 = 0x6d6174646173 // "matdas"

// OutboxEntry is one dashboard_outbox row.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before dead-lettering
	MaxRetries int
	// Retention is how long processed entries are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults. View events are low volume,
// so the relay polls slowly.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
		Retention:    72 * time.Hour,
	}
}

// OutboxPublisher publishes one record.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// DB is the subset of pgxpool.Pool the relay needs.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Querier is satisfied by pgx.Tx and pgxpool.Pool.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StatsObserver receives outbox statistics after each batch.
type StatsObserver interface {
	OutboxStats(pending, failed int64)
}

// Outbox relays dashboard_outbox entries to Kafka.
type Outbox struct {
	db        DB
	config    OutboxConfig
	publisher OutboxPublisher
	observer  StatsObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay. observer may be nil.
func NewOutbox(db DB, publisher OutboxPublisher, observer StatsObserver, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		db:        db,
		config:    cfg,
		publisher: publisher,
		observer:  observer,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts an outbox entry. Call it on the transaction that writes
// the event itself.
func WriteEntry(ctx context.Context, q Querier, entry *OutboxEntry) error {
	const query = `
		INSERT INTO dashboard_outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := q.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch of pending entries, then dead-letters
// entries that ran out of retries. It returns the number published. It is a
// no-op when another relay holds the advisory lock.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	var acquired bool
	if err := o.db.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("acquire outbox lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if _, err := o.db.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", outboxLockID); err != nil {
			o.logger.Warn("failed to release outbox lock", zap.Error(err))
		}
	}()

	entries, err := o.fetchPending(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, entry); err != nil {
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}

	if _, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead-letter pass failed", zap.Error(err))
	}
	if o.observer != nil {
		if stats, err := o.GetStats(ctx); err == nil {
			o.observer.OutboxStats(stats.Pending, stats.Failed)
		}
	}
	return published, nil
}

func (o *Outbox) fetchPending(ctx context.Context) ([]*OutboxEntry, error) {
	const query = `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM dashboard_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := o.db.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &e.Payload, &e.KafkaTopic,
			&e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		const retry = `
			UPDATE dashboard_outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := o.db.Exec(ctx, retry, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if err := o.markProcessed(ctx, entry.ID); err != nil {
		span.RecordError(err)
		return err
	}
	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

func (o *Outbox) markProcessed(ctx context.Context, id int64) error {
	const query = `
		UPDATE dashboard_outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := o.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("mark outbox entry %d processed: %w", id, err)
	}
	return nil
}

type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes entries that exhausted their retries to
// dead.letter and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	const query = `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM dashboard_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := o.db.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query exhausted outbox entries: %w", err)
	}
	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &e.Payload, &e.KafkaTopic,
			&e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, e := range entries {
		body, err := json.Marshal(deadLetter{
			OriginalTopic: e.KafkaTopic,
			EventType:     e.EventType,
			AggregateID:   e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
		if err != nil {
			return count, fmt.Errorf("encode dead letter: %w", err)
		}
		if err := o.publisher.Publish(ctx, TopicDeadLetter, e.KafkaKey, body); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if err := o.markProcessed(ctx, e.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		o.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", e.ID),
			zap.String("event_type", e.EventType),
			zap.Int("retry_count", e.RetryCount))
		count++
	}
	return count, nil
}

// CleanupProcessed removes processed entries older than the retention.
func (o *Outbox) CleanupProcessed(ctx context.Context) (int64, error) {
	const query = `
		DELETE FROM dashboard_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`
	tag, err := o.db.Exec(ctx, query, o.config.Retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the outbox backlog.
type OutboxStats struct {
	Pending       int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE retry_count < $1),
			COUNT(*) FILTER (WHERE retry_count >= $1),
			MIN(created_at)
		FROM dashboard_outbox
		WHERE processed_at IS NULL
	`
	stats := &OutboxStats{}
	if err := o.db.QueryRow(ctx, query, o.config.MaxRetries).Scan(&stats.Pending, &stats.Failed, &stats.OldestPending); err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
