package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/dashboard"
	"github.com/healthgest/go-maternity/internal/infrastructure/postgres"
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository stores audit events and enqueues them on the outbox in the same
// transaction.
type Repository struct {
	db          DB
	topic       string
	correlation func(ctx context.Context) string
	logger      *zap.Logger
	tracer      trace.Tracer
}

var _ dashboard.AuditRecorder = (*Repository)(nil)

// NewRepository creates a repository that relays events to topic.
// correlation, if non-nil, extracts a request ID from the context.
func NewRepository(db DB, topic string, correlation func(ctx context.Context) string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if correlation == nil {
		correlation = func(context.Context) string { return "" }
	}
	return &Repository{
		db:          db,
		topic:       topic,
		correlation: correlation,
		logger:      logger,
		tracer:      otel.Tracer("audit"),
	}
}

// RecordView implements dashboard.AuditRecorder.
func (r *Repository) RecordView(ctx context.Context, rec dashboard.ViewRecord) error {
	return r.Append(ctx, NewViewEvent(rec, r.correlation(ctx)))
}

// Append writes e and its outbox entry atomically.
func (r *Repository) Append(ctx context.Context, e *Event) error {
	if e.PatientID == "" {
		return errors.New("audit event requires a patient id")
	}
	ctx, span := r.tracer.Start(ctx, "audit_append",
		trace.WithAttributes(
			attribute.String("event_type", string(e.EventType)),
			attribute.String("cohort", string(e.Cohort)),
		))
	defer span.End()

	payload, err := e.Payload()
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO dashboard_events
		(id, event_type, session_id, cohort, patient_id, predictions_degraded, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.Exec(ctx, insert,
		e.ID, e.EventType, e.SessionID, e.Cohort, e.PatientID,
		e.PredictionsDegraded, e.CorrelationID, e.OccurredAt,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   e.PatientID,
		AggregateType: "patient",
		EventType:     string(e.EventType),
		Payload:       payload,
		KafkaTopic:    r.topic,
		KafkaKey:      e.PatientID,
	}); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.logger.Debug("audit event recorded",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("session_id", e.SessionID))
	return nil
}

// ListByPatient returns the most recent events for a patient, newest first.
func (r *Repository) ListByPatient(ctx context.Context, patientID string, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT id, event_type, session_id, cohort, patient_id, predictions_degraded, correlation_id, occurred_at
		FROM dashboard_events
		WHERE patient_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.SessionID, &e.Cohort, &e.PatientID,
			&e.PredictionsDegraded, &e.CorrelationID, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
