// Package snapshot builds dashboards on request and publishes them to the
// snapshots topic. Requests arrive on Kafka, run on a worker pool and pass
// through the idempotency inbox so a redelivered request is built once.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/audit"
	"github.com/healthgest/go-maternity/internal/dashboard"
	"github.com/healthgest/go-maternity/internal/infrastructure/redpanda"
	"github.com/healthgest/go-maternity/pkg/idempotency"
	"github.com/healthgest/go-maternity/pkg/workerpool"
)

// HandlerName identifies this processor in the inbox.
const HandlerName = "dashboard-snapshot"

// Request asks for one patient's dashboard.
type Request struct {
	PatientID     string           `json:"patient_id"`
	Cohort        dashboard.Cohort `json:"cohort"`
	RequestedAt   time.Time        `json:"requested_at"`
	CorrelationID string           `json:"correlation_id,omitempty"`
}

// Snapshot is the record published to the snapshots topic, keyed by patient.
type Snapshot struct {
	PatientID     string           `json:"patient_id"`
	Cohort        dashboard.Cohort `json:"cohort"`
	BuiltAt       time.Time        `json:"built_at"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Dashboard     *dashboard.View  `json:"dashboard"`
}

// Builder is satisfied by *dashboard.Service.
type Builder interface {
	Dashboard(ctx context.Context, cohort dashboard.Cohort, patientID string) (*dashboard.Result, error)
}

// Inbox is satisfied by *idempotency.Inbox.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.Result, error)
}

// Publisher is satisfied by *redpanda.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// EventAppender is satisfied by *audit.Repository.
type EventAppender interface {
	Append(ctx context.Context, e *audit.Event) error
}

// Observer records request outcomes.
type Observer interface {
	SnapshotProcessed(outcome string)
}

type nopObserver struct{}

func (nopObserver) SnapshotProcessed(string) {}

// Config configures a Processor.
type Config struct {
	Topic string
	Pool  workerpool.Config
}

// DefaultConfig publishes to the snapshots topic.
func DefaultConfig() Config {
	return Config{Topic: redpanda.TopicSnapshots, Pool: workerpool.DefaultConfig()}
}

// Processor turns refresh requests into published snapshots.
type Processor struct {
	cfg       Config
	builder   Builder
	inbox     Inbox
	publisher Publisher
	events    EventAppender
	observer  Observer
	pool      *workerpool.Pool[Request]
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewProcessor wires a processor. events and observer may be nil.
func NewProcessor(cfg Config, builder Builder, inbox Inbox, publisher Publisher, events EventAppender, observer Observer, logger *zap.Logger) (*Processor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if builder == nil || inbox == nil || publisher == nil {
		return nil, errors.New("snapshot processor requires a builder, an inbox and a publisher")
	}
	if cfg.Topic == "" {
		cfg.Topic = redpanda.TopicSnapshots
	}
	if observer == nil {
		observer = nopObserver{}
	}

	p := &Processor{
		cfg:       cfg,
		builder:   builder,
		inbox:     inbox,
		publisher: publisher,
		events:    events,
		observer:  observer,
		logger:    logger,
		tracer:    otel.Tracer("snapshot-processor"),
		now:       time.Now,
	}
	pool, err := workerpool.New(cfg.Pool, p.process, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Start starts the workers.
func (p *Processor) Start() { p.pool.Start() }

// Stop drains queued requests and stops the workers.
func (p *Processor) Stop() { p.pool.Stop() }

// Stats exposes the worker pool statistics.
func (p *Processor) Stats() workerpool.Stats { return p.pool.Stats() }

// Handle is the redpanda.MessageHandler for refresh requests. Malformed
// requests are logged and dropped so they do not block the partition; valid
// ones are queued, blocking while the queue is full.
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		p.logger.Warn("dropping undecodable refresh request",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		p.observer.SnapshotProcessed("invalid")
		return nil
	}
	if req.PatientID == "" && len(msg.Key) > 0 {
		req.PatientID = string(msg.Key)
	}
	if req.PatientID == "" || req.Cohort == "" {
		p.logger.Warn("dropping refresh request without patient or cohort",
			zap.Int64("offset", msg.Offset))
		p.observer.SnapshotProcessed("invalid")
		return nil
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = msg.Timestamp
	}
	if req.CorrelationID == "" {
		req.CorrelationID = msg.Headers["correlation_id"]
	}

	return p.Submit(ctx, req)
}

// Submit queues one request. The job outlives ctx's cancellation but keeps
// its trace.
func (p *Processor) Submit(ctx context.Context, req Request) error {
	log := p.logger.With(zap.String("patient_id", req.PatientID), zap.String("cohort", string(req.Cohort)))
	return p.pool.Submit(ctx, workerpool.Job[Request]{
		ID:      req.PatientID,
		Payload: req,
		Context: context.WithoutCancel(ctx),
		Done: func(err error) {
			if err != nil {
				log.Error("snapshot request failed", zap.Error(err))
				p.observer.SnapshotProcessed("failed")
			}
		},
	})
}

func (p *Processor) process(ctx context.Context, job workerpool.Job[Request]) error {
	req := job.Payload
	ctx, span := p.tracer.Start(ctx, "build_snapshot",
		trace.WithAttributes(
			attribute.String("cohort", string(req.Cohort)),
		))
	defer span.End()

	payload, err := json.Marshal(req)
	if err != nil {
		return workerpool.Permanent(err)
	}
	key := idempotency.GenerateKey(string(req.Cohort), req.PatientID, req.RequestedAt)

	res, err := p.inbox.Process(ctx, key, HandlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return p.build(ctx, req)
	})
	switch {
	case errors.Is(err, idempotency.ErrDuplicate), errors.Is(err, idempotency.ErrInProgress):
		p.observer.SnapshotProcessed("duplicate")
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		p.observer.SnapshotProcessed("skipped")
		return nil
	case err != nil:
		span.RecordError(err)
		if isPermanent(err) {
			return workerpool.Permanent(err)
		}
		return err
	}

	if !res.IsNew && !res.WasRecovered {
		p.observer.SnapshotProcessed("duplicate")
		return nil
	}
	p.observer.SnapshotProcessed("published")
	return nil
}

// build runs inside the inbox: it publishes the snapshot and records the
// audit event, returning a small receipt stored as the inbox result.
func (p *Processor) build(ctx context.Context, req Request) (json.RawMessage, error) {
	res, err := p.builder.Dashboard(ctx, req.Cohort, req.PatientID)
	if err != nil {
		if errors.Is(err, dashboard.ErrUnknownCohort) || errors.Is(err, dashboard.ErrNoPatientSelected) {
			return nil, idempotency.Terminal(err)
		}
		return nil, fmt.Errorf("build dashboard: %w", err)
	}

	snap := Snapshot{
		PatientID:     req.PatientID,
		Cohort:        res.Cohort,
		BuiltAt:       p.now().UTC(),
		CorrelationID: req.CorrelationID,
		Dashboard:     res.View,
	}
	value, err := json.Marshal(snap)
	if err != nil {
		return nil, idempotency.Terminal(fmt.Errorf("encode snapshot: %w", err))
	}
	if err := p.publisher.Publish(ctx, p.cfg.Topic, req.PatientID, value); err != nil {
		return nil, fmt.Errorf("publish snapshot: %w", err)
	}

	degraded := res.View.PredictionsDegraded
	if p.events != nil {
		ev := audit.NewSnapshotEvent(res.Cohort, req.PatientID, degraded, req.CorrelationID, snap.BuiltAt)
		if err := p.events.Append(ctx, ev); err != nil {
			return nil, fmt.Errorf("record snapshot event: %w", err)
		}
	}

	p.logger.Info("snapshot published",
		zap.String("patient_id", req.PatientID),
		zap.String("cohort", string(res.Cohort)),
		zap.Bool("predictions_degraded", degraded))

	return json.Marshal(map[string]any{"built_at": snap.BuiltAt, "predictions_degraded": degraded})
}

func isPermanent(err error) bool {
	return errors.Is(err, dashboard.ErrUnknownCohort) || errors.Is(err, dashboard.ErrNoPatientSelected)
}
