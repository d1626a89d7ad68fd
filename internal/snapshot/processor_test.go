package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthgest/go-maternity/internal/audit"
	"github.com/healthgest/go-maternity/internal/dashboard"
	"github.com/healthgest/go-maternity/internal/infrastructure/redpanda"
	"github.com/healthgest/go-maternity/pkg/idempotency"
	"github.com/healthgest/go-maternity/pkg/workerpool"
)

type fakeBuilder struct {
	mu    sync.Mutex
	calls int
	fails int
}

func (b *fakeBuilder) Dashboard(ctx context.Context, cohort dashboard.Cohort, patientID string) (*dashboard.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if cohort != dashboard.CohortOngoing && cohort != dashboard.CohortHistorical {
		return nil, dashboard.ErrUnknownCohort
	}
	if b.fails > 0 {
		b.fails--
		return nil, &dashboard.LoadError{Kind: dashboard.ErrDetailsUnavailable, Message: "Could not load dashboard data for this patient."}
	}
	return &dashboard.Result{
		Cohort: cohort,
		View: &dashboard.View{
			Cohort:              cohort,
			Patient:             dashboard.PatientRef{ID: patientID},
			PredictionsDegraded: true,
		},
	}, nil
}

func (b *fakeBuilder) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// memInbox keeps finished and failed keys the way the Postgres inbox does.
type memInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMemInbox() *memInbox {
	return &memInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (i *memInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.Result, error) {
	i.mu.Lock()
	if r, ok := i.finished[key]; ok {
		i.mu.Unlock()
		return &idempotency.Result{Result: r}, nil
	}
	if i.failed[key] {
		i.mu.Unlock()
		return nil, idempotency.ErrPreviouslyFailed
	}
	i.mu.Unlock()

	out, err := fn(ctx, payload)

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		if errors.Is(err, dashboard.ErrUnknownCohort) {
			i.failed[key] = true
		}
		return nil, err
	}
	i.finished[key] = out
	return &idempotency.Result{IsNew: true, Result: out}, nil
}

type sent struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []sent
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, sent{topic, key, value})
	return nil
}

func (p *fakePublisher) sent() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.msgs...)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (e *fakeEvents) Append(ctx context.Context, ev *audit.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

type outcomes struct {
	mu  sync.Mutex
	got map[string]int
}

func (o *outcomes) SnapshotProcessed(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.got == nil {
		o.got = map[string]int{}
	}
	o.got[outcome]++
}

func (o *outcomes) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.got[outcome]
}

type harness struct {
	builder   *fakeBuilder
	publisher *fakePublisher
	events    *fakeEvents
	observer  *outcomes
	proc      *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		builder:   &fakeBuilder{},
		publisher: &fakePublisher{},
		events:    &fakeEvents{},
		observer:  &outcomes{},
	}
	cfg := DefaultConfig()
	cfg.Pool = workerpool.Config{Workers: 2, QueueSize: 8, MaxRetries: 2, RetryDelay: time.Millisecond}
	proc, err := NewProcessor(cfg, h.builder, newMemInbox(), h.publisher, h.events, h.observer, nil)
	require.NoError(t, err)
	proc.Start()
	t.Cleanup(proc.Stop)
	h.proc = proc
	return h
}

func message(t *testing.T, req Request) *redpanda.ConsumedMessage {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{
		Topic:     redpanda.TopicRefreshRequests,
		Key:       []byte(req.PatientID),
		Value:     raw,
		Headers:   map[string]string{"correlation_id": "corr-1"},
		Timestamp: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestHandlePublishesSnapshot(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.proc.Handle(context.Background(), message(t, Request{PatientID: "P-1", Cohort: dashboard.CohortOngoing})))
	require.Eventually(t, func() bool { return h.observer.count("published") == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs := h.publisher.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, redpanda.TopicSnapshots, msgs[0].topic)
	assert.Equal(t, "P-1", msgs[0].key)

	var snap struct {
		PatientID     string `json:"patient_id"`
		CorrelationID string `json:"correlation_id"`
		Dashboard     struct {
			PredictionsDegraded bool `json:"predictionsDegraded"`
		} `json:"dashboard"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].value, &snap))
	assert.Equal(t, "P-1", snap.PatientID)
	assert.Equal(t, "corr-1", snap.CorrelationID)
	assert.True(t, snap.Dashboard.PredictionsDegraded)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Len(t, h.events.events, 1)
	assert.Equal(t, audit.EventSnapshotPublished, h.events.events[0].EventType)
	assert.True(t, h.events.events[0].PredictionsDegraded)
}

func TestRedeliveredRequestBuildsOnce(t *testing.T) {
	h := newHarness(t)
	msg := message(t, Request{PatientID: "P-2", Cohort: dashboard.CohortHistorical})

	require.NoError(t, h.proc.Handle(context.Background(), msg))
	require.Eventually(t, func() bool { return h.observer.count("published") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.proc.Handle(context.Background(), msg))
	require.Eventually(t, func() bool { return h.observer.count("duplicate") == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.builder.callCount())
	assert.Len(t, h.publisher.sent(), 1)
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.builder.fails = 1

	require.NoError(t, h.proc.Handle(context.Background(), message(t, Request{PatientID: "P-3", Cohort: dashboard.CohortOngoing})))
	require.Eventually(t, func() bool { return h.observer.count("published") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.builder.callCount())
}

func TestUnknownCohortIsNotRetried(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.proc.Handle(context.Background(), message(t, Request{PatientID: "P-4", Cohort: "neonatal"})))
	require.Eventually(t, func() bool { return h.observer.count("failed") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.builder.callCount())
	assert.Empty(t, h.publisher.sent())
}

func TestHandleDropsMalformedRequests(t *testing.T) {
	h := newHarness(t)

	assert.NoError(t, h.proc.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{not json")}))
	assert.NoError(t, h.proc.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte(`{"cohort":"ongoing"}`)}))
	assert.Equal(t, 2, h.observer.count("invalid"))
	assert.Zero(t, h.builder.callCount())
}

func TestNewProcessorRequiresCollaborators(t *testing.T) {
	_, err := NewProcessor(DefaultConfig(), nil, newMemInbox(), &fakePublisher{}, nil, nil, nil)
	assert.Error(t, err)
}
