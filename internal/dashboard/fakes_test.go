package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	m "github.com/healthgest/go-maternity/internal/maternity"
)

type fakeBackend struct {
	mu       sync.Mutex
	patients []m.Patient
	listErr  error
	records  map[string]*m.PatientRecord
	gates    map[string]chan struct{}
	pred     *m.Prediction
	predErr  error
	predicts int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		records: make(map[string]*m.PatientRecord),
		gates:   make(map[string]chan struct{}),
	}
}

// gate makes PatientDetails for id block until the returned func is called.
func (f *fakeBackend) gate(id string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = ch
	f.mu.Unlock()
	return func() { close(ch) }
}

func (f *fakeBackend) ListPatients(ctx context.Context, endpoint string) ([]m.Patient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patients, f.listErr
}

func (f *fakeBackend) PatientDetails(ctx context.Context, endpoint, id string) (*m.PatientRecord, error) {
	f.mu.Lock()
	gate := f.gates[id]
	rec, ok := f.records[id]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-time.After(5 * time.Second):
			return nil, errors.New("gate never opened")
		}
	}
	if !ok {
		return nil, errors.New("status 404")
	}
	return rec, nil
}

func (f *fakeBackend) Predict(ctx context.Context, req m.PredictionRequest) (*m.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicts++
	return f.pred, f.predErr
}

type fakeInsights struct {
	mu    sync.Mutex
	calls []m.InsightKind
	resp  map[m.InsightKind]*m.InsightResponse
	err   error
	block chan struct{}
}

func (f *fakeInsights) Insight(ctx context.Context, kind m.InsightKind, req m.InsightRequest) (*m.InsightResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	block := f.block
	resp := f.resp[kind]
	err := f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

func (f *fakeInsights) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingObserver struct {
	mu         sync.Mutex
	built      []string
	fallbacks  []string
	superseded int
	insights   []string
	active     int
}

func (o *recordingObserver) DashboardBuilt(c Cohort, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.built = append(o.built, outcome)
}

func (o *recordingObserver) PredictionFallback(c Cohort, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbacks = append(o.fallbacks, reason)
}

func (o *recordingObserver) SelectionSuperseded(Cohort) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.superseded++
}

func (o *recordingObserver) InsightFetched(k m.InsightKind, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.insights = append(o.insights, string(k)+":"+outcome)
}

func (o *recordingObserver) SessionsActive(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = n
}

func (o *recordingObserver) supersededCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.superseded
}

type recordingAudit struct {
	mu   sync.Mutex
	recs []ViewRecord
}

func (a *recordingAudit) RecordView(ctx context.Context, rec ViewRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

type fixture struct {
	backend  *fakeBackend
	insights *fakeInsights
	observer *recordingObserver
	audit    *recordingAudit
	svc      *Service
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		backend: newFakeBackend(),
		insights: &fakeInsights{resp: map[m.InsightKind]*m.InsightResponse{
			m.InsightDiet:     {Success: true, DietPlan: "**Eat** well\n* leafy greens"},
			m.InsightExercise: {Success: true, ExercisePlan: "Walk daily"},
		}},
		observer: &recordingObserver{},
		audit:    &recordingAudit{},
	}
	f.backend.patients = []m.Patient{{ID: "A", Name: "Asha"}, {ID: "B", Name: "Bela"}}
	f.backend.records["A"] = &m.PatientRecord{Patient: m.Patient{ID: "A", Name: "Asha"}, Visits: sampleVisits()}
	f.backend.records["B"] = &m.PatientRecord{Patient: m.Patient{ID: "B", Name: "Bela"}, Visits: sampleVisits()[:1]}
	f.backend.pred = samplePrediction()

	svc, err := NewService(ServiceConfig{
		Cohorts: []CohortConfig{
			{Name: CohortHistorical, PatientListEndpoint: "/api/patients", DashboardAPIEndpoint: "/api/patientDetails", SelectorLabel: "Select Patient", NoPatientsMessage: "No patients found"},
			{Name: CohortOngoing, PatientListEndpoint: "/api/ongoing-patients", DashboardAPIEndpoint: "/api/ongoing-patientDetails", SelectorLabel: "Select Ongoing Patient", NoPatientsMessage: "No ongoing patients found", IsOngoing: true},
		},
		InsightDelay: delay,
		Backend:      f.backend,
		Insights:     f.insights,
		Audit:        f.audit,
		Observer:     f.observer,
	}, nil)
	require.NoError(t, err)
	f.svc = svc
	return f
}
