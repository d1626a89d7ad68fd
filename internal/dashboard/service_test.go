package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m "github.com/healthgest/go-maternity/internal/maternity"
)

type fakeSummary struct {
	sum *m.HomeSummary
	err error
}

func (f fakeSummary) HomeSummary(ctx context.Context) (*m.HomeSummary, error) {
	return f.sum, f.err
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(ServiceConfig{}, nil)
	assert.Error(t, err)

	_, err = NewService(ServiceConfig{Backend: newFakeBackend(), Cohorts: []CohortConfig{{Name: CohortOngoing}}}, nil)
	assert.Error(t, err)

	c := CohortConfig{Name: CohortOngoing, PatientListEndpoint: "/a", DashboardAPIEndpoint: "/b"}
	_, err = NewService(ServiceConfig{Backend: newFakeBackend(), Cohorts: []CohortConfig{c, c}}, nil)
	assert.ErrorContains(t, err, "duplicate cohort")
}

func TestServicePatients(t *testing.T) {
	f := newFixture(t, time.Hour)

	sel, err := f.svc.Patients(context.Background(), CohortOngoing)
	require.NoError(t, err)
	assert.Equal(t, "Select Ongoing Patient", sel.Label)
	assert.Len(t, sel.Options, 2)
	assert.False(t, sel.Disabled)

	_, err = f.svc.Patients(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownCohort)

	f.backend.listErr = errors.New("timeout")
	_, err = f.svc.Patients(context.Background(), CohortOngoing)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "Could not load patient list from /api/ongoing-patients", le.Message)
}

func TestServiceDashboard(t *testing.T) {
	f := newFixture(t, time.Hour)

	res, err := f.svc.Dashboard(context.Background(), CohortOngoing, "A")
	require.NoError(t, err)
	assert.Equal(t, CohortOngoing, res.Cohort)
	assert.False(t, res.View.PredictionsDegraded)
	assert.Equal(t, []string{"ok"}, f.observer.built)
	assert.Empty(t, f.audit.recs, "stateless builds are not audited")

	_, err = f.svc.Dashboard(context.Background(), CohortOngoing, "")
	assert.ErrorIs(t, err, ErrNoPatientSelected)
}

func TestServiceSummary(t *testing.T) {
	f := newFixture(t, time.Hour)

	_, err := f.svc.Summary(context.Background())
	assert.ErrorIs(t, err, ErrSummaryUnavailable)

	ok := true
	f.svc.summary = fakeSummary{sum: &m.HomeSummary{Success: &ok, TotalDeliveries: 12500}}
	hv, err := f.svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12,500", hv.KPIs[1].Value)

	failed := false
	f.svc.summary = fakeSummary{sum: &m.HomeSummary{Success: &failed, Error: "database offline"}}
	_, err = f.svc.Summary(context.Background())
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "database offline", le.Message)

	f.svc.summary = fakeSummary{err: errors.New("dial tcp")}
	_, err = f.svc.Summary(context.Background())
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "Unable to connect to data server", le.Message)
}

func TestPipelineCancelledDuringDetails(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.backend.records = map[string]*m.PatientRecord{}
	_, err := f.svc.Dashboard(ctx, CohortHistorical, "A")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadErrorMatching(t *testing.T) {
	cause := errors.New("boom")
	err := error(&LoadError{Kind: ErrDetailsUnavailable, Message: "Could not load", Err: cause})

	assert.ErrorIs(t, err, ErrDetailsUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrPatientListUnavailable)
	assert.Equal(t, "Could not load: boom", err.Error())
}
