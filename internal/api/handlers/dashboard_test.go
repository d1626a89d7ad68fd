package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthgest/go-maternity/internal/api/middleware"
	"github.com/healthgest/go-maternity/internal/audit"
	"github.com/healthgest/go-maternity/internal/dashboard"
	m "github.com/healthgest/go-maternity/internal/maternity"
	"github.com/healthgest/go-maternity/internal/playback"
)

type stubBackend struct {
	mu       sync.Mutex
	patients []m.Patient
	records  map[string]*m.PatientRecord
	hold     map[string]chan struct{}
}

func (b *stubBackend) ListPatients(ctx context.Context, endpoint string) ([]m.Patient, error) {
	return b.patients, nil
}

func (b *stubBackend) PatientDetails(ctx context.Context, endpoint, id string) (*m.PatientRecord, error) {
	b.mu.Lock()
	entered := b.hold[id]
	rec, ok := b.records[id]
	b.mu.Unlock()

	if entered != nil {
		b.mu.Lock()
		delete(b.hold, id)
		b.mu.Unlock()
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, errors.New("status 404")
	}
	return rec, nil
}

func (b *stubBackend) Predict(ctx context.Context, req m.PredictionRequest) (*m.Prediction, error) {
	return nil, errors.New("prediction service down")
}

// holdDetails makes the next details fetch for id block until its context is
// cancelled. The returned channel closes once the fetch has started.
func (b *stubBackend) holdDetails(id string) <-chan struct{} {
	ch := make(chan struct{})
	b.mu.Lock()
	b.hold[id] = ch
	b.mu.Unlock()
	return ch
}

type stubSummary struct{}

func (stubSummary) HomeSummary(ctx context.Context) (*m.HomeSummary, error) {
	return &m.HomeSummary{TotalDeliveries: 12345}, nil
}

type stubSpeaker struct{}

func (stubSpeaker) Synthesize(ctx context.Context, text string) (*playback.Clip, error) {
	// One second of silence keeps the player busy for the rest of the test.
	pcm := make([]byte, 2*playback.SampleRate)
	return &playback.Clip{
		Audio:      base64.StdEncoding.EncodeToString(pcm),
		SampleRate: playback.SampleRate,
		Channels:   playback.Channels,
		Encoding:   playback.EncodingPCM16,
	}, nil
}

type stubAudit struct {
	patientID string
	limit     int
}

func (a *stubAudit) ListByPatient(ctx context.Context, patientID string, limit int) ([]*audit.Event, error) {
	a.patientID, a.limit = patientID, limit
	return []*audit.Event{{ID: "e-1", EventType: audit.EventDashboardViewed, PatientID: patientID}}, nil
}

// viewBody and stateBody decode the parts of the responses the tests check.
type viewBody struct {
	Patient struct {
		ID string `json:"id"`
	} `json:"patient"`
	Ongoing             bool `json:"ongoing"`
	PredictionsDegraded bool `json:"predictionsDegraded"`
}

type stateBody struct {
	ID       string             `json:"id"`
	Selector dashboard.Selector `json:"selector"`
	Playing  bool               `json:"playing"`
	Error    string             `json:"error"`
	View     *viewBody          `json:"dashboard"`
}

func visit(date string, weight float64) m.Visit {
	return m.Visit{VisitDate: date, MaternalWeight: &weight}
}

func newTestServer(t *testing.T) (*httptest.Server, *stubBackend, *stubAudit) {
	t.Helper()
	be := &stubBackend{
		patients: []m.Patient{{ID: "A", Name: "Asha"}, {ID: "B", Name: "Bela"}, {ID: "C", Name: "Chitra"}},
		records:  map[string]*m.PatientRecord{},
		hold:     map[string]chan struct{}{},
	}
	for _, p := range be.patients {
		be.records[p.ID] = &m.PatientRecord{
			Patient: p,
			Visits:  []m.Visit{visit("2024-01-10", 60), visit("2024-02-10", 62.5)},
		}
	}

	svc, err := dashboard.NewService(dashboard.ServiceConfig{
		Cohorts: []dashboard.CohortConfig{
			{Name: dashboard.CohortHistorical, PatientListEndpoint: "/api/patients", DashboardAPIEndpoint: "/api/patientDetails", SelectorLabel: "Select Patient", NoPatientsMessage: "No patients found"},
			{Name: dashboard.CohortOngoing, PatientListEndpoint: "/api/ongoing-patients", DashboardAPIEndpoint: "/api/ongoing-patientDetails", SelectorLabel: "Select Ongoing Patient", NoPatientsMessage: "No ongoing patients found", IsOngoing: true},
		},
		Backend: be,
		Summary: stubSummary{},
		Speaker: stubSpeaker{},
	}, nil)
	require.NoError(t, err)
	store := dashboard.NewSessionStore(svc, time.Hour, nil)
	au := &stubAudit{}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(map[string]string{"test-key": "ward-3"}))
		r.Mount("/", NewDashboardHandler(svc, store, au, nil).Routes())
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, be, au
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+"/api/v1"+path, rd)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "test-key")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func createSession(t *testing.T, srv *httptest.Server, cohort string) stateBody {
	t.Helper()
	resp, body := do(t, srv, http.MethodPost, "/sessions", `{"cohort":"`+cohort+`"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var st stateBody
	require.NoError(t, json.Unmarshal(body, &st))
	return st
}

func TestRequiresAPIKey(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/api/v1/cohorts")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPatientsSelector(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/cohorts/ongoing/patients", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sel dashboard.Selector
	require.NoError(t, json.Unmarshal(body, &sel))
	assert.Equal(t, "Select Ongoing Patient", sel.Label)
	require.Len(t, sel.Options, 3)
	assert.Equal(t, "Asha (ID: A)", sel.Options[0].Label)

	resp, _ = do(t, srv, http.MethodGet, "/cohorts/neonatal/patients", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatelessDashboard(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/cohorts/ongoing/patients/B/dashboard", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var view viewBody
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "B", view.Patient.ID)
	assert.True(t, view.Ongoing)
	assert.True(t, view.PredictionsDegraded)

	resp, body = do(t, srv, http.MethodGet, "/cohorts/historical/patients/Z/dashboard", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "Could not load dashboard data for this patient.")
}

func TestSessionLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	st := createSession(t, srv, "historical")
	require.NotEmpty(t, st.ID)
	assert.Equal(t, "A", st.Selector.Selected)
	require.NotNil(t, st.View)
	assert.Equal(t, "A", st.View.Patient.ID)

	resp, body := do(t, srv, http.MethodPut, "/sessions/"+st.ID+"/selection", `{"patient_id":"C"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, srv, http.MethodGet, "/sessions/"+st.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got stateBody
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "C", got.Selector.Selected)
	assert.Equal(t, "C", got.View.Patient.ID)

	resp, _ = do(t, srv, http.MethodPut, "/sessions/"+st.ID+"/selection", `{"patient_id":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/sessions/"+st.ID+"/insights/diet/refresh", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodDelete, "/sessions/"+st.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, srv, http.MethodGet, "/sessions/"+st.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSupersededSelectionReturnsConflict(t *testing.T) {
	srv, be, _ := newTestServer(t)
	st := createSession(t, srv, "historical")

	started := be.holdDetails("B")
	first := make(chan int, 1)
	go func() {
		resp, _ := do(t, srv, http.MethodPut, "/sessions/"+st.ID+"/selection", `{"patient_id":"B"}`)
		first <- resp.StatusCode
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first selection never reached the backend")
	}

	resp, body := do(t, srv, http.MethodPut, "/sessions/"+st.ID+"/selection", `{"patient_id":"C"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	select {
	case code := <-first:
		assert.Equal(t, http.StatusConflict, code)
	case <-time.After(5 * time.Second):
		t.Fatal("first selection never returned")
	}

	_, body = do(t, srv, http.MethodGet, "/sessions/"+st.ID, "")
	var got stateBody
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "C", got.View.Patient.ID)
}

func TestSpeechIsExclusive(t *testing.T) {
	srv, _, _ := newTestServer(t)
	st := createSession(t, srv, "ongoing")
	path := "/sessions/" + st.ID + "/speech"

	resp, body := do(t, srv, http.MethodPost, path, `{"text":"Walk daily"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var clip playback.Clip
	require.NoError(t, json.Unmarshal(body, &clip))
	assert.Equal(t, playback.EncodingPCM16, clip.Encoding)

	resp, _ = do(t, srv, http.MethodPost, path, `{"text":"Again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, path, `{"text":"Again"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, path, `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSummaryAndEvents(t *testing.T) {
	srv, _, au := newTestServer(t)

	resp, _ := do(t, srv, http.MethodGet, "/summary", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/patients/A/events?limit=20", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "A", au.patientID)
	assert.Equal(t, 20, au.limit)
	assert.Contains(t, string(body), "DashboardViewed")

	resp, _ = do(t, srv, http.MethodGet, "/patients/A/events?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownInsightKind(t *testing.T) {
	srv, _, _ := newTestServer(t)
	st := createSession(t, srv, "ongoing")
	resp, _ := do(t, srv, http.MethodPost, "/sessions/"+st.ID+"/insights/sleep/refresh", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
