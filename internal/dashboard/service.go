// Package dashboard turns backend patient records and predictions into
// dashboard view models and manages per-viewer selection sessions.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/maternity"
	"github.com/healthgest/go-maternity/internal/playback"
)

var (
	ErrSuperseded             = errors.New("selection superseded by a newer one")
	ErrSessionClosed          = errors.New("session closed")
	ErrSessionNotFound        = errors.New("session not found")
	ErrUnknownCohort          = errors.New("unknown cohort")
	ErrNoPatientSelected      = errors.New("no patient selected")
	ErrInsightsDisabled       = errors.New("insights are only available for ongoing patients")
	ErrPatientListUnavailable = errors.New("patient list unavailable")
	ErrDetailsUnavailable     = errors.New("patient details unavailable")
	ErrSummaryUnavailable     = errors.New("home summary unavailable")
)

// LoadError is a failed fetch with the message to show the viewer.
type LoadError struct {
	Kind    error
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *LoadError) Is(target error) bool { return target == e.Kind }

// Backend fetches patient data.
type Backend interface {
	ListPatients(ctx context.Context, endpoint string) ([]maternity.Patient, error)
	PatientDetails(ctx context.Context, endpoint, patientID string) (*maternity.PatientRecord, error)
	Predict(ctx context.Context, req maternity.PredictionRequest) (*maternity.Prediction, error)
}

// InsightSource generates AI care plans. On a non-2xx reply it may return the
// decoded body alongside the error so its message can be shown.
type InsightSource interface {
	Insight(ctx context.Context, kind maternity.InsightKind, req maternity.InsightRequest) (*maternity.InsightResponse, error)
}

// SummarySource fetches the landing page aggregates.
type SummarySource interface {
	HomeSummary(ctx context.Context) (*maternity.HomeSummary, error)
}

// ViewRecord describes one applied dashboard build, for the audit trail. It
// never carries clinical values.
type ViewRecord struct {
	SessionID           string
	Cohort              Cohort
	PatientID           string
	PredictionsDegraded bool
	OccurredAt          time.Time
}

// AuditRecorder persists ViewRecords.
type AuditRecorder interface {
	RecordView(ctx context.Context, rec ViewRecord) error
}

// Observer receives pipeline events for metrics.
type Observer interface {
	DashboardBuilt(cohort Cohort, outcome string, elapsed time.Duration)
	PredictionFallback(cohort Cohort, reason string)
	SelectionSuperseded(cohort Cohort)
	InsightFetched(kind maternity.InsightKind, outcome string)
	SessionsActive(n int)
}

type nopObserver struct{}

func (nopObserver) DashboardBuilt(Cohort, string, time.Duration) {}
func (nopObserver) PredictionFallback(Cohort, string) {}
func (nopObserver) SelectionSuperseded(Cohort) {}
func (nopObserver) InsightFetched(maternity.InsightKind, string) {}
func (nopObserver) SessionsActive(int) {}

// ServiceConfig wires a Service. Backend is required; the other
// collaborators are optional.
type ServiceConfig struct {
	Cohorts      []CohortConfig
	Thresholds   Thresholds
	InsightDelay time.Duration

	Backend  Backend
	Insights InsightSource
	Summary  SummarySource
	Speaker  playback.Speaker
	Audit    AuditRecorder
	Observer Observer
}

// DefaultInsightDelay staggers the second insight fetch behind the first.
const DefaultInsightDelay = 5 * time.Second

// Service is the entry point used by the HTTP layer and the snapshot worker.
type Service struct {
	cohorts      map[Cohort]CohortConfig
	order        []Cohort
	pipeline     *Pipeline
	insights     InsightSource
	summary      SummarySource
	speaker      playback.Speaker
	audit        AuditRecorder
	observer     Observer
	insightDelay time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewService validates cfg and builds a Service.
func NewService(cfg ServiceConfig, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.InsightDelay < 0 {
		cfg.InsightDelay = 0
	}

	s := &Service{
		cohorts:      make(map[Cohort]CohortConfig, len(cfg.Cohorts)),
		insights:     cfg.Insights,
		summary:      cfg.Summary,
		speaker:      cfg.Speaker,
		audit:        cfg.Audit,
		observer:     cfg.Observer,
		insightDelay: cfg.InsightDelay,
		logger:       logger,
		now:          time.Now,
	}
	for _, c := range cfg.Cohorts {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.cohorts[c.Name]; dup {
			return nil, fmt.Errorf("duplicate cohort %s", c.Name)
		}
		s.cohorts[c.Name] = c
		s.order = append(s.order, c.Name)
	}
	s.pipeline = NewPipeline(cfg.Backend, cfg.Thresholds, cfg.Observer, logger)
	return s, nil
}

// Cohort looks up a configured cohort.
func (s *Service) Cohort(name Cohort) (CohortConfig, error) {
	c, ok := s.cohorts[name]
	if !ok {
		return CohortConfig{}, fmt.Errorf("%w: %s", ErrUnknownCohort, name)
	}
	return c, nil
}

// Cohorts lists configured cohorts in configuration order.
func (s *Service) Cohorts() []CohortConfig {
	out := make([]CohortConfig, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.cohorts[n])
	}
	return out
}

// Patients loads the selector for a cohort without any session state.
func (s *Service) Patients(ctx context.Context, cohort Cohort) (*Selector, error) {
	c, err := s.Cohort(cohort)
	if err != nil {
		return nil, err
	}
	patients, err := s.pipeline.LoadPatients(ctx, c)
	if err != nil {
		return nil, err
	}
	return buildSelector(c, patients, "", ""), nil
}

// Dashboard builds one patient's dashboard without any session state.
func (s *Service) Dashboard(ctx context.Context, cohort Cohort, patientID string) (*Result, error) {
	c, err := s.Cohort(cohort)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Build(ctx, c, patientID)
}

// Summary loads and formats the landing page summary.
func (s *Service) Summary(ctx context.Context) (*HomeView, error) {
	if s.summary == nil {
		return nil, &LoadError{Kind: ErrSummaryUnavailable, Message: "Home summary is not configured"}
	}
	sum, err := s.summary.HomeSummary(ctx)
	if err != nil {
		s.logger.Warn("home summary fetch failed", zap.Error(err))
		return nil, &LoadError{Kind: ErrSummaryUnavailable, Message: "Unable to connect to data server", Err: err}
	}
	if sum.Failed() {
		msg := sum.Error
		if msg == "" {
			msg = "Failed to load data"
		}
		return nil, &LoadError{Kind: ErrSummaryUnavailable, Message: msg}
	}
	return BuildHomeView(sum), nil
}

func (s *Service) recordView(ctx context.Context, sessionID string, res *Result) {
	if s.audit == nil {
		return
	}
	rec := ViewRecord{
		SessionID:           sessionID,
		Cohort:              res.Cohort,
		PatientID:           res.Record.Patient.ID,
		PredictionsDegraded: res.View.PredictionsDegraded,
		OccurredAt:          s.now().UTC(),
	}
	if err := s.audit.RecordView(ctx, rec); err != nil {
		s.logger.Warn("failed to record dashboard view",
			zap.String("session_id", sessionID),
			zap.String("patient_id", rec.PatientID),
			zap.Error(err))
	}
}
