package dashboard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/maternity"
)

// Result is one completed dashboard build.
type Result struct {
	Cohort     Cohort
	Record     *maternity.PatientRecord
	Prediction *maternity.Prediction
	View       *View
}

// Pipeline runs load, predict and derive for a single patient.
type Pipeline struct {
	backend    Backend
	thresholds Thresholds
	observer   Observer
	logger     *zap.Logger
}

// NewPipeline creates a pipeline over backend.
func NewPipeline(backend Backend, th Thresholds, observer Observer, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Pipeline{
		backend:    backend,
		thresholds: th.withDefaults(),
		observer:   observer,
		logger:     logger,
	}
}

// LoadPatients fetches the cohort's patient list. An empty list is not an
// error.
func (p *Pipeline) LoadPatients(ctx context.Context, c CohortConfig) ([]maternity.Patient, error) {
	patients, err := p.backend.ListPatients(ctx, c.PatientListEndpoint)
	if err != nil {
		p.logger.Warn("patient list fetch failed",
			zap.String("cohort", string(c.Name)),
			zap.String("endpoint", c.PatientListEndpoint),
			zap.Error(err))
		return nil, &LoadError{
			Kind:    ErrPatientListUnavailable,
			Message: fmt.Sprintf("Could not load patient list from %s", c.PatientListEndpoint),
			Err:     err,
		}
	}
	if patients == nil {
		patients = []maternity.Patient{}
	}
	return patients, nil
}

// Build fetches the patient's record, then predictions for ongoing cohorts,
// then derives the view. Prediction failures degrade to empty defaults and
// are never returned.
func (p *Pipeline) Build(ctx context.Context, c CohortConfig, patientID string) (*Result, error) {
	if patientID == "" {
		return nil, ErrNoPatientSelected
	}
	start := time.Now()
	log := p.logger.With(zap.String("cohort", string(c.Name)), zap.String("patient_id", patientID))

	rec, err := p.backend.PatientDetails(ctx, c.DashboardAPIEndpoint, patientID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("patient details fetch failed", zap.Error(err))
		p.observer.DashboardBuilt(c.Name, "error", time.Since(start))
		return nil, &LoadError{
			Kind:    ErrDetailsUnavailable,
			Message: "Could not load dashboard data for this patient.",
			Err:     err,
		}
	}

	var pred *maternity.Prediction
	degraded := false
	if c.IsOngoing {
		pred, degraded = p.predict(ctx, c, rec, log)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	view := BuildView(c, rec, pred, p.thresholds)
	view.PredictionsDegraded = degraded

	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	p.observer.DashboardBuilt(c.Name, outcome, time.Since(start))

	return &Result{Cohort: c.Name, Record: rec, Prediction: pred, View: view}, nil
}

func (p *Pipeline) predict(ctx context.Context, c CohortConfig, rec *maternity.PatientRecord, log *zap.Logger) (*maternity.Prediction, bool) {
	pred, err := p.backend.Predict(ctx, maternity.PredictionRequest{Visits: rec.Visits, Patient: rec.Patient})
	switch {
	case err != nil:
		log.Warn("prediction unavailable, using empty defaults", zap.Error(err))
		p.observer.PredictionFallback(c.Name, "error")
	case pred == nil || !pred.Success:
		msg := ""
		if pred != nil {
			msg = pred.Error
		}
		log.Warn("prediction unsuccessful, using empty defaults", zap.String("error", msg))
		p.observer.PredictionFallback(c.Name, "unsuccessful")
	default:
		return pred, false
	}
	return maternity.EmptyPrediction(), true
}

// Option is one entry of the patient selector.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Selector is the patient picker state.
type Selector struct {
	Label        string   `json:"label"`
	Options      []Option `json:"options"`
	Selected     string   `json:"selected,omitempty"`
	Disabled     bool     `json:"disabled"`
	EmptyMessage string   `json:"emptyMessage,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func buildSelector(c CohortConfig, patients []maternity.Patient, selected, errMsg string) *Selector {
	sel := &Selector{
		Label:    c.SelectorLabel,
		Options:  make([]Option, 0, len(patients)),
		Selected: selected,
		Disabled: len(patients) == 0,
		Error:    errMsg,
	}
	for _, p := range patients {
		sel.Options = append(sel.Options, Option{Value: p.ID, Label: fmt.Sprintf("%s (ID: %s)", p.Name, p.ID)})
	}
	if len(patients) == 0 {
		sel.EmptyMessage = c.NoPatientsMessage
	}
	return sel
}
