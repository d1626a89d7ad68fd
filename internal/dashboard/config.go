package dashboard

import "fmt"

// Cohort identifies a patient population served by one dashboard.
type Cohort string

const (
	CohortHistorical Cohort = "historical"
	CohortOngoing    Cohort = "ongoing"
)

// CohortConfig parameterizes the pipeline for one cohort. IsOngoing gates the
// prediction fetch, the insight scheduler and the "expected" wording.
type CohortConfig struct {
	Name                 Cohort
	PatientListEndpoint  string
	DashboardAPIEndpoint string
	SelectorLabel        string
	NoPatientsMessage    string
	IsOngoing            bool
}

// Validate checks the fields the pipeline depends on.
func (c CohortConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("cohort name is required")
	}
	if c.PatientListEndpoint == "" {
		return fmt.Errorf("cohort %s: patient list endpoint is required", c.Name)
	}
	if c.DashboardAPIEndpoint == "" {
		return fmt.Errorf("cohort %s: dashboard endpoint is required", c.Name)
	}
	return nil
}

// Thresholds tunes the derived values. Zero fields fall back to defaults.
type Thresholds struct {
	DeadBand      float64
	RiskThreshold float64
}

// DefaultThresholds returns the dead-band and risk display threshold the
// dashboard has always used.
func DefaultThresholds() Thresholds {
	return Thresholds{DeadBand: DefaultDeadBand, RiskThreshold: DefaultRiskThreshold}
}

func (t Thresholds) withDefaults() Thresholds {
	if t.DeadBand <= 0 {
		t.DeadBand = DefaultDeadBand
	}
	if t.RiskThreshold <= 0 {
		t.RiskThreshold = DefaultRiskThreshold
	}
	return t
}
