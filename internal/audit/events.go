// Package audit persists the dashboard view trail: which session looked at
// which patient and whether predictions were degraded. Events carry
// identifiers and outcome flags only, never clinical values.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/healthgest/go-maternity/internal/dashboard"
)

// EventType represents the type of audit event
type EventType string

const (
	EventDashboardViewed   EventType = "DashboardViewed"
	EventSnapshotPublished EventType = "SnapshotPublished"
)

// Event is one audit record.
type Event struct {
	ID                  string           `json:"id"`
	EventType           EventType        `json:"event_type"`
	SessionID           string           `json:"session_id,omitempty"`
	Cohort              dashboard.Cohort `json:"cohort"`
	PatientID           string           `json:"patient_id"`
	PredictionsDegraded bool             `json:"predictions_degraded"`
	CorrelationID       string           `json:"correlation_id,omitempty"`
	OccurredAt          time.Time        `json:"occurred_at"`
}

// NewViewEvent records an applied session selection.
func NewViewEvent(rec dashboard.ViewRecord, correlationID string) *Event {
	at := rec.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	return &Event{
		ID:                  uuid.NewString(),
		EventType:           EventDashboardViewed,
		SessionID:           rec.SessionID,
		Cohort:              rec.Cohort,
		PatientID:           rec.PatientID,
		PredictionsDegraded: rec.PredictionsDegraded,
		CorrelationID:       correlationID,
		OccurredAt:          at.UTC(),
	}
}

// NewSnapshotEvent records a dashboard snapshot published by the worker.
func NewSnapshotEvent(cohort dashboard.Cohort, patientID string, degraded bool, correlationID string, at time.Time) *Event {
	return &Event{
		ID:                  uuid.NewString(),
		EventType:           EventSnapshotPublished,
		Cohort:              cohort,
		PatientID:           patientID,
		PredictionsDegraded: degraded,
		CorrelationID:       correlationID,
		OccurredAt:          at.UTC(),
	}
}

// Payload is the JSON relayed to Kafka.
func (e *Event) Payload() (json.RawMessage, error) {
	return json.Marshal(e)
}
