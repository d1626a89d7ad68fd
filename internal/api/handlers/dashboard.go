// Package handlers provides HTTP handlers for the dashboard API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/api/middleware"
	"github.com/healthgest/go-maternity/internal/audit"
	"github.com/healthgest/go-maternity/internal/backend"
	"github.com/healthgest/go-maternity/internal/dashboard"
	"github.com/healthgest/go-maternity/internal/maternity"
	"github.com/healthgest/go-maternity/internal/playback"
	"github.com/healthgest/go-maternity/pkg/circuitbreaker"
)

// maxSpeechText bounds the text accepted for synthesis.
const maxSpeechText = 4000

// AuditLister reads the view trail. Nil disables the events route.
type AuditLister interface {
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*audit.Event, error)
}

// DashboardHandler serves dashboards, sessions and the home summary.
type DashboardHandler struct {
	svc    *dashboard.Service
	store  *dashboard.SessionStore
	audit  AuditLister
	logger *zap.Logger
	tracer trace.Tracer
}

// NewDashboardHandler creates a new handler
func NewDashboardHandler(svc *dashboard.Service, store *dashboard.SessionStore, audit AuditLister, logger *zap.Logger) *DashboardHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardHandler{
		svc:    svc,
		store:  store,
		audit:  audit,
		logger: logger,
		tracer: otel.Tracer("dashboard-handler"),
	}
}

// Routes returns the handler routes
func (h *DashboardHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/summary", h.Summary)
	r.Get("/cohorts", h.ListCohorts)
	r.Get("/cohorts/{cohort}/patients", h.Patients)
	r.Get("/cohorts/{cohort}/patients/{patientID}/dashboard", h.Dashboard)
	r.Get("/patients/{patientID}/events", h.Events)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Put("/selection", h.Select)
			r.Post("/patients/refresh", h.RefreshPatients)
			r.Post("/insights/{kind}/refresh", h.RefreshInsight)
			r.Post("/speech", h.Speak)
			r.Delete("/speech", h.StopSpeech)
		})
	})
	return r
}

// Summary handles GET /summary
func (h *DashboardHandler) Summary(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// CohortResponse describes one configured cohort.
type CohortResponse struct {
	Name          dashboard.Cohort `json:"name"`
	SelectorLabel string           `json:"selectorLabel"`
	Ongoing       bool             `json:"ongoing"`
}

// ListCohorts handles GET /cohorts
func (h *DashboardHandler) ListCohorts(w http.ResponseWriter, r *http.Request) {
	cohorts := h.svc.Cohorts()
	resp := make([]CohortResponse, 0, len(cohorts))
	for _, c := range cohorts {
		resp = append(resp, CohortResponse{Name: c.Name, SelectorLabel: c.SelectorLabel, Ongoing: c.IsOngoing})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Patients handles GET /cohorts/{cohort}/patients
func (h *DashboardHandler) Patients(w http.ResponseWriter, r *http.Request) {
	sel, err := h.svc.Patients(r.Context(), cohortParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sel)
}

// Dashboard handles GET /cohorts/{cohort}/patients/{patientID}/dashboard
func (h *DashboardHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	cohort := cohortParam(r)
	patientID := chi.URLParam(r, "patientID")

	ctx, span := h.tracer.Start(r.Context(), "build_dashboard",
		trace.WithAttributes(attribute.String("cohort", string(cohort))))
	defer span.End()

	res, err := h.svc.Dashboard(ctx, cohort, patientID)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.Bool("predictions_degraded", res.View.PredictionsDegraded))
	h.writeJSON(w, http.StatusOK, res.View)
}

// Events handles GET /patients/{patientID}/events
func (h *DashboardHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.jsonError(w, "audit trail is not configured", http.StatusNotFound)
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.audit.ListByPatient(r.Context(), chi.URLParam(r, "patientID"), limit)
	if err != nil {
		h.logger.Error("list audit events failed", zap.Error(err))
		h.jsonError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// CreateSessionRequest is the request body for creating a session
type CreateSessionRequest struct {
	Cohort dashboard.Cohort `json:"cohort"`
}

// CreateSession handles POST /sessions. A session whose initial load failed
// is still created; the failure is reported in its state.
func (h *DashboardHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Cohort == "" {
		h.jsonError(w, "cohort is required", http.StatusBadRequest)
		return
	}

	sess, err := h.store.Create(r.Context(), req.Cohort)
	if sess == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		h.logger.Warn("session opened with errors",
			zap.String("session_id", sess.ID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}

	w.Header().Set("Location", "/api/v1/sessions/"+sess.ID)
	h.writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// GetSession handles GET /sessions/{sessionID}
func (h *DashboardHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, sess.Snapshot())
}

// DeleteSession handles DELETE /sessions/{sessionID}
func (h *DashboardHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(chi.URLParam(r, "sessionID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectRequest is the request body for selecting a patient
type SelectRequest struct {
	PatientID string `json:"patient_id"`
}

// Select handles PUT /sessions/{sessionID}/selection
func (h *DashboardHandler) Select(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.PatientID) == "" {
		h.jsonError(w, "patient_id is required", http.StatusBadRequest)
		return
	}

	view, err := sess.Select(r.Context(), req.PatientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// RefreshPatients handles POST /sessions/{sessionID}/patients/refresh
func (h *DashboardHandler) RefreshPatients(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	first, err := sess.LoadPatients(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if first != "" {
		if _, err := sess.Select(r.Context(), first); err != nil && !errors.Is(err, dashboard.ErrSuperseded) {
			h.writeError(w, r, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, sess.Snapshot())
}

// RefreshInsight handles POST /sessions/{sessionID}/insights/{kind}/refresh
func (h *DashboardHandler) RefreshInsight(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	kind := maternity.InsightKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		h.jsonError(w, "unknown insight kind", http.StatusNotFound)
		return
	}

	in, err := sess.RefreshInsight(r.Context(), kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, in)
}

// SpeechRequest is the request body for text-to-speech
type SpeechRequest struct {
	Text string `json:"text"`
}

// Speak handles POST /sessions/{sessionID}/speech
func (h *DashboardHandler) Speak(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req SpeechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		h.jsonError(w, "text is required", http.StatusBadRequest)
		return
	}
	if len(req.Text) > maxSpeechText {
		h.jsonError(w, "text is too long", http.StatusRequestEntityTooLarge)
		return
	}

	clip, err := sess.Speak(r.Context(), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, clip)
}

// StopSpeech handles DELETE /sessions/{sessionID}/speech
func (h *DashboardHandler) StopSpeech(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.StopSpeaking()
	w.WriteHeader(http.StatusNoContent)
}

func (h *DashboardHandler) session(w http.ResponseWriter, r *http.Request) (*dashboard.Session, bool) {
	sess, err := h.store.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return sess, true
}

func cohortParam(r *http.Request) dashboard.Cohort {
	return dashboard.Cohort(strings.ToLower(chi.URLParam(r, "cohort")))
}

// writeError maps domain errors to status codes. Load failures carry the
// message meant for the viewer.
func (h *DashboardHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var le *dashboard.LoadError
	switch {
	case errors.Is(err, dashboard.ErrUnknownCohort), errors.Is(err, dashboard.ErrSessionNotFound):
		h.jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dashboard.ErrSessionClosed):
		h.jsonError(w, err.Error(), http.StatusGone)
	case errors.Is(err, dashboard.ErrSuperseded),
		errors.Is(err, playback.ErrPlaybackActive),
		errors.Is(err, dashboard.ErrNoPatientSelected):
		h.jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dashboard.ErrInsightsDisabled):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, circuitbreaker.ErrOpen):
		h.jsonError(w, "maternity backend temporarily unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &le):
		h.jsonError(w, le.Message, http.StatusBadGateway)
	case isBackendError(err):
		h.jsonError(w, "maternity backend request failed", http.StatusBadGateway)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.jsonError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func isBackendError(err error) bool {
	var se *backend.StatusError
	return errors.As(err, &se)
}

func (h *DashboardHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (h *DashboardHandler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
