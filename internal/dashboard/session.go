package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/healthgest/go-maternity/internal/maternity"
	"github.com/healthgest/go-maternity/internal/playback"
)

// Session is one viewer's dashboard: a patient list, the current selection
// and everything derived from it.
//
// Every Select bumps a generation counter. Work started for an older
// generation is cancelled and its results are dropped, so the state always
// reflects the latest selection rather than the latest completion.
type Session struct {
	ID     string
	cohort CohortConfig
	svc    *Service
	player *playback.Player
	logger *zap.Logger

	mu            sync.Mutex
	gen           uint64
	closed        bool
	cancel        context.CancelFunc
	patients      []maternity.Patient
	listErr       string
	selected      string
	loading       bool
	loadErr       string
	current       *Result
	insights      map[maternity.InsightKind]*Insight
	timers        map[maternity.InsightKind]*time.Timer
	fetches       map[maternity.InsightKind]*insightFetch
	insightCancel context.CancelFunc
	lastUsed      time.Time
}

// insightFetch is the in-flight fetch of one insight kind. Starting another
// fetch of the same kind cancels it.
type insightFetch struct {
	cancel context.CancelFunc
}

// NewSession creates an empty session for cohort.
func (s *Service) NewSession(id string, cohort Cohort) (*Session, error) {
	c, err := s.Cohort(cohort)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:       id,
		cohort:   c,
		svc:      s,
		player:   playback.NewPlayer(s.speaker, s.logger),
		logger:   s.logger.With(zap.String("session_id", id), zap.String("cohort", string(c.Name))),
		insights: make(map[maternity.InsightKind]*Insight),
		timers:   make(map[maternity.InsightKind]*time.Timer),
		fetches:  make(map[maternity.InsightKind]*insightFetch),
		lastUsed: s.now(),
	}, nil
}

// Cohort returns the cohort this session serves.
func (s *Session) Cohort() CohortConfig { return s.cohort }

// LoadPatients refreshes the patient list. A failure keeps the previous list
// and dashboard in place. It returns the patient to auto-select: the first
// one, when nothing is selected yet.
func (s *Session) LoadPatients(ctx context.Context) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	patients, err := s.svc.pipeline.LoadPatients(ctx, s.cohort)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	s.touchLocked()
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			s.listErr = le.Message
		}
		return "", err
	}
	s.patients = patients
	s.listErr = ""
	if s.selected == "" && len(patients) > 0 {
		return patients[0].ID, nil
	}
	return "", nil
}

// Open loads the patient list and selects the first patient.
func (s *Session) Open(ctx context.Context) error {
	first, err := s.LoadPatients(ctx)
	if err != nil {
		return err
	}
	if first == "" {
		return nil
	}
	_, err = s.Select(ctx, first)
	return err
}

// Select makes patientID the current patient and builds its dashboard. If a
// newer Select starts before this one finishes, this call returns
// ErrSuperseded and leaves the newer selection's state untouched.
func (s *Session) Select(ctx context.Context, patientID string) (*View, error) {
	if patientID == "" {
		return nil, ErrNoPatientSelected
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
	}
	s.stopInsightsLocked()
	buildCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.selected = patientID
	s.loading = true
	s.loadErr = ""
	s.current = nil
	s.touchLocked()
	s.mu.Unlock()

	defer cancel()
	res, err := s.svc.pipeline.Build(buildCtx, s.cohort, patientID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.gen != gen {
		s.mu.Unlock()
		s.svc.observer.SelectionSuperseded(s.cohort.Name)
		s.logger.Debug("discarding superseded dashboard", zap.String("patient_id", patientID))
		return nil, ErrSuperseded
	}
	s.loading = false
	s.cancel = nil
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			s.loadErr = le.Message
		} else {
			s.loadErr = "Could not load dashboard data for this patient."
		}
		s.mu.Unlock()
		return nil, err
	}
	s.current = res
	s.scheduleInsightsLocked(gen, res.Record)
	s.mu.Unlock()

	s.svc.recordView(context.WithoutCancel(ctx), s.ID, res)
	return res.View, nil
}

// RefreshInsight re-fetches one insight immediately for the current patient.
// A fetch of the same kind still in flight is cancelled and returns
// ErrSuperseded.
func (s *Session) RefreshInsight(ctx context.Context, kind maternity.InsightKind) (*Insight, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if !s.cohort.IsOngoing || s.svc.insights == nil {
		s.mu.Unlock()
		return nil, ErrInsightsDisabled
	}
	if s.current == nil {
		s.mu.Unlock()
		return nil, ErrNoPatientSelected
	}
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
	gen := s.gen
	rec := s.current.Record
	s.touchLocked()
	if len(rec.Visits) == 0 {
		defer s.mu.Unlock()
		in := noVisitsInsight(kind)
		s.insights[kind] = in
		cp := *in
		return &cp, nil
	}
	s.mu.Unlock()

	return s.runInsight(ctx, gen, kind, rec)
}

// Speak synthesizes text for playback. Only one playback may be active.
func (s *Session) Speak(ctx context.Context, text string) (*playback.Clip, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.player.Play(ctx, text)
}

// StopSpeaking ends the active playback.
func (s *Session) StopSpeaking() { s.player.Stop() }

// State is a point-in-time copy of the session for rendering.
type State struct {
	ID        string     `json:"id"`
	Cohort    Cohort     `json:"cohort"`
	Selector  *Selector  `json:"selector"`
	Loading   bool       `json:"loading"`
	Error     string     `json:"error,omitempty"`
	Dashboard *View      `json:"dashboard,omitempty"`
	Insights  []*Insight `json:"insights,omitempty"`
	Playing   bool       `json:"playing"`
}

// Snapshot copies the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		ID:       s.ID,
		Cohort:   s.cohort.Name,
		Selector: buildSelector(s.cohort, s.patients, s.selected, s.listErr),
		Loading:  s.loading,
		Error:    s.loadErr,
		Playing:  s.player.IsPlaying(),
	}
	if s.current != nil {
		st.Dashboard = s.current.View
	}
	if s.cohort.IsOngoing && s.current != nil {
		for _, k := range maternity.InsightKinds {
			if in, ok := s.insights[k]; ok {
				cp := *in
				st.Insights = append(st.Insights, &cp)
			}
		}
	}
	return st
}

// Close cancels in-flight work and pending insight fetches. Later
// completions are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.stopInsightsLocked()
	s.player.Stop()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

func (s *Session) touchLocked() { s.lastUsed = s.svc.now() }

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.touchLocked()
	return nil
}

// scheduleInsightsLocked starts the diet plan now and the exercise plan after
// the configured delay.
func (s *Session) scheduleInsightsLocked(gen uint64, rec *maternity.PatientRecord) {
	s.insights = make(map[maternity.InsightKind]*Insight)
	if !s.cohort.IsOngoing || s.svc.insights == nil {
		return
	}
	if len(rec.Visits) == 0 {
		for _, k := range maternity.InsightKinds {
			s.insights[k] = noVisitsInsight(k)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.insightCancel = cancel
	for i, k := range maternity.InsightKinds {
		kind := k
		delay := time.Duration(0)
		if i > 0 {
			delay = s.svc.insightDelay
		}
		s.insights[kind] = newInsight(kind, InsightPending)
		s.timers[kind] = time.AfterFunc(delay, func() {
			s.mu.Lock()
			if s.gen == gen {
				delete(s.timers, kind)
			}
			s.mu.Unlock()
			_, _ = s.runInsight(ctx, gen, kind, rec)
		})
	}
}

func (s *Session) stopInsightsLocked() {
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	for k, f := range s.fetches {
		f.cancel()
		delete(s.fetches, k)
	}
	if s.insightCancel != nil {
		s.insightCancel()
		s.insightCancel = nil
	}
}

// runInsight fetches one plan and stores it if gen is still current and no
// newer fetch of the same kind has started.
func (s *Session) runInsight(ctx context.Context, gen uint64, kind maternity.InsightKind, rec *maternity.PatientRecord) (*Insight, error) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return nil, ErrSuperseded
	}
	if prev, ok := s.fetches[kind]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	fetch := &insightFetch{cancel: cancel}
	s.fetches[kind] = fetch
	s.insights[kind] = newInsight(kind, InsightLoading)
	s.mu.Unlock()

	resp, err := s.svc.insights.Insight(ctx, kind, maternity.InsightRequest{Patient: rec.Patient, Visits: rec.Visits})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("insight fetch failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	in := insightResult(kind, resp, err, s.svc.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.gen != gen || s.fetches[kind] != fetch {
		s.svc.observer.InsightFetched(kind, "discarded")
		return nil, ErrSuperseded
	}
	delete(s.fetches, kind)
	s.insights[kind] = in
	s.svc.observer.InsightFetched(kind, string(in.Status))
	cp := *in
	return &cp, nil
}
