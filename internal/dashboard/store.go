package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionStore keeps live sessions and evicts idle ones.
type SessionStore struct {
	svc     *Service
	idleTTL time.Duration
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates a store. An idleTTL of zero disables eviction.
func NewSessionStore(svc *Service, idleTTL time.Duration, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		svc:      svc,
		idleTTL:  idleTTL,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create starts a session for cohort, loads its patient list and selects the
// first patient. The session is kept even when loading fails so the viewer
// can retry; the failure is returned alongside it.
func (st *SessionStore) Create(ctx context.Context, cohort Cohort) (*Session, error) {
	sess, err := st.svc.NewSession(uuid.NewString(), cohort)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.sessions[sess.ID] = sess
	n := len(st.sessions)
	st.mu.Unlock()
	st.svc.observer.SessionsActive(n)

	st.logger.Info("session created", zap.String("session_id", sess.ID), zap.String("cohort", string(cohort)))
	return sess, sess.Open(ctx)
}

// Get returns a live session.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete closes and removes a session.
func (st *SessionStore) Delete(id string) error {
	st.mu.Lock()
	sess, ok := st.sessions[id]
	delete(st.sessions, id)
	n := len(st.sessions)
	st.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.Close()
	st.svc.observer.SessionsActive(n)
	return nil
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Evict closes sessions idle since before now minus the TTL and returns how
// many were removed.
func (st *SessionStore) Evict(now time.Time) int {
	if st.idleTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-st.idleTTL)

	var stale []*Session
	st.mu.Lock()
	for id, sess := range st.sessions {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, sess)
			delete(st.sessions, id)
		}
	}
	n := len(st.sessions)
	st.mu.Unlock()

	for _, sess := range stale {
		sess.Close()
		st.logger.Debug("session evicted", zap.String("session_id", sess.ID))
	}
	if len(stale) > 0 {
		st.svc.observer.SessionsActive(n)
	}
	return len(stale)
}

// Run evicts idle sessions every interval until ctx is done, then closes all
// remaining sessions.
func (st *SessionStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st.closeAll()
			return
		case now := <-ticker.C:
			if n := st.Evict(now); n > 0 {
				st.logger.Info("evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (st *SessionStore) closeAll() {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
	st.svc.observer.SessionsActive(0)
}
