package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tathmini/tathmini/core"
	"github.com/tathmini/tathmini/core/syncq"
)

var (
	// errors
	ErrNotInitialized   = errors.New("session not initialized")
	ErrSessionExpired   = core.NewExpiredError("expired session")
	ErrAlreadySubmitted = core.NewConflictError("test already submitted")
	ErrIndexOutOfRange  = errors.New("question index out of range")
	ErrNotActive        = errors.New("session is not active")
)

// for tests
var nowFunc = time.Now

type (
	// Backend is the session network surface this core consumes: it is
	// owned by the server-side CRUD application.
	Backend interface {
		// GetSession returns the server-held non-completed session for
		// (user, test); ok is false when none exists.
		GetSession(ctx context.Context, userID, testID string) (Snapshot, bool, error)
		SaveProgress(ctx context.Context, snap Snapshot) error
		// Submit must be idempotent per session: a duplicate call returns
		// an error satisfying core.IsConflict.
		Submit(ctx context.Context, snap Snapshot, device syncq.DeviceInfo) error
	}

	SubmitResult struct {
		Queued           bool `json:"queued"`
		AlreadySubmitted bool `json:"already_submitted"`
	}

	// Manager drives one test attempt through its lifecycle:
	// uninitialized → loading → active ⇄ paused → submitting → completed,
	// with active → expired on inactivity. It owns the in-memory snapshot
	// and is the sole writer of its own autosaves.
	Manager struct {
		store   core.KVStore
		backend Backend
		queue   *syncq.Service
		conf    *core.Config
		logger  core.Logger
		device  syncq.DeviceInfo

		mu             sync.Mutex
		state          State
		snap           Snapshot
		totalQuestions int
		timeLimit      time.Duration
		autoSubmitted  bool
		autosaveOn     bool

		stopOnce sync.Once
		stop     chan struct{}
	}
)

func NewManager(store core.KVStore, backend Backend, queue *syncq.Service, conf *core.Config, logger core.Logger, device syncq.DeviceInfo) *Manager {
	return &Manager{
		store:   store,
		backend: backend,
		queue:   queue,
		conf:    conf,
		logger:  logger,
		device:  device,
		state:   StateUninitialized,
		stop:    make(chan struct{}),
	}
}

// Initialize resumes the existing non-completed, non-expired session for
// (user, test) or creates a fresh one. Elapsed time is recomputed from the
// original start instant so background/sleep time is accounted for.
func (m *Manager) Initialize(ctx context.Context, userID, testID string, totalQuestions int, timeLimit time.Duration) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateLoading
	now := nowFunc().UTC()

	snap, found := m.loadSnapshot(ctx, userID, testID)
	if !found && m.backend != nil {
		remote, ok, err := m.backend.GetSession(ctx, userID, testID)
		if err != nil {
			// offline is not fatal here; a fresh local session still works
			if m.logger != nil {
				m.logger.Debug(fmt.Sprintf("session: fetching remote session for %s/%s: %v", userID, testID, err))
			}
		} else if ok {
			snap, found = remote, true
		}
	}
	if found && (snap.Completed || now.Sub(snap.LastActivityAt) > m.conf.Session.Timeout) {
		found = false
	}

	if found {
		snap.TotalTimeSpentSec = int(now.Sub(snap.StartedAt).Seconds())
	} else {
		snap = Snapshot{
			SessionID:            uuid.NewString(),
			TestID:               testID,
			UserID:               userID,
			CurrentQuestionIndex: 0,
			Answers:              []Answer{},
			StartedAt:            now,
		}
	}
	snap.LastActivityAt = now
	snap.ExpiresAt = now.Add(m.conf.Session.Timeout)

	m.snap = snap
	m.totalQuestions = totalQuestions
	m.timeLimit = timeLimit
	m.autoSubmitted = false
	m.state = StateActive

	m.persistLocked(ctx)
	return m.snapshotLocked(), nil
}

// AddAnswer captures one answer, replacing any prior answer for the same
// question. It does not persist; autosave does.
func (m *Manager) AddAnswer(ans Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateUninitialized || m.state == StateLoading {
		return ErrNotInitialized
	}
	now := nowFunc().UTC()
	m.checkExpiryLocked(now)
	if m.state == StateExpired {
		return ErrSessionExpired
	}
	if m.state != StateActive {
		return ErrNotActive
	}

	if ans.AnsweredAt.IsZero() {
		ans.AnsweredAt = now
	}
	replaced := false
	for i, prev := range m.snap.Answers {
		if prev.QuestionID == ans.QuestionID {
			m.snap.Answers[i] = ans // last write wins
			replaced = true
			break
		}
	}
	if !replaced {
		m.snap.Answers = append(m.snap.Answers, ans)
	}
	m.touchLocked(now)
	return nil
}

// SetQuestionIndex records navigation. The index always stays within
// [0, totalQuestions).
func (m *Manager) SetQuestionIndex(idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateUninitialized || m.state == StateLoading {
		return ErrNotInitialized
	}
	if idx < 0 || idx >= m.totalQuestions {
		return ErrIndexOutOfRange
	}
	m.snap.CurrentQuestionIndex = idx
	m.touchLocked(nowFunc().UTC())
	return nil
}

// Autosave persists the full snapshot: durably first, then to the server.
// A failed network attempt is captured as a pending mutation so it replays
// on the next drain rather than being lost.
func (m *Manager) Autosave(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateUninitialized || m.state == StateLoading {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.state == StateCompleted || m.state == StateSubmitting {
		m.mu.Unlock()
		return nil
	}
	now := nowFunc().UTC()
	m.snap.TotalTimeSpentSec = int(now.Sub(m.snap.StartedAt).Seconds())
	m.persistLocked(ctx)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if err := m.backend.SaveProgress(ctx, snap); err != nil {
		if m.logger != nil {
			m.logger.Info(fmt.Sprintf("session %s: progress save failed, queueing for sync", snap.SessionID))
		}
		if _, qErr := m.queue.Enqueue(ctx, core.KindTestSubmission, snap.UserID, snap.SubmissionPayload(false, m.device)); qErr != nil {
			return errors.Wrap(qErr, "queueing autosave")
		}
	}
	return nil
}

// Pause forces a synchronous autosave before suspending the timer.
func (m *Manager) Pause(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return ErrNotActive
	}
	m.mu.Unlock()

	if err := m.Autosave(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive {
		m.state = StatePaused
	}
	return nil
}

func (m *Manager) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		return ErrNotActive
	}
	m.state = StateActive
	m.touchLocked(nowFunc().UTC())
	return nil
}

// Submit issues the terminal submission exactly once. A server conflict is
// surfaced as the terminal already-submitted state, never retried; any other
// network failure queues the submission for a later drain.
func (m *Manager) Submit(ctx context.Context) (SubmitResult, error) {
	m.mu.Lock()
	switch m.state {
	case StateUninitialized, StateLoading:
		m.mu.Unlock()
		return SubmitResult{}, ErrNotInitialized
	case StateCompleted, StateSubmitting:
		m.mu.Unlock()
		return SubmitResult{AlreadySubmitted: true}, ErrAlreadySubmitted
	case StateExpired:
		m.mu.Unlock()
		return SubmitResult{}, ErrSessionExpired
	}
	m.state = StateSubmitting
	now := nowFunc().UTC()
	m.snap.TotalTimeSpentSec = int(now.Sub(m.snap.StartedAt).Seconds())
	snap := m.snapshotLocked()
	m.mu.Unlock()

	err := m.backend.Submit(ctx, snap, m.device)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case err == nil:
		m.completeLocked(ctx)
		return SubmitResult{}, nil
	case core.IsConflict(err):
		m.completeLocked(ctx)
		return SubmitResult{AlreadySubmitted: true}, ErrAlreadySubmitted
	default:
		if m.logger != nil {
			m.logger.Info(fmt.Sprintf("session %s: submit failed, queueing for sync", snap.SessionID))
		}
		if _, qErr := m.queue.Enqueue(ctx, core.KindTestSubmission, snap.UserID, snap.SubmissionPayload(true, m.device)); qErr != nil {
			m.state = StateActive // answers stay mutable; nothing was accepted
			return SubmitResult{}, errors.Wrap(qErr, "queueing submission")
		}
		m.completeLocked(ctx)
		return SubmitResult{Queued: true}, nil
	}
}

// Discard drops the attempt and its durable snapshot. Captured answers are
// only thrown away here, never by expiry itself.
func (m *Manager) Discard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snap.SessionID != "" {
		if err := m.store.Delete(ctx, core.SessionCollection, storeKey(m.snap.UserID, m.snap.TestID)); err != nil {
			return errors.Wrap(err, "discarding session snapshot")
		}
	}
	m.snap = Snapshot{}
	m.state = StateUninitialized
	return nil
}

// StartAutosave runs the autosave timer until ctx is cancelled or Stop is
// called. Ticks are skipped while paused; deadline checks ride along.
// Repeated calls are no-ops: one manager runs at most one timer.
func (m *Manager) StartAutosave(ctx context.Context) {
	m.mu.Lock()
	if m.autosaveOn {
		m.mu.Unlock()
		return
	}
	m.autosaveOn = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.autosaveOn = false
			m.mu.Unlock()
		}()
		ticker := time.NewTicker(m.conf.Session.AutosaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	now := nowFunc().UTC()
	m.checkExpiryLocked(now)
	autoSubmit := m.state == StateActive && m.timeLimit > 0 && !m.autoSubmitted &&
		now.Sub(m.snap.StartedAt) >= m.timeLimit
	if autoSubmit {
		m.autoSubmitted = true
	}
	active := m.state == StateActive
	m.mu.Unlock()

	if autoSubmit {
		if _, err := m.Submit(ctx); err != nil && m.logger != nil {
			m.logger.Warn("session: auto-submit on time limit", err)
		}
		return
	}
	if active {
		if err := m.Autosave(ctx); err != nil && m.logger != nil {
			m.logger.Warn("session: interval autosave", err)
		}
	}
}

// checkExpiryLocked transitions active → expired once inactivity crosses
// the configured timeout. It never cancels an in-flight autosave.
func (m *Manager) checkExpiryLocked(now time.Time) {
	if m.state == StateActive && now.Sub(m.snap.LastActivityAt) > m.conf.Session.Timeout {
		m.state = StateExpired
	}
}

func (m *Manager) touchLocked(now time.Time) {
	m.snap.LastActivityAt = now
	m.snap.ExpiresAt = now.Add(m.conf.Session.Timeout)
}

func (m *Manager) completeLocked(ctx context.Context) {
	m.state = StateCompleted
	m.snap.Completed = true
	if err := m.store.Delete(ctx, core.SessionCollection, storeKey(m.snap.UserID, m.snap.TestID)); err != nil && m.logger != nil {
		m.logger.Warn("session: removing completed snapshot", err)
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := m.snap
	snap.Answers = append([]Answer(nil), m.snap.Answers...)
	return snap
}

func (m *Manager) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(m.snap)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("session: marshalling snapshot", err)
		}
		return
	}
	if err = m.store.Put(ctx, core.SessionCollection, storeKey(m.snap.UserID, m.snap.TestID), raw); err != nil && m.logger != nil {
		// storage failure is logged, not fatal; the in-memory snapshot
		// remains authoritative
		m.logger.Error("session: persisting snapshot", err)
	}
}

func (m *Manager) loadSnapshot(ctx context.Context, userID, testID string) (Snapshot, bool) {
	raw, err := m.store.Get(ctx, core.SessionCollection, storeKey(userID, testID))
	if err != nil {
		if err != core.ErrKeyNotFound && m.logger != nil {
			m.logger.Warn("session: reading snapshot", err)
		}
		return Snapshot{}, false
	}
	var snap Snapshot
	if err = json.Unmarshal(raw, &snap); err != nil {
		if m.logger != nil {
			m.logger.Warn("session: decoding snapshot", err)
		}
		return Snapshot{}, false
	}
	return snap, true
}
