// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/errs"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/jason-s-yu/cambia-lobby/internal/scheduler"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout      = 30 * time.Minute
	DefaultReapInterval = time.Minute
	DefaultRetention    = time.Hour
)

// Patch keys UpdateSessionState applies. Anything else is ignored.
const (
	FieldGameState   = "gameState"
	FieldMetadata    = "metadata"
	FieldCurrentTurn = "currentTurn"
)

type entry struct {
	sess *models.Session
	// persisted is the LastActivityAt of the last record written to the
	// store. The zero time means no write succeeded yet.
	persisted time.Time
}

// Manager owns the in-memory session table and its reaper.
type Manager struct {
	store        database.SessionStore
	notifier     LobbyNotifier
	log          logrus.FieldLogger
	now          func() time.Time
	timeout      time.Duration
	reapInterval time.Duration
	retention    time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*entry

	task   *scheduler.Task
	reaped atomic.Int64
}

type Option func(*Manager)

func WithLogger(l logrus.FieldLogger) Option { return func(m *Manager) { m.log = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithTimeout sets how long a session may go without activity.
func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

func WithReapInterval(d time.Duration) Option { return func(m *Manager) { m.reapInterval = d } }

// WithRetention sets how long finished sessions stay readable before the
// reaper evicts them.
func WithRetention(d time.Duration) Option { return func(m *Manager) { m.retention = d } }

// NewManager returns a manager with an empty session table. store and
// notifier may be nil, in which case sessions are not mirrored and lobbies
// are not told about session changes.
func NewManager(store database.SessionStore, notifier LobbyNotifier, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		notifier:     notifier,
		log:          logrus.StandardLogger(),
		now:          time.Now,
		timeout:      DefaultTimeout,
		reapInterval: DefaultReapInterval,
		retention:    DefaultRetention,
		sessions:     make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.task = scheduler.NewTask("session-reaper", m.reapInterval, func(ctx context.Context) error {
		_, err := m.CleanupInactiveSessions(ctx)
		return err
	}, m.log)
	return m
}

// Start launches the reaper.
func (m *Manager) Start() error {
	return m.task.Start()
}

// Close stops the reaper and waits for a running sweep.
func (m *Manager) Close() {
	m.task.Stop()
}

// ReaperStats returns counters for the reaper task.
func (m *Manager) ReaperStats() scheduler.Stats {
	return m.task.Stats()
}

// CreateOptions configures CreateSession.
type CreateOptions struct {
	LobbyID uuid.UUID
	Mode    string
}

// CreateSession starts an active session for the players and asks for the
// lobby to become active.
func (m *Manager) CreateSession(ctx context.Context, playerIDs []string, opts CreateOptions) (*models.Session, error) {
	details := map[string]any{"lobby_id": opts.LobbyID}
	if len(playerIDs) == 0 {
		return nil, errs.New(errs.CodeInvalidInput, "at least one player is required", details)
	}
	if opts.LobbyID == uuid.Nil {
		return nil, errs.New(errs.CodeInvalidInput, "lobbyId is required", details)
	}
	seen := make(map[string]bool, len(playerIDs))
	for _, p := range playerIDs {
		if p == "" || seen[p] {
			details["player_id"] = p
			return nil, errs.New(errs.CodeInvalidInput, "player ids must be non-empty and unique", details)
		}
		seen[p] = true
	}
	mode := opts.Mode
	if mode == "" {
		mode = models.DefaultLobbyMode
	}

	now := m.now()
	sess := &models.Session{
		ID:             uuid.New(),
		LobbyID:        opts.LobbyID,
		Status:         models.SessionActive,
		PlayerIDs:      append([]string(nil), playerIDs...),
		Mode:           mode,
		GameState:      map[string]any{},
		Metadata:       map[string]any{},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	e := &entry{sess: sess}

	m.mu.Lock()
	m.sessions[sess.ID] = e
	snapshot := sess.Clone()
	m.mu.Unlock()

	m.persist(ctx, e, snapshot)
	m.notify(ctx, snapshot, models.LobbyActive)

	m.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"lobby_id":   sess.LobbyID,
		"players":    len(sess.PlayerIDs),
		"mode":       sess.Mode,
	}).Info("session created")
	return snapshot, nil
}

// EndOptions configures EndSession. An empty Outcome means completed.
type EndOptions struct {
	Outcome string
}

// EndSession finishes an active session and asks for its lobby to become
// finished. Ending a finished session fails with INVALID_STATE.
func (m *Manager) EndSession(ctx context.Context, sessionID uuid.UUID, opts EndOptions) (*models.Session, error) {
	outcome := opts.Outcome
	if outcome == "" {
		outcome = models.OutcomeCompleted
	}

	m.mu.Lock()
	e, err := m.lookupLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if e.sess.Status != models.SessionActive {
		m.mu.Unlock()
		return nil, errs.New(errs.CodeInvalidState, "session already finished",
			map[string]any{"session_id": sessionID, "outcome": e.sess.Outcome})
	}
	snapshot := m.finishLocked(e, outcome)
	m.mu.Unlock()

	m.persist(ctx, e, snapshot)
	m.notify(ctx, snapshot, models.LobbyFinished)
	m.log.WithFields(logrus.Fields{"session_id": sessionID, "outcome": outcome}).Info("session ended")
	return snapshot, nil
}

// GetSessionStatus returns the session and refreshes its activity time.
func (m *Manager) GetSessionStatus(sessionID uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(sessionID)
	if err != nil {
		return nil, err
	}
	m.touchLocked(e)
	return e.sess.Clone(), nil
}

// UpdateSessionState applies the allow-listed keys of patch to an active
// session. A key with a value of the wrong type fails with INVALID_INPUT and
// leaves the session unchanged.
func (m *Manager) UpdateSessionState(sessionID uuid.UUID, patch map[string]any) (*models.Session, error) {
	details := map[string]any{"session_id": sessionID}

	var (
		gameState, metadata map[string]any
		turn                int
		hasState, hasMeta   bool
		hasTurn             bool
	)
	if v, ok := patch[FieldGameState]; ok {
		if gameState, hasState = asMap(v); !hasState {
			details["field"] = FieldGameState
			return nil, errs.New(errs.CodeInvalidInput, "gameState must be an object", details)
		}
	}
	if v, ok := patch[FieldMetadata]; ok {
		if metadata, hasMeta = asMap(v); !hasMeta {
			details["field"] = FieldMetadata
			return nil, errs.New(errs.CodeInvalidInput, "metadata must be an object", details)
		}
	}
	if v, ok := patch[FieldCurrentTurn]; ok {
		if turn, hasTurn = asInt(v); !hasTurn {
			details["field"] = FieldCurrentTurn
			return nil, errs.New(errs.CodeInvalidInput, "currentTurn must be an integer", details)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookupLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if e.sess.Status != models.SessionActive {
		return nil, errs.New(errs.CodeInvalidState, "session is not active", details)
	}
	if hasState {
		e.sess.GameState = gameState
	}
	if hasMeta {
		e.sess.Metadata = metadata
	}
	if hasTurn {
		e.sess.CurrentTurn = turn
	}
	m.touchLocked(e)
	return e.sess.Clone(), nil
}

// IsSessionValid reports whether the session exists, is active and has not
// timed out. It does not touch the session.
func (m *Manager) IsSessionValid(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	return e.sess.Status == models.SessionActive && !m.expired(e.sess, m.now())
}

// CleanupResult reports one reaper sweep.
type CleanupResult struct {
	// Cleaned counts sessions ended for inactivity.
	Cleaned int `json:"cleaned"`
	// Failed counts timed-out sessions whose finished record could not be
	// written to the store.
	Failed int `json:"failed"`
	// Persisted is the number of stored records the store itself expired.
	Persisted int64 `json:"persisted"`
	// Evicted counts finished sessions dropped from memory.
	Evicted int `json:"evicted"`
}

// CleanupInactiveSessions ends every active session that has been idle past
// the timeout, then expires stale records in the store.
func (m *Manager) CleanupInactiveSessions(ctx context.Context) (*CleanupResult, error) {
	res := &CleanupResult{}
	now := m.now()

	type pending struct {
		e        *entry
		snapshot *models.Session
	}
	var ended, stale []pending

	m.mu.Lock()
	for id, e := range m.sessions {
		switch {
		case e.sess.Status == models.SessionActive && m.expired(e.sess, now):
			ended = append(ended, pending{e, m.finishLocked(e, models.OutcomeTimeout)})
		case e.sess.Status == models.SessionActive && e.sess.LastActivityAt.After(e.persisted):
			// activity since the last write; refresh the stored record so
			// the store sweep below does not expire a live session
			stale = append(stale, pending{e, e.sess.Clone()})
		case e.sess.Status == models.SessionFinished && e.sess.EndedAt != nil && now.Sub(*e.sess.EndedAt) > m.retention:
			delete(m.sessions, id)
			res.Evicted++
		}
	}
	m.mu.Unlock()

	for _, p := range stale {
		m.persist(ctx, p.e, p.snapshot)
	}
	for _, p := range ended {
		res.Cleaned++
		if !m.persist(ctx, p.e, p.snapshot) {
			res.Failed++
		}
		m.notify(ctx, p.snapshot, models.LobbyFinished)
	}
	m.reaped.Add(int64(res.Cleaned))

	var storeErr error
	if m.store != nil {
		n, err := m.store.CleanupExpiredSessions(ctx, m.timeout)
		if err != nil {
			storeErr = errs.Wrap(errs.CodeDBError, "failed to clean up stored sessions", nil, err)
		}
		res.Persisted = n
	}

	if res.Cleaned > 0 || res.Persisted > 0 || res.Evicted > 0 || storeErr != nil {
		fields := logrus.Fields{
			"cleaned":   res.Cleaned,
			"failed":    res.Failed,
			"persisted": res.Persisted,
			"evicted":   res.Evicted,
		}
		if storeErr != nil {
			m.log.WithFields(fields).WithError(storeErr).Warn("session sweep incomplete")
		} else {
			m.log.WithFields(fields).Info("session sweep complete")
		}
	}
	if storeErr == nil && res.Failed > 0 {
		storeErr = errors.New("session sweep: some finished sessions were not persisted")
	}
	return res, storeErr
}

// Reaped returns how many sessions the reaper has ended since construction.
func (m *Manager) Reaped() int64 {
	return m.reaped.Load()
}

func (m *Manager) lookupLocked(sessionID uuid.UUID) (*entry, error) {
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "session not found", map[string]any{"session_id": sessionID})
	}
	return e, nil
}

// touchLocked refreshes activity on active sessions. Finished sessions are
// immutable.
func (m *Manager) touchLocked(e *entry) {
	if e.sess.Status == models.SessionActive {
		e.sess.LastActivityAt = m.now()
	}
}

func (m *Manager) finishLocked(e *entry, outcome string) *models.Session {
	now := m.now()
	e.sess.Status = models.SessionFinished
	e.sess.Outcome = outcome
	e.sess.EndedAt = &now
	return e.sess.Clone()
}

func (m *Manager) expired(s *models.Session, now time.Time) bool {
	return now.Sub(s.LastActivityAt) > m.timeout
}

// persist mirrors snapshot to the store and reports whether the write
// succeeded. Failures are logged.
func (m *Manager) persist(ctx context.Context, e *entry, snapshot *models.Session) bool {
	if m.store == nil {
		return true
	}
	if err := m.store.SaveSession(ctx, snapshot); err != nil {
		m.log.WithFields(logrus.Fields{
			"session_id": snapshot.ID,
			"status":     snapshot.Status,
		}).WithError(err).Warn("failed to persist session")
		return false
	}
	m.mu.Lock()
	if snapshot.LastActivityAt.After(e.persisted) {
		e.persisted = snapshot.LastActivityAt
	}
	m.mu.Unlock()
	return true
}

// notify is best-effort. The notifier decides whether a failure is retried.
func (m *Manager) notify(ctx context.Context, s *models.Session, status models.LobbyStatus) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyLobbyStatus(ctx, s.LobbyID, status, s.ID); err != nil {
		m.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"lobby_id":   s.LobbyID,
			"status":     status,
		}).WithError(err).Warn("lobby notification failed")
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, true
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	}
	return nil, false
}

// asInt accepts Go integers and integral floats, which is what JSON decoding
// produces.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), true
		}
	}
	return 0, false
}
