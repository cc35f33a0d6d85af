// internal/matchmaking/engine.go
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/errs"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/jason-s-yu/cambia-lobby/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// Defaults applied by NewEngine.
const (
	DefaultMatchTimeout       = 30 * time.Second
	DefaultProcessingInterval = 5 * time.Second
	DefaultSearchLimit        = 100
	DefaultMaxPlayers         = 4
)

// LobbyService is the part of lobby.LobbyManager the engine drives.
type LobbyService interface {
	CreateLobby(ctx context.Context, playerID string, opts lobby.CreateOptions) (*models.LobbyDetail, error)
	JoinLobby(ctx context.Context, playerID string, lobbyID uuid.UUID) (*models.LobbyDetail, error)
	LeaveLobby(ctx context.Context, playerID string, lobbyID uuid.UUID) (*lobby.LeaveResult, error)
	GetLobbiesByStatus(ctx context.Context, status models.LobbyStatus, opts lobby.ListOptions) ([]models.Lobby, error)
}

var _ LobbyService = (*lobby.LobbyManager)(nil)

// Engine owns a set of matching queues and their background processors.
// Construct with NewEngine and release with Close.
type Engine struct {
	lobbies           LobbyService
	log               logrus.FieldLogger
	now               func() time.Time
	matchTimeout      time.Duration
	defaultInterval   time.Duration
	defaultMaxPlayers int
	searchLimit       int
	passTimeout       time.Duration

	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool

	// reserved holds players a pass is currently seating, across all queues.
	resMu    sync.Mutex
	reserved map[string]string

	passes       atomic.Int64
	matches      atomic.Int64
	failedGroups atomic.Int64
	skippedTicks atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

// WithClock replaces time.Now. Wait times are computed from it.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMatchTimeout sets the wait after which an entry jumps the skill order.
func WithMatchTimeout(d time.Duration) Option { return func(e *Engine) { e.matchTimeout = d } }

// WithDefaultInterval sets the processing interval for queues created
// without one.
func WithDefaultInterval(d time.Duration) Option { return func(e *Engine) { e.defaultInterval = d } }

// WithDefaultMaxPlayers sets the capacity FindMatch uses for new lobbies
// when the caller does not ask for one.
func WithDefaultMaxPlayers(n int) Option { return func(e *Engine) { e.defaultMaxPlayers = n } }

// WithSearchLimit caps how many waiting lobbies FindMatch considers.
func WithSearchLimit(n int) Option { return func(e *Engine) { e.searchLimit = n } }

// WithPassTimeout bounds a scheduled pass. Zero means no bound.
func WithPassTimeout(d time.Duration) Option { return func(e *Engine) { e.passTimeout = d } }

// NewEngine returns an engine with no queues.
func NewEngine(lobbies LobbyService, opts ...Option) *Engine {
	e := &Engine{
		lobbies:           lobbies,
		log:               logrus.StandardLogger(),
		now:               time.Now,
		matchTimeout:      DefaultMatchTimeout,
		defaultInterval:   DefaultProcessingInterval,
		defaultMaxPlayers: DefaultMaxPlayers,
		searchLimit:       DefaultSearchLimit,
		queues:            make(map[string]*Queue),
		reserved:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueueOptions configures CreateQueue.
type QueueOptions struct {
	MaxPlayers         int
	ProcessingInterval time.Duration
	// Manual disables the background processor; passes then only run when
	// ProcessQueue is called.
	Manual bool
}

// EnqueueOptions configures AddToQueue. A nil Skill means DefaultSkill.
type EnqueueOptions struct {
	Skill *float64
}

// PassResult is the outcome of one queue pass.
type PassResult struct {
	Matches      int         `json:"matches"`
	Remaining    int         `json:"remaining"`
	FailedGroups int         `json:"failed_groups"`
	Lobbies      []uuid.UUID `json:"lobbies"`
}

// Stats are engine-wide counters.
type Stats struct {
	Passes       int64
	Matches      int64
	FailedGroups int64
	SkippedTicks int64
}

// CreateQueue registers a queue and starts its processor.
func (e *Engine) CreateQueue(queueType string, opts QueueOptions) (*Queue, error) {
	if queueType == "" {
		return nil, errs.New(errs.CodeInvalidInput, "queue type is required", nil)
	}
	if opts.MaxPlayers < models.MinLobbyPlayers || opts.MaxPlayers > models.MaxLobbyPlayers {
		return nil, errs.New(errs.CodeInvalidInput, "maxPlayers must be between 2 and 4",
			map[string]any{"max_players": opts.MaxPlayers})
	}
	if opts.ProcessingInterval <= 0 {
		opts.ProcessingInterval = e.defaultInterval
	}

	q := &Queue{
		ID:         uuid.NewString(),
		Type:       queueType,
		MaxPlayers: opts.MaxPlayers,
		Interval:   opts.ProcessingInterval,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errs.New(errs.CodeInvalidState, "matchmaking engine is closed", nil)
	}
	if !opts.Manual {
		q.task = scheduler.NewTask("queue:"+q.ID, q.Interval, func(ctx context.Context) error {
			return e.scheduledPass(ctx, q)
		}, e.log)
		if err := q.task.Start(); err != nil {
			return nil, errs.Wrap(errs.CodeInvalidInput, "invalid processing interval", nil, err)
		}
	}
	e.queues[q.ID] = q

	e.log.WithFields(logrus.Fields{
		"queue_id":    q.ID,
		"type":        q.Type,
		"max_players": q.MaxPlayers,
		"interval":    q.Interval,
	}).Info("matchmaking queue created")
	return q, nil
}

// DeleteQueue stops a queue's processor and forgets it.
func (e *Engine) DeleteQueue(queueID string) error {
	e.mu.Lock()
	q, ok := e.queues[queueID]
	delete(e.queues, queueID)
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeNotFound, "queue not found", map[string]any{"queue_id": queueID})
	}
	if q.task != nil {
		q.task.Stop()
	}
	return nil
}

// Close stops every queue processor. The engine rejects new queues after
// Close.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	queues := make([]*Queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	for _, q := range queues {
		if q.task != nil {
			q.task.Stop()
		}
	}
}

func (e *Engine) queue(queueID string) (*Queue, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.queues[queueID]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "queue not found", map[string]any{"queue_id": queueID})
	}
	return q, nil
}

// sortedQueues returns queues ordered by id so scans are deterministic.
func (e *Engine) sortedQueues() []*Queue {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Queue, 0, len(e.queues))
	for _, q := range e.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Queues returns a snapshot of every queue.
func (e *Engine) Queues() []QueueInfo {
	now := e.now()
	var out []QueueInfo
	for _, q := range e.sortedQueues() {
		out = append(out, q.info(now))
	}
	return out
}

// QueueStatus returns a snapshot of one queue.
func (e *Engine) QueueStatus(queueID string) (QueueInfo, error) {
	q, err := e.queue(queueID)
	if err != nil {
		return QueueInfo{}, err
	}
	return q.info(e.now()), nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Passes:       e.passes.Load(),
		Matches:      e.matches.Load(),
		FailedGroups: e.failedGroups.Load(),
		SkippedTicks: e.skippedTicks.Load(),
	}
}

// AddToQueue enrolls a player in a queue.
func (e *Engine) AddToQueue(playerID, queueID string, opts EnqueueOptions) error {
	details := map[string]any{"player_id": playerID, "queue_id": queueID}
	if playerID == "" {
		return errs.New(errs.CodeInvalidInput, "playerId is required", details)
	}
	q, err := e.queue(queueID)
	if err != nil {
		return err
	}
	skill := models.DefaultSkill
	if opts.Skill != nil {
		skill = *opts.Skill
	}
	if !q.add(models.QueueEntry{PlayerID: playerID, EnqueuedAt: e.now(), Skill: skill}) {
		return errs.New(errs.CodePlayerExists, "player already queued", details)
	}
	e.log.WithFields(logrus.Fields{"player_id": playerID, "queue_id": queueID, "skill": skill}).Debug("player queued")
	return nil
}

// RemoveFromQueue removes the player from every queue and returns the ids of
// the queues it was in. Removing an absent player is a no-op.
func (e *Engine) RemoveFromQueue(playerID string) []string {
	removed := []string{}
	for _, q := range e.sortedQueues() {
		if q.remove(playerID) {
			removed = append(removed, q.ID)
		}
	}
	if len(removed) > 0 {
		e.log.WithFields(logrus.Fields{"player_id": playerID, "queues": removed}).Debug("player dequeued")
	}
	return removed
}

// ProcessQueue runs one matching pass now, waiting for any pass already in
// progress on the same queue.
func (e *Engine) ProcessQueue(ctx context.Context, queueID string) (*PassResult, error) {
	q, err := e.queue(queueID)
	if err != nil {
		return nil, err
	}
	q.pass.Lock()
	defer q.pass.Unlock()
	return e.runPass(ctx, q), nil
}

// scheduledPass skips the tick if a pass is already in flight.
func (e *Engine) scheduledPass(ctx context.Context, q *Queue) error {
	if !q.pass.TryLock() {
		e.skippedTicks.Add(1)
		return nil
	}
	defer q.pass.Unlock()

	if e.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.passTimeout)
		defer cancel()
	}
	res := e.runPass(ctx, q)
	if res.FailedGroups > 0 {
		return fmt.Errorf("queue %s: %d groups failed to match", q.ID, res.FailedGroups)
	}
	return nil
}

func (e *Engine) runPass(ctx context.Context, q *Queue) *PassResult {
	e.passes.Add(1)
	ordered := orderEntries(q.snapshot(e.now()), e.matchTimeout)

	res := &PassResult{Lobbies: []uuid.UUID{}}
	for _, group := range groupEntries(ordered, q.MaxPlayers) {
		lobbyID, err := e.seatGroup(ctx, q, group)
		if err != nil {
			res.FailedGroups++
			e.log.WithFields(logrus.Fields{
				"queue_id": q.ID,
				"players":  playerIDs(group),
			}).WithError(err).Warn("failed to form match, players stay queued")
			continue
		}
		res.Matches++
		res.Lobbies = append(res.Lobbies, lobbyID)
	}

	res.Remaining = q.count()
	e.matches.Add(int64(res.Matches))
	e.failedGroups.Add(int64(res.FailedGroups))

	if res.Matches > 0 || res.FailedGroups > 0 {
		e.log.WithFields(logrus.Fields{
			"queue_id":      q.ID,
			"matches":       res.Matches,
			"failed_groups": res.FailedGroups,
			"remaining":     res.Remaining,
		}).Info("queue pass complete")
	}
	return res
}

// seatGroup puts one group into a new lobby. The players are reserved
// engine-wide for the duration so a pass on another queue cannot seat them
// too. After the lobby is built the group is claimed from the queue in one
// step; if a player left the queue meanwhile the lobby is torn down.
func (e *Engine) seatGroup(ctx context.Context, q *Queue, group []models.QueueEntry) (uuid.UUID, error) {
	ids := playerIDs(group)
	if busy, ok := e.reserve(q.ID, ids); !ok {
		return uuid.Nil, fmt.Errorf("player %s is being matched by another queue", busy)
	}
	defer e.release(ids)

	if !q.containsAll(ids) {
		return uuid.Nil, errors.New("player left the queue before matching")
	}
	lobbyID, err := e.formMatch(ctx, q, group)
	if err != nil {
		return uuid.Nil, err
	}
	if !q.claim(ids) {
		e.rollback(ctx, lobbyID, ids)
		return uuid.Nil, errors.New("player left the queue while the lobby was formed")
	}
	for _, other := range e.sortedQueues() {
		if other == q {
			continue
		}
		for _, id := range ids {
			other.remove(id)
		}
	}
	return lobbyID, nil
}

// reserve marks ids as being seated by queueID. It reserves all or none and
// reports the first player already held.
func (e *Engine) reserve(queueID string, ids []string) (string, bool) {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	for _, id := range ids {
		if _, held := e.reserved[id]; held {
			return id, false
		}
	}
	for _, id := range ids {
		e.reserved[id] = queueID
	}
	return "", true
}

func (e *Engine) release(ids []string) {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	for _, id := range ids {
		delete(e.reserved, id)
	}
}

// formMatch creates a lobby for the group. On failure every player that
// made it into the lobby is taken back out.
func (e *Engine) formMatch(ctx context.Context, q *Queue, group []models.QueueEntry) (uuid.UUID, error) {
	creator := group[0].PlayerID
	detail, err := e.lobbies.CreateLobby(ctx, creator, lobby.CreateOptions{MaxPlayers: q.MaxPlayers, Mode: q.Type})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create lobby: %w", err)
	}

	joined := []string{creator}
	for _, entry := range group[1:] {
		if _, err := e.lobbies.JoinLobby(ctx, entry.PlayerID, detail.ID); err != nil {
			e.rollback(ctx, detail.ID, joined)
			return uuid.Nil, fmt.Errorf("join %s: %w", entry.PlayerID, err)
		}
		joined = append(joined, entry.PlayerID)
	}
	return detail.ID, nil
}

func (e *Engine) rollback(ctx context.Context, lobbyID uuid.UUID, joined []string) {
	for i := len(joined) - 1; i >= 0; i-- {
		res, err := e.lobbies.LeaveLobby(ctx, joined[i], lobbyID)
		if err != nil {
			if !errs.Is(err, errs.CodeNotFound) {
				e.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "player_id": joined[i]}).
					WithError(err).Warn("rollback leave failed")
			}
			continue
		}
		if res.LobbyDeleted {
			return
		}
	}
}

func playerIDs(entries []models.QueueEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.PlayerID
	}
	return ids
}
