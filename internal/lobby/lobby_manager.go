// internal/lobby/lobby_manager.go
package lobby

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/errs"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultListLimit is used when ListOptions.Limit is not positive.
const DefaultListLimit = 50

// LobbyManager enforces the lobby state machine and input validation in
// front of a LobbyStore. It holds no lobby state of its own, so a single
// instance may be shared by request handlers, the matchmaking engine and
// the session reaper.
type LobbyManager struct {
	store database.LobbyStore
	retry database.RetryOptions
	log   logrus.FieldLogger
}

// Option configures a LobbyManager.
type Option func(*LobbyManager)

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(lm *LobbyManager) { lm.log = l }
}

// WithRetryOptions sets how transient store errors are retried.
func WithRetryOptions(opts database.RetryOptions) Option {
	return func(lm *LobbyManager) { lm.retry = opts }
}

// NewLobbyManager creates a LobbyManager over store.
func NewLobbyManager(store database.LobbyStore, opts ...Option) *LobbyManager {
	lm := &LobbyManager{
		store: store,
		retry: database.DefaultRetryOptions(),
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(lm)
	}
	if lm.retry.Logger == nil {
		lm.retry.Logger = lm.log
	}
	return lm
}

// CreateOptions are the settings for a new lobby.
type CreateOptions struct {
	MaxPlayers int
	Mode       string
}

// ListOptions paginates GetLobbiesByStatus.
type ListOptions struct {
	Limit  int
	Offset int
}

// LeaveResult is returned by LeaveLobby. Lobby is nil when LobbyDeleted.
type LeaveResult struct {
	Lobby        *models.LobbyDetail
	LobbyDeleted bool
	NewLeaderID  string
}

// IsValidStatusTransition reports whether a lobby may move from one status
// to another. Staying in the same status is allowed.
func IsValidStatusTransition(from, to models.LobbyStatus) bool {
	if from == to {
		return from.Valid()
	}
	switch from {
	case models.LobbyWaiting:
		return to == models.LobbyActive
	case models.LobbyActive:
		return to == models.LobbyFinished
	}
	return false
}

// CreateLobby creates a waiting lobby. If playerID is non-empty that player
// is its first member and leader.
func (lm *LobbyManager) CreateLobby(ctx context.Context, playerID string, opts CreateOptions) (*models.LobbyDetail, error) {
	if opts.MaxPlayers == 0 {
		return nil, errs.New(errs.CodeInvalidInput, "maxPlayers is required", nil)
	}
	if opts.MaxPlayers < models.MinLobbyPlayers || opts.MaxPlayers > models.MaxLobbyPlayers {
		return nil, errs.New(errs.CodeInvalidInput, "maxPlayers must be between 2 and 4",
			map[string]any{"max_players": opts.MaxPlayers})
	}

	detail, err := database.WithRetryValue(ctx, lm.retry, func(ctx context.Context) (*models.LobbyDetail, error) {
		return lm.store.CreateLobby(ctx, database.NewLobby{
			MaxPlayers: opts.MaxPlayers,
			Mode:       opts.Mode,
			CreatorID:  playerID,
		})
	})
	if err != nil {
		return nil, translate(err, "failed to create lobby", map[string]any{"player_id": playerID})
	}

	lm.log.WithFields(logrus.Fields{
		"lobby_id":    detail.ID,
		"player_id":   playerID,
		"max_players": detail.MaxPlayers,
		"mode":        detail.Mode,
	}).Info("lobby created")
	return detail, nil
}

// JoinLobby adds playerID to a waiting lobby that has room.
func (lm *LobbyManager) JoinLobby(ctx context.Context, playerID string, lobbyID uuid.UUID) (*models.LobbyDetail, error) {
	details := map[string]any{"lobby_id": lobbyID, "player_id": playerID}
	if playerID == "" {
		return nil, errs.New(errs.CodeInvalidInput, "playerId is required", details)
	}

	current, err := lm.GetLobbyInfo(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	// The store repeats these checks under a row lock; checking here first
	// gives callers a precise error without taking the lock.
	switch {
	case current.Status != models.LobbyWaiting:
		return nil, errs.New(errs.CodeInvalidState, "lobby is not accepting players", details)
	case current.IsFull():
		return nil, errs.New(errs.CodeLobbyFull, "lobby is full", details)
	case current.HasMember(playerID):
		return nil, errs.New(errs.CodePlayerExists, "player already in lobby", details)
	}

	err = database.WithRetry(ctx, lm.retry, func(ctx context.Context) error {
		_, err := lm.store.AddPlayerToLobby(ctx, lobbyID, playerID)
		return err
	})
	if err != nil {
		return nil, translate(err, "failed to join lobby", details)
	}

	lm.log.WithFields(logrus.Fields(details)).Info("player joined lobby")
	return lm.GetLobbyInfo(ctx, lobbyID)
}

// LeaveLobby removes playerID from the lobby. A waiting lobby left with one
// member or fewer is deleted.
func (lm *LobbyManager) LeaveLobby(ctx context.Context, playerID string, lobbyID uuid.UUID) (*LeaveResult, error) {
	details := map[string]any{"lobby_id": lobbyID, "player_id": playerID}
	if playerID == "" {
		return nil, errs.New(errs.CodeInvalidInput, "playerId is required", details)
	}

	res, err := database.WithRetryValue(ctx, lm.retry, func(ctx context.Context) (*database.RemoveResult, error) {
		return lm.store.RemovePlayerFromLobby(ctx, lobbyID, playerID)
	})
	if err != nil {
		return nil, translate(err, "failed to leave lobby", details)
	}

	entry := lm.log.WithFields(logrus.Fields(details))
	if res.LobbyDeleted {
		entry.Info("player left, lobby deleted")
		return &LeaveResult{LobbyDeleted: true}, nil
	}
	if res.NewLeaderID != "" {
		entry = entry.WithField("new_leader_id", res.NewLeaderID)
	}
	entry.Info("player left lobby")

	detail, err := lm.GetLobbyInfo(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	return &LeaveResult{Lobby: detail, NewLeaderID: res.NewLeaderID}, nil
}

// UpdateLobbyStatus moves the lobby along waiting -> active -> finished.
func (lm *LobbyManager) UpdateLobbyStatus(ctx context.Context, lobbyID uuid.UUID, status models.LobbyStatus) (*models.LobbyDetail, error) {
	details := map[string]any{"lobby_id": lobbyID, "status": status}
	if !status.Valid() {
		return nil, errs.New(errs.CodeInvalidInput, "unknown lobby status", details)
	}

	current, err := lm.GetLobbyInfo(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	details["from"] = current.Status
	if !IsValidStatusTransition(current.Status, status) {
		return nil, errs.New(errs.CodeInvalidTransition, "invalid status transition", details)
	}
	if current.Status == status {
		return current, nil
	}

	updated, err := database.WithRetryValue(ctx, lm.retry, func(ctx context.Context) (bool, error) {
		return lm.store.UpdateLobbyStatus(ctx, lobbyID, current.Status, status)
	})
	if err != nil {
		return nil, translate(err, "failed to update lobby status", details)
	}
	if !updated {
		return nil, errs.New(errs.CodeUpdateFailed, "lobby status changed concurrently", details)
	}

	lm.log.WithFields(logrus.Fields(details)).Info("lobby status updated")
	return lm.GetLobbyInfo(ctx, lobbyID)
}

// GetLobbyInfo returns the lobby and its members.
func (lm *LobbyManager) GetLobbyInfo(ctx context.Context, lobbyID uuid.UUID) (*models.LobbyDetail, error) {
	detail, err := database.WithRetryValue(ctx, lm.retry, func(ctx context.Context) (*models.LobbyDetail, error) {
		return lm.store.GetLobbyDetails(ctx, lobbyID)
	})
	if err != nil {
		return nil, translate(err, "failed to load lobby", map[string]any{"lobby_id": lobbyID})
	}
	return detail, nil
}

// GetLobbiesByStatus lists lobbies in a status, oldest first.
func (lm *LobbyManager) GetLobbiesByStatus(ctx context.Context, status models.LobbyStatus, opts ListOptions) ([]models.Lobby, error) {
	if !status.Valid() {
		return nil, errs.New(errs.CodeInvalidInput, "unknown lobby status", map[string]any{"status": status})
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	lobbies, err := database.WithRetryValue(ctx, lm.retry, func(ctx context.Context) ([]models.Lobby, error) {
		return lm.store.GetLobbiesByStatus(ctx, status, opts.Limit, opts.Offset)
	})
	if err != nil {
		return nil, translate(err, "failed to list lobbies", map[string]any{"status": status})
	}
	return lobbies, nil
}

// translate maps a store error to a domain error, keeping the cause.
func translate(err error, msg string, details map[string]any) error {
	switch {
	case database.IsKind(err, database.KindNotFound):
		return errs.Wrap(errs.CodeNotFound, "lobby or membership not found", details, err)
	case database.IsKind(err, database.KindLobbyFull):
		return errs.Wrap(errs.CodeLobbyFull, "lobby is full", details, err)
	case database.IsKind(err, database.KindInvalidState):
		return errs.Wrap(errs.CodeInvalidState, "lobby is not accepting players", details, err)
	case isUniqueViolation(err):
		return errs.Wrap(errs.CodePlayerExists, "player already in lobby", details, err)
	}
	return errs.Wrap(errs.CodeDBError, msg, details, err)
}

func isUniqueViolation(err error) bool {
	var dbErr *database.DBError
	return errors.As(err, &dbErr) && dbErr.Kind == database.KindConstraint && dbErr.Constraint == database.ConstraintUnique
}
