// internal/session/notifier.go
package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

// LobbyNotifier is told when a session changes the status its lobby should
// have. Implementations may apply the change inline or defer it.
type LobbyNotifier interface {
	NotifyLobbyStatus(ctx context.Context, lobbyID uuid.UUID, status models.LobbyStatus, sessionID uuid.UUID) error
}

// LobbyStatusUpdater is satisfied by *lobby.LobbyManager.
type LobbyStatusUpdater interface {
	UpdateLobbyStatus(ctx context.Context, lobbyID uuid.UUID, status models.LobbyStatus) (*models.LobbyDetail, error)
}

var _ LobbyStatusUpdater = (*lobby.LobbyManager)(nil)

// DirectNotifier applies lobby status changes immediately. Failures are
// returned to the Manager, which logs them.
type DirectNotifier struct {
	lobbies LobbyStatusUpdater
}

func NewDirectNotifier(lobbies LobbyStatusUpdater) *DirectNotifier {
	return &DirectNotifier{lobbies: lobbies}
}

func (n *DirectNotifier) NotifyLobbyStatus(ctx context.Context, lobbyID uuid.UUID, status models.LobbyStatus, _ uuid.UUID) error {
	_, err := n.lobbies.UpdateLobbyStatus(ctx, lobbyID, status)
	return err
}
