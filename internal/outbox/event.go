// Package outbox carries lobby status changes from the session lifecycle to
// the lobby manager as queued events, so a failed update is retried instead
// of lost.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

// LobbyEvent asks for a lobby to move to Status.
type LobbyEvent struct {
	ID        uuid.UUID          `json:"id"`
	LobbyID   uuid.UUID          `json:"lobby_id"`
	Status    models.LobbyStatus `json:"status"`
	SessionID uuid.UUID          `json:"session_id"`
	Attempts  int                `json:"attempts"`
	CreatedAt time.Time          `json:"created_at"`
}

// NewLobbyEvent returns an event with a fresh id.
func NewLobbyEvent(lobbyID uuid.UUID, status models.LobbyStatus, sessionID uuid.UUID, now time.Time) LobbyEvent {
	return LobbyEvent{
		ID:        uuid.New(),
		LobbyID:   lobbyID,
		Status:    status,
		SessionID: sessionID,
		CreatedAt: now,
	}
}

// Outbox is a FIFO of lobby events. Next blocks until an event is available
// or ctx is done, in which case it returns ctx.Err(). Requeue puts an event
// back at the head, ahead of everything published after it.
type Outbox interface {
	Publish(ctx context.Context, ev LobbyEvent) error
	Requeue(ctx context.Context, ev LobbyEvent) error
	Next(ctx context.Context) (*LobbyEvent, error)
}
