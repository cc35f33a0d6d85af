// internal/outbox/notifier.go
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/jason-s-yu/cambia-lobby/internal/session"
)

// Notifier turns session lobby notifications into outbox events.
type Notifier struct {
	outbox Outbox
	now    func() time.Time
}

var _ session.LobbyNotifier = (*Notifier)(nil)

func NewNotifier(o Outbox) *Notifier {
	return &Notifier{outbox: o, now: time.Now}
}

func (n *Notifier) NotifyLobbyStatus(ctx context.Context, lobbyID uuid.UUID, status models.LobbyStatus, sessionID uuid.UUID) error {
	return n.outbox.Publish(ctx, NewLobbyEvent(lobbyID, status, sessionID, n.now()))
}
