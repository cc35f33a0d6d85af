// internal/database/store.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

// NewLobby holds the attributes needed to insert a lobby row. CreatorID may be
// empty, in which case the lobby starts with no members and no leader.
type NewLobby struct {
	MaxPlayers int
	Mode       string
	CreatorID  string
}

// RemoveResult describes the outcome of RemovePlayerFromLobby.
type RemoveResult struct {
	Removed      bool
	LobbyDeleted bool
	NewLeaderID  string
	Remaining    int
}

// LobbyStore is the durable lobby/membership gateway. Every method runs in its
// own transaction and returns *DBError on failure.
type LobbyStore interface {
	// CreateLobby inserts the lobby and, if set, its creator as first member.
	CreateLobby(ctx context.Context, l NewLobby) (*models.LobbyDetail, error)
	// AddPlayerToLobby re-checks status, capacity and membership under a row
	// lock, so the optimistic checks callers make cannot be raced past.
	AddPlayerToLobby(ctx context.Context, lobbyID uuid.UUID, playerID string) (int64, error)
	// RemovePlayerFromLobby removes the membership, transfers leadership to
	// the lowest join order if needed, and deletes a waiting lobby left with
	// one member or fewer.
	RemovePlayerFromLobby(ctx context.Context, lobbyID uuid.UUID, playerID string) (*RemoveResult, error)
	// UpdateLobbyStatus sets status to `to` only if it is currently `from`.
	// It returns false when the row exists but was not in state `from`.
	UpdateLobbyStatus(ctx context.Context, lobbyID uuid.UUID, from, to models.LobbyStatus) (bool, error)
	GetLobbyDetails(ctx context.Context, lobbyID uuid.UUID) (*models.LobbyDetail, error)
	GetLobbiesByStatus(ctx context.Context, status models.LobbyStatus, limit, offset int) ([]models.Lobby, error)
}

// SessionStore persists session records outside the process.
type SessionStore interface {
	SaveSession(ctx context.Context, s *models.Session) error
	// CleanupExpiredSessions finishes active records idle longer than timeout
	// with outcome "timeout" and returns how many were changed.
	CleanupExpiredSessions(ctx context.Context, timeout time.Duration) (int64, error)
}

// Store is implemented by PostgresStore and MemoryStore.
type Store interface {
	LobbyStore
	SessionStore
	Close()
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
