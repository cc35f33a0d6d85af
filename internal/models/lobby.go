// internal/models/lobby.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// LobbyStatus is the lifecycle state of a lobby row.
type LobbyStatus string

const (
	LobbyWaiting  LobbyStatus = "waiting"
	LobbyActive   LobbyStatus = "active"
	LobbyFinished LobbyStatus = "finished"
)

// Valid reports whether s is one of the known lobby states.
func (s LobbyStatus) Valid() bool {
	switch s {
	case LobbyWaiting, LobbyActive, LobbyFinished:
		return true
	}
	return false
}

// DefaultLobbyMode is assigned to lobbies created without an explicit mode.
const DefaultLobbyMode = "standard"

// Lobby capacity bounds.
const (
	MinLobbyPlayers = 2
	MaxLobbyPlayers = 4
)

// Lobby represents a row in the lobbies table.
type Lobby struct {
	ID          uuid.UUID   `json:"id"`
	Status      LobbyStatus `json:"status"`
	Mode        string      `json:"mode"`
	LeaderID    string      `json:"leader_id,omitempty"`
	PlayerCount int         `json:"player_count"`
	MaxPlayers  int         `json:"max_players"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// IsFull reports whether the lobby has reached capacity.
func (l Lobby) IsFull() bool {
	return l.PlayerCount >= l.MaxPlayers
}

// LobbyMember is a row in lobby_players. JoinOrder is used for turn sequencing
// and for picking a new leader.
type LobbyMember struct {
	ID        int64     `json:"id"`
	LobbyID   uuid.UUID `json:"lobby_id"`
	PlayerID  string    `json:"player_id"`
	JoinOrder int       `json:"join_order"`
	JoinedAt  time.Time `json:"joined_at"`
}

// LobbyDetail is a lobby plus its members ordered by join order.
type LobbyDetail struct {
	Lobby
	Members []LobbyMember `json:"members"`
}

// HasMember reports whether playerID is in the lobby.
func (d *LobbyDetail) HasMember(playerID string) bool {
	for _, m := range d.Members {
		if m.PlayerID == playerID {
			return true
		}
	}
	return false
}

// PlayerIDs returns member ids in join order.
func (d *LobbyDetail) PlayerIDs() []string {
	ids := make([]string, 0, len(d.Members))
	for _, m := range d.Members {
		ids = append(ids, m.PlayerID)
	}
	return ids
}
