// internal/models/session.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is either active or finished. Finished is terminal.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionFinished SessionStatus = "finished"
)

// Session outcomes recorded when a session ends.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
)

// Session is the runtime record of a game instance started from a lobby.
type Session struct {
	ID             uuid.UUID      `json:"id"`
	LobbyID        uuid.UUID      `json:"lobby_id"`
	Status         SessionStatus  `json:"status"`
	PlayerIDs      []string       `json:"player_ids"`
	Mode           string         `json:"mode"`
	GameState      map[string]any `json:"game_state"`
	Metadata       map[string]any `json:"metadata"`
	CurrentTurn    int            `json:"current_turn"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	c := *s
	c.PlayerIDs = append([]string(nil), s.PlayerIDs...)
	c.GameState = cloneMap(s.GameState)
	c.Metadata = cloneMap(s.Metadata)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
