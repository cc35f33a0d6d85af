// internal/models/queue.go
package models

import "time"

// DefaultSkill is used for players whose rating is unknown. It is also the
// baseline that skill distance is measured from when ordering a queue.
const DefaultSkill = 1000.0

// QueueEntry is one player waiting in a matchmaking queue.
type QueueEntry struct {
	PlayerID   string        `json:"player_id"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Skill      float64       `json:"skill"`
	WaitTime   time.Duration `json:"wait_time"`
}
