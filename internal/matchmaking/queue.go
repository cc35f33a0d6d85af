// internal/matchmaking/queue.go
package matchmaking

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/jason-s-yu/cambia-lobby/internal/scheduler"
)

// Queue is one matching pool. Entries are kept in enqueue order.
type Queue struct {
	ID         string
	Type       string
	MaxPlayers int
	Interval   time.Duration

	mu      sync.Mutex
	entries []models.QueueEntry

	// pass serializes ProcessQueue runs on this queue.
	pass sync.Mutex
	task *scheduler.Task
}

// QueueInfo is a read-only snapshot of a queue.
type QueueInfo struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	MaxPlayers int                 `json:"max_players"`
	Interval   time.Duration       `json:"interval"`
	Entries    []models.QueueEntry `json:"entries"`
}

func (q *Queue) info(now time.Time) QueueInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]models.QueueEntry, len(q.entries))
	for i, e := range q.entries {
		e.WaitTime = now.Sub(e.EnqueuedAt)
		entries[i] = e
	}
	return QueueInfo{ID: q.ID, Type: q.Type, MaxPlayers: q.MaxPlayers, Interval: q.Interval, Entries: entries}
}

func (q *Queue) indexOf(playerID string) int {
	for i, e := range q.entries {
		if e.PlayerID == playerID {
			return i
		}
	}
	return -1
}

// add returns false if the player is already queued.
func (q *Queue) add(e models.QueueEntry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexOf(e.PlayerID) >= 0 {
		return false
	}
	q.entries = append(q.entries, e)
	return true
}

func (q *Queue) remove(playerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(playerID)
	if i < 0 {
		return false
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return true
}

// snapshot refreshes WaitTime on every entry and returns a copy.
func (q *Queue) snapshot(now time.Time) []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueueEntry, len(q.entries))
	for i := range q.entries {
		q.entries[i].WaitTime = now.Sub(q.entries[i].EnqueuedAt)
		out[i] = q.entries[i]
	}
	return out
}

func (q *Queue) containsAll(ids []string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if q.indexOf(id) < 0 {
			return false
		}
	}
	return true
}

// claim removes every id from the queue if all are still present, and
// otherwise leaves the queue unchanged.
func (q *Queue) claim(ids []string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if q.indexOf(id) < 0 {
			return false
		}
		want[id] = true
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !want[e.PlayerID] {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return true
}

func (q *Queue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// orderEntries sorts entries for grouping. Entries that have waited longer
// than matchTimeout come first, longest wait first, so nobody starves
// behind a stream of better skill matches. Everyone else is ordered by
// distance of skill from DefaultSkill. Ties fall back to wait time, then
// player id.
func orderEntries(entries []models.QueueEntry, matchTimeout time.Duration) []models.QueueEntry {
	out := append([]models.QueueEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aOver, bOver := a.WaitTime > matchTimeout, b.WaitTime > matchTimeout
		if aOver != bOver {
			return aOver
		}
		if aOver {
			if a.WaitTime != b.WaitTime {
				return a.WaitTime > b.WaitTime
			}
			return a.PlayerID < b.PlayerID
		}
		da, db := skillDistance(a.Skill), skillDistance(b.Skill)
		if da != db {
			return da < db
		}
		if a.WaitTime != b.WaitTime {
			return a.WaitTime > b.WaitTime
		}
		return a.PlayerID < b.PlayerID
	})
	return out
}

func skillDistance(skill float64) float64 {
	return math.Abs(skill - models.DefaultSkill)
}

// groupEntries cuts ordered entries into consecutive groups of size n,
// dropping the tail that cannot fill a group.
func groupEntries(ordered []models.QueueEntry, n int) [][]models.QueueEntry {
	var groups [][]models.QueueEntry
	for i := 0; i+n <= len(ordered); i += n {
		groups = append(groups, ordered[i:i+n])
	}
	return groups
}
