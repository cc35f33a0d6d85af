// internal/matchmaking/engine_test.go
package matchmaking

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/errs"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingLobbies wraps a LobbyService and fails joins for selected players.
type failingLobbies struct {
	LobbyService
	mu        sync.Mutex
	failJoin  map[string]bool
	joinCalls int
}

func (f *failingLobbies) JoinLobby(ctx context.Context, playerID string, lobbyID uuid.UUID) (*models.LobbyDetail, error) {
	f.mu.Lock()
	f.joinCalls++
	fail := f.failJoin[playerID]
	f.mu.Unlock()
	if fail {
		return nil, errs.Wrap(errs.CodeDBError, "failed to join lobby", nil, errors.New("injected"))
	}
	return f.LobbyService.JoinLobby(ctx, playerID, lobbyID)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestLobbies() *lobby.LobbyManager {
	return lobby.NewLobbyManager(database.NewMemoryStore(),
		lobby.WithLogger(quietLogger()),
		lobby.WithRetryOptions(database.RetryOptions{MaxAttempts: 1}))
}

func newTestEngine(svc LobbyService, clock *fakeClock) *Engine {
	return NewEngine(svc, WithLogger(quietLogger()), WithClock(clock.Now), WithMatchTimeout(30*time.Second))
}

func skill(v float64) EnqueueOptions { return EnqueueOptions{Skill: &v} }

func TestProcessQueuePairsTwoPlayers(t *testing.T) {
	ctx := context.Background()
	lm := newTestLobbies()
	e := newTestEngine(lm, newFakeClock())
	defer e.Close()

	q, err := e.CreateQueue("ranked", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	require.NoError(t, e.AddToQueue("alice", q.ID, skill(1200)))
	require.NoError(t, e.AddToQueue("bob", q.ID, skill(1250)))

	res, err := e.ProcessQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matches)
	assert.Equal(t, 0, res.Remaining)
	require.Len(t, res.Lobbies, 1)

	d, err := lm.GetLobbyInfo(ctx, res.Lobbies[0])
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, d.PlayerIDs())
	assert.Equal(t, "ranked", d.Mode)
	assert.Equal(t, 2, d.MaxPlayers)
}

func TestProcessQueueLeavesRemainderInOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(newTestLobbies(), newFakeClock())
	defer e.Close()

	q, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 3, Manual: true})
	require.NoError(t, err)
	for _, p := range []string{"p1", "p2", "p3", "p4", "p5"} {
		require.NoError(t, e.AddToQueue(p, q.ID, EnqueueOptions{}))
	}

	res, err := e.ProcessQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matches)
	assert.Equal(t, 2, res.Remaining)
	assert.Less(t, res.Remaining, q.MaxPlayers)

	info, err := e.QueueStatus(q.ID)
	require.NoError(t, err)
	require.Len(t, info.Entries, 2)
	assert.Equal(t, "p4", info.Entries[0].PlayerID)
	assert.Equal(t, "p5", info.Entries[1].PlayerID)
}

func TestAddToQueueValidation(t *testing.T) {
	e := newTestEngine(newTestLobbies(), newFakeClock())
	defer e.Close()

	q, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)

	require.NoError(t, e.AddToQueue("p1", q.ID, EnqueueOptions{}))
	assert.True(t, errs.Is(e.AddToQueue("p1", q.ID, EnqueueOptions{}), errs.CodePlayerExists))
	assert.True(t, errs.Is(e.AddToQueue("p2", "missing", EnqueueOptions{}), errs.CodeNotFound))
	assert.True(t, errs.Is(e.AddToQueue("", q.ID, EnqueueOptions{}), errs.CodeInvalidInput))

	info, err := e.QueueStatus(q.ID)
	require.NoError(t, err)
	require.Len(t, info.Entries, 1)
	assert.Equal(t, models.DefaultSkill, info.Entries[0].Skill)
}

func TestCreateQueueValidation(t *testing.T) {
	e := newTestEngine(newTestLobbies(), newFakeClock())

	_, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 5})
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))
	_, err = e.CreateQueue("", QueueOptions{MaxPlayers: 2})
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))

	e.Close()
	_, err = e.CreateQueue("casual", QueueOptions{MaxPlayers: 2})
	assert.True(t, errs.Is(err, errs.CodeInvalidState))

	_, err = e.ProcessQueue(context.Background(), "missing")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestRemoveFromQueueScansAllQueues(t *testing.T) {
	e := newTestEngine(newTestLobbies(), newFakeClock())
	defer e.Close()

	q1, err := e.CreateQueue("a", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	q2, err := e.CreateQueue("b", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	q3, err := e.CreateQueue("c", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)

	require.NoError(t, e.AddToQueue("p1", q1.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("p1", q3.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("p2", q2.ID, EnqueueOptions{}))

	assert.ElementsMatch(t, []string{q1.ID, q3.ID}, e.RemoveFromQueue("p1"))
	assert.Empty(t, e.RemoveFromQueue("p1"))
	assert.Empty(t, e.RemoveFromQueue("nobody"))

	info, err := e.QueueStatus(q2.ID)
	require.NoError(t, err)
	assert.Len(t, info.Entries, 1)
}

func TestLongWaitingPlayerIsNotStarved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	lm := newTestLobbies()
	e := newTestEngine(lm, clock)
	defer e.Close()

	q, err := e.CreateQueue("ranked", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)

	// the outlier's rating is far from the baseline and would sort last
	require.NoError(t, e.AddToQueue("outlier", q.ID, skill(2500)))
	clock.Advance(2 * time.Minute)
	require.NoError(t, e.AddToQueue("close-a", q.ID, skill(1000)))
	require.NoError(t, e.AddToQueue("close-b", q.ID, skill(1010)))

	res, err := e.ProcessQueue(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Matches)

	d, err := lm.GetLobbyInfo(ctx, res.Lobbies[0])
	require.NoError(t, err)
	assert.Contains(t, d.PlayerIDs(), "outlier")
	assert.Equal(t, "outlier", d.LeaderID, "first in sorted order creates the lobby")
}

func TestOrderEntries(t *testing.T) {
	timeout := 30 * time.Second
	entries := []models.QueueEntry{
		{PlayerID: "far", Skill: 1800, WaitTime: 5 * time.Second},
		{PlayerID: "near", Skill: 1010, WaitTime: 1 * time.Second},
		{PlayerID: "starved", Skill: 3000, WaitTime: 90 * time.Second},
		{PlayerID: "exact", Skill: 1000, WaitTime: 2 * time.Second},
		{PlayerID: "older-starved", Skill: 1000, WaitTime: 120 * time.Second},
	}
	got := playerIDs(orderEntries(entries, timeout))
	assert.Equal(t, []string{"older-starved", "starved", "exact", "near", "far"}, got)
}

func TestGroupEntries(t *testing.T) {
	entries := make([]models.QueueEntry, 7)
	groups := groupEntries(entries, 3)
	assert.Len(t, groups, 2)
	assert.Empty(t, groupEntries(entries[:1], 2))
}

func TestFailedGroupReturnsToQueue(t *testing.T) {
	ctx := context.Background()
	lm := newTestLobbies()
	svc := &failingLobbies{LobbyService: lm, failJoin: map[string]bool{"p3": true}}
	e := newTestEngine(svc, newFakeClock())
	defer e.Close()

	q, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 3, Manual: true})
	require.NoError(t, err)
	for _, p := range []string{"p1", "p2", "p3"} {
		require.NoError(t, e.AddToQueue(p, q.ID, EnqueueOptions{}))
	}

	res, err := e.ProcessQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matches)
	assert.Equal(t, 1, res.FailedGroups)
	assert.Equal(t, 3, res.Remaining)
	assert.Equal(t, int64(1), e.Stats().FailedGroups)

	// the partially filled lobby was rolled back
	waiting, err := lm.GetLobbiesByStatus(ctx, models.LobbyWaiting, lobby.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, waiting)

	svc.failJoin = nil
	res, err = e.ProcessQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matches)
	assert.Equal(t, 0, res.Remaining)
}

func TestConcurrentPassesNeverDoubleBook(t *testing.T) {
	ctx := context.Background()
	lm := newTestLobbies()
	e := newTestEngine(lm, newFakeClock())
	defer e.Close()

	q, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, e.AddToQueue(uuid.NewString(), q.ID, EnqueueOptions{}))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var lobbies []uuid.UUID
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ProcessQueue(ctx, q.ID)
			if err != nil {
				return
			}
			mu.Lock()
			lobbies = append(lobbies, res.Lobbies...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, lobbies, 10)
	seen := map[string]bool{}
	for _, id := range lobbies {
		d, err := lm.GetLobbyInfo(ctx, id)
		require.NoError(t, err)
		for _, p := range d.PlayerIDs() {
			assert.False(t, seen[p], "player %s booked twice", p)
			seen[p] = true
		}
	}
	assert.Len(t, seen, 20)
}

func TestBackgroundProcessorMatches(t *testing.T) {
	lm := newTestLobbies()
	e := NewEngine(lm, WithLogger(quietLogger()))
	defer e.Close()

	q, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 2, ProcessingInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, e.AddToQueue("p1", q.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("p2", q.ID, EnqueueOptions{}))

	assert.Eventually(t, func() bool {
		info, err := e.QueueStatus(q.ID)
		return err == nil && len(info.Entries) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), e.Stats().Matches)

	require.NoError(t, e.DeleteQueue(q.ID))
	assert.True(t, errs.Is(e.DeleteQueue(q.ID), errs.CodeNotFound))
}

func TestScheduledPassSkipsWhileBusy(t *testing.T) {
	e := newTestEngine(newTestLobbies(), newFakeClock())
	defer e.Close()

	q, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)

	q.pass.Lock()
	require.NoError(t, e.scheduledPass(context.Background(), q))
	q.pass.Unlock()
	assert.Equal(t, int64(1), e.Stats().SkippedTicks)
	assert.Equal(t, int64(0), e.Stats().Passes)
}

// hookLobbies runs onJoin before each JoinLobby.
type hookLobbies struct {
	LobbyService
	onJoin func(playerID string)
}

func (h *hookLobbies) JoinLobby(ctx context.Context, playerID string, lobbyID uuid.UUID) (*models.LobbyDetail, error) {
	if h.onJoin != nil {
		h.onJoin(playerID)
	}
	return h.LobbyService.JoinLobby(ctx, playerID, lobbyID)
}

func waitingLobbyMembers(t *testing.T, lm *lobby.LobbyManager) map[string]int {
	t.Helper()
	ctx := context.Background()
	waiting, err := lm.GetLobbiesByStatus(ctx, models.LobbyWaiting, lobby.ListOptions{})
	require.NoError(t, err)
	seats := map[string]int{}
	for _, l := range waiting {
		d, err := lm.GetLobbyInfo(ctx, l.ID)
		require.NoError(t, err)
		for _, p := range d.PlayerIDs() {
			seats[p]++
		}
	}
	return seats
}

func TestMatchedPlayerLeavesOtherQueues(t *testing.T) {
	ctx := context.Background()
	lm := newTestLobbies()
	e := newTestEngine(lm, newFakeClock())
	defer e.Close()

	q1, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	q2, err := e.CreateQueue("ranked", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	require.NoError(t, e.AddToQueue("a", q1.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("b", q1.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("a", q2.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("c", q2.ID, EnqueueOptions{}))

	res, err := e.ProcessQueue(ctx, q1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matches)

	info, err := e.QueueStatus(q2.ID)
	require.NoError(t, err)
	require.Len(t, info.Entries, 1)
	assert.Equal(t, "c", info.Entries[0].PlayerID)

	res, err = e.ProcessQueue(ctx, q2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matches)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 1, waitingLobbyMembers(t, lm)["a"])
}

func TestPlayerBeingSeatedIsNotMatchedByAnotherQueue(t *testing.T) {
	ctx := context.Background()
	lm := newTestLobbies()
	svc := &hookLobbies{LobbyService: lm}
	e := newTestEngine(svc, newFakeClock())
	defer e.Close()

	q1, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	q2, err := e.CreateQueue("ranked", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	require.NoError(t, e.AddToQueue("a", q1.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("b", q1.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("a", q2.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("c", q2.ID, EnqueueOptions{}))

	// q2 runs a pass while q1 is halfway through seating "a"
	var nested *PassResult
	svc.onJoin = func(playerID string) {
		if playerID != "b" || nested != nil {
			return
		}
		var perr error
		nested, perr = e.ProcessQueue(ctx, q2.ID)
		require.NoError(t, perr)
	}

	res, err := e.ProcessQueue(ctx, q1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matches)

	require.NotNil(t, nested)
	assert.Equal(t, 0, nested.Matches)
	assert.Equal(t, 1, nested.FailedGroups)

	info, err := e.QueueStatus(q2.ID)
	require.NoError(t, err)
	require.Len(t, info.Entries, 1)
	assert.Equal(t, "c", info.Entries[0].PlayerID)
	assert.Equal(t, 1, waitingLobbyMembers(t, lm)["a"])
}

func TestDequeueDuringMatchRollsBack(t *testing.T) {
	ctx := context.Background()
	lm := newTestLobbies()
	svc := &hookLobbies{LobbyService: lm}
	e := newTestEngine(svc, newFakeClock())
	defer e.Close()

	q, err := e.CreateQueue("casual", QueueOptions{MaxPlayers: 2, Manual: true})
	require.NoError(t, err)
	require.NoError(t, e.AddToQueue("a", q.ID, EnqueueOptions{}))
	require.NoError(t, e.AddToQueue("b", q.ID, EnqueueOptions{}))

	// "b" disconnects while the lobby is being filled
	svc.onJoin = func(playerID string) {
		if playerID == "b" {
			e.RemoveFromQueue("b")
		}
	}

	res, err := e.ProcessQueue(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matches)
	assert.Equal(t, 1, res.FailedGroups)
	assert.Equal(t, 1, res.Remaining)

	assert.Empty(t, waitingLobbyMembers(t, lm), "the lobby was torn down")
	info, err := e.QueueStatus(q.ID)
	require.NoError(t, err)
	require.Len(t, info.Entries, 1)
	assert.Equal(t, "a", info.Entries[0].PlayerID)
}
