// internal/lobby/lobby_manager_test.go
package lobby

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/errs"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the next n AddPlayerToLobby calls with a connection error.
type flakyStore struct {
	database.LobbyStore
	failAdds int
	adds     int
}

func (f *flakyStore) AddPlayerToLobby(ctx context.Context, lobbyID uuid.UUID, playerID string) (int64, error) {
	f.adds++
	if f.failAdds > 0 {
		f.failAdds--
		return 0, &database.DBError{Op: "add player to lobby", Kind: database.KindConnection, Err: io.ErrUnexpectedEOF}
	}
	return f.LobbyStore.AddPlayerToLobby(ctx, lobbyID, playerID)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testRetry() database.RetryOptions {
	return database.RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func newTestManager(store database.LobbyStore) *LobbyManager {
	return NewLobbyManager(store, WithLogger(quietLogger()), WithRetryOptions(testRetry()))
}

func TestCreateLobby(t *testing.T) {
	ctx := context.Background()
	lm := newTestManager(database.NewMemoryStore())

	for _, n := range []int{2, 3, 4} {
		withCreator, err := lm.CreateLobby(ctx, "host", CreateOptions{MaxPlayers: n})
		require.NoError(t, err)
		assert.Equal(t, models.LobbyWaiting, withCreator.Status)
		assert.Equal(t, 1, withCreator.PlayerCount)
		assert.Equal(t, "host", withCreator.LeaderID)
		assert.Equal(t, []string{"host"}, withCreator.PlayerIDs())

		empty, err := lm.CreateLobby(ctx, "", CreateOptions{MaxPlayers: n})
		require.NoError(t, err)
		assert.Equal(t, 0, empty.PlayerCount)
	}
}

func TestCreateLobbyValidatesMaxPlayers(t *testing.T) {
	lm := newTestManager(database.NewMemoryStore())
	for _, n := range []int{0, 1, 5, -2} {
		_, err := lm.CreateLobby(context.Background(), "host", CreateOptions{MaxPlayers: n})
		assert.True(t, errs.Is(err, errs.CodeInvalidInput), "maxPlayers=%d", n)
	}
}

func TestTwoPlayerLobbyScenario(t *testing.T) {
	ctx := context.Background()
	lm := newTestManager(database.NewMemoryStore())

	d, err := lm.CreateLobby(ctx, "p1", CreateOptions{MaxPlayers: 2})
	require.NoError(t, err)

	d, err = lm.JoinLobby(ctx, "p2", d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d.PlayerCount)

	for i := 0; i < 3; i++ {
		_, err = lm.JoinLobby(ctx, "p3", d.ID)
		assert.True(t, errs.Is(err, errs.CodeLobbyFull), "repeat rejection %d", i)
	}

	d, err = lm.UpdateLobbyStatus(ctx, d.ID, models.LobbyActive)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyActive, d.Status)

	_, err = lm.UpdateLobbyStatus(ctx, d.ID, models.LobbyWaiting)
	assert.True(t, errs.Is(err, errs.CodeInvalidTransition))
}

func TestJoinLobbyErrors(t *testing.T) {
	ctx := context.Background()
	lm := newTestManager(database.NewMemoryStore())

	_, err := lm.JoinLobby(ctx, "p1", uuid.New())
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	d, err := lm.CreateLobby(ctx, "p1", CreateOptions{MaxPlayers: 3})
	require.NoError(t, err)

	_, err = lm.JoinLobby(ctx, "p1", d.ID)
	assert.True(t, errs.Is(err, errs.CodePlayerExists))

	_, err = lm.JoinLobby(ctx, "", d.ID)
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))

	_, err = lm.UpdateLobbyStatus(ctx, d.ID, models.LobbyActive)
	require.NoError(t, err)
	_, err = lm.JoinLobby(ctx, "p2", d.ID)
	assert.True(t, errs.Is(err, errs.CodeInvalidState))
}

func TestJoinLobbyRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{LobbyStore: database.NewMemoryStore()}
	lm := newTestManager(store)

	d, err := lm.CreateLobby(ctx, "p1", CreateOptions{MaxPlayers: 2})
	require.NoError(t, err)

	store.failAdds = 2
	d, err = lm.JoinLobby(ctx, "p2", d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d.PlayerCount)
	assert.Equal(t, 3, store.adds)
}

func TestJoinLobbyWrapsExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{LobbyStore: database.NewMemoryStore()}
	lm := newTestManager(store)

	d, err := lm.CreateLobby(ctx, "p1", CreateOptions{MaxPlayers: 2})
	require.NoError(t, err)

	store.failAdds = 10
	_, err = lm.JoinLobby(ctx, "p2", d.ID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeDBError))
	assert.True(t, database.IsKind(err, database.KindConnection), "cause is preserved")
	assert.Equal(t, 3, store.adds)
}

func TestLeaveLobby(t *testing.T) {
	ctx := context.Background()
	lm := newTestManager(database.NewMemoryStore())

	d, err := lm.CreateLobby(ctx, "creator", CreateOptions{MaxPlayers: 4})
	require.NoError(t, err)
	for _, p := range []string{"second", "third"} {
		_, err := lm.JoinLobby(ctx, p, d.ID)
		require.NoError(t, err)
	}

	res, err := lm.LeaveLobby(ctx, "creator", d.ID)
	require.NoError(t, err)
	require.False(t, res.LobbyDeleted)
	assert.Equal(t, "second", res.NewLeaderID)
	assert.Equal(t, "second", res.Lobby.LeaderID)
	assert.Equal(t, 2, res.Lobby.PlayerCount)

	_, err = lm.LeaveLobby(ctx, "creator", d.ID)
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	res, err = lm.LeaveLobby(ctx, "third", d.ID)
	require.NoError(t, err)
	assert.True(t, res.LobbyDeleted)
	assert.Nil(t, res.Lobby)

	_, err = lm.GetLobbyInfo(ctx, d.ID)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestLeaveSoleMemberDeletesLobby(t *testing.T) {
	ctx := context.Background()
	lm := newTestManager(database.NewMemoryStore())

	d, err := lm.CreateLobby(ctx, "only", CreateOptions{MaxPlayers: 2})
	require.NoError(t, err)

	res, err := lm.LeaveLobby(ctx, "only", d.ID)
	require.NoError(t, err)
	assert.True(t, res.LobbyDeleted)
}

func TestIsValidStatusTransition(t *testing.T) {
	all := []models.LobbyStatus{models.LobbyWaiting, models.LobbyActive, models.LobbyFinished}
	for _, s := range all {
		assert.True(t, IsValidStatusTransition(s, s), "same-state %s", s)
	}
	assert.True(t, IsValidStatusTransition(models.LobbyWaiting, models.LobbyActive))
	assert.True(t, IsValidStatusTransition(models.LobbyActive, models.LobbyFinished))

	assert.False(t, IsValidStatusTransition(models.LobbyWaiting, models.LobbyFinished))
	assert.False(t, IsValidStatusTransition(models.LobbyActive, models.LobbyWaiting))
	assert.False(t, IsValidStatusTransition(models.LobbyFinished, models.LobbyWaiting))
	assert.False(t, IsValidStatusTransition(models.LobbyFinished, models.LobbyActive))
	assert.False(t, IsValidStatusTransition("bogus", "bogus"))
}

func TestUpdateLobbyStatusSameStateIsNoop(t *testing.T) {
	ctx := context.Background()
	lm := newTestManager(database.NewMemoryStore())

	d, err := lm.CreateLobby(ctx, "p1", CreateOptions{MaxPlayers: 2})
	require.NoError(t, err)

	got, err := lm.UpdateLobbyStatus(ctx, d.ID, models.LobbyWaiting)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyWaiting, got.Status)

	_, err = lm.UpdateLobbyStatus(ctx, d.ID, "paused")
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))

	_, err = lm.UpdateLobbyStatus(ctx, uuid.New(), models.LobbyActive)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

// racingStore moves the lobby to finished between the manager's read and its
// compare-and-set write.
type racingStore struct {
	database.LobbyStore
}

func (r *racingStore) UpdateLobbyStatus(ctx context.Context, id uuid.UUID, from, to models.LobbyStatus) (bool, error) {
	if _, err := r.LobbyStore.UpdateLobbyStatus(ctx, id, models.LobbyWaiting, models.LobbyActive); err != nil {
		return false, err
	}
	return r.LobbyStore.UpdateLobbyStatus(ctx, id, from, to)
}

func TestUpdateLobbyStatusDetectsConcurrentChange(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{LobbyStore: database.NewMemoryStore()}
	lm := newTestManager(store)

	d, err := lm.CreateLobby(ctx, "p1", CreateOptions{MaxPlayers: 2})
	require.NoError(t, err)

	_, err = lm.UpdateLobbyStatus(ctx, d.ID, models.LobbyActive)
	assert.True(t, errs.Is(err, errs.CodeUpdateFailed))
}

func TestGetLobbiesByStatus(t *testing.T) {
	ctx := context.Background()
	lm := newTestManager(database.NewMemoryStore())

	for i := 0; i < 3; i++ {
		_, err := lm.CreateLobby(ctx, "p", CreateOptions{MaxPlayers: 2})
		require.NoError(t, err)
	}
	all, err := lm.GetLobbiesByStatus(ctx, models.LobbyWaiting, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := lm.GetLobbiesByStatus(ctx, models.LobbyWaiting, ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	_, err = lm.GetLobbiesByStatus(ctx, "nope", ListOptions{})
	assert.True(t, errs.Is(err, errs.CodeInvalidInput))
}
