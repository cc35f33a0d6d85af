// internal/database/memory.go
package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

type memLobby struct {
	lobby     models.Lobby
	members   []models.LobbyMember
	nextOrder int
}

func (m *memLobby) snapshot() *models.LobbyDetail {
	d := &models.LobbyDetail{
		Lobby:   m.lobby,
		Members: append([]models.LobbyMember{}, m.members...),
	}
	d.PlayerCount = len(m.members)
	return d
}

// MemoryStore is a Store kept in process memory. Each method holds the store
// mutex for its whole duration, which gives it the same atomicity as a
// PostgresStore transaction.
type MemoryStore struct {
	mu       sync.Mutex
	lobbies  map[uuid.UUID]*memLobby
	sessions map[uuid.UUID]*models.Session
	nextID   int64
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lobbies:  make(map[uuid.UUID]*memLobby),
		sessions: make(map[uuid.UUID]*models.Session),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateLobby(_ context.Context, nl NewLobby) (*models.LobbyDetail, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, newError("create lobby", KindUnknown, err)
	}
	if nl.MaxPlayers < models.MinLobbyPlayers || nl.MaxPlayers > models.MaxLobbyPlayers {
		return nil, &DBError{Op: "create lobby", Kind: KindConstraint, Constraint: ConstraintCheck}
	}
	mode := nl.Mode
	if mode == "" {
		mode = models.DefaultLobbyMode
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ml := &memLobby{
		lobby: models.Lobby{
			ID:         id,
			Status:     models.LobbyWaiting,
			Mode:       mode,
			MaxPlayers: nl.MaxPlayers,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		members:   []models.LobbyMember{},
		nextOrder: 1,
	}
	s.lobbies[id] = ml
	if nl.CreatorID != "" {
		s.addMemberLocked(ml, nl.CreatorID, now)
	}
	return ml.snapshot(), nil
}

func (s *MemoryStore) addMemberLocked(ml *memLobby, playerID string, now time.Time) int64 {
	s.nextID++
	ml.members = append(ml.members, models.LobbyMember{
		ID:        s.nextID,
		LobbyID:   ml.lobby.ID,
		PlayerID:  playerID,
		JoinOrder: ml.nextOrder,
		JoinedAt:  now,
	})
	ml.nextOrder++
	if ml.lobby.LeaderID == "" {
		ml.lobby.LeaderID = playerID
	}
	ml.lobby.UpdatedAt = now
	return s.nextID
}

func (s *MemoryStore) AddPlayerToLobby(_ context.Context, lobbyID uuid.UUID, playerID string) (int64, error) {
	const op = "add player to lobby"
	s.mu.Lock()
	defer s.mu.Unlock()

	ml, ok := s.lobbies[lobbyID]
	if !ok {
		return 0, newError(op, KindNotFound, nil)
	}
	if ml.lobby.Status != models.LobbyWaiting {
		return 0, newError(op, KindInvalidState, nil)
	}
	if len(ml.members) >= ml.lobby.MaxPlayers {
		return 0, newError(op, KindLobbyFull, nil)
	}
	for _, m := range ml.members {
		if m.PlayerID == playerID {
			return 0, &DBError{Op: op, Kind: KindConstraint, Constraint: ConstraintUnique}
		}
	}
	return s.addMemberLocked(ml, playerID, s.now()), nil
}

func (s *MemoryStore) RemovePlayerFromLobby(_ context.Context, lobbyID uuid.UUID, playerID string) (*RemoveResult, error) {
	const op = "remove player from lobby"
	s.mu.Lock()
	defer s.mu.Unlock()

	ml, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, newError(op, KindNotFound, nil)
	}
	idx := -1
	for i, m := range ml.members {
		if m.PlayerID == playerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, newError(op, KindNotFound, nil)
	}
	ml.members = append(ml.members[:idx], ml.members[idx+1:]...)

	res := &RemoveResult{Removed: true, Remaining: len(ml.members)}
	if res.Remaining <= 1 && ml.lobby.Status == models.LobbyWaiting {
		delete(s.lobbies, lobbyID)
		res.LobbyDeleted = true
		return res, nil
	}
	if ml.lobby.LeaderID == playerID {
		ml.lobby.LeaderID = ""
		if len(ml.members) > 0 {
			// members is kept in join order
			ml.lobby.LeaderID = ml.members[0].PlayerID
		}
		res.NewLeaderID = ml.lobby.LeaderID
	}
	ml.lobby.UpdatedAt = s.now()
	return res, nil
}

func (s *MemoryStore) UpdateLobbyStatus(_ context.Context, lobbyID uuid.UUID, from, to models.LobbyStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ml, ok := s.lobbies[lobbyID]
	if !ok {
		return false, newError("update lobby status", KindNotFound, nil)
	}
	if ml.lobby.Status != from {
		return false, nil
	}
	ml.lobby.Status = to
	ml.lobby.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) GetLobbyDetails(_ context.Context, lobbyID uuid.UUID) (*models.LobbyDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ml, ok := s.lobbies[lobbyID]
	if !ok {
		return nil, newError("get lobby details", KindNotFound, nil)
	}
	return ml.snapshot(), nil
}

func (s *MemoryStore) GetLobbiesByStatus(_ context.Context, status models.LobbyStatus, limit, offset int) ([]models.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lobbies := []models.Lobby{}
	for _, ml := range s.lobbies {
		if ml.lobby.Status == status {
			lobbies = append(lobbies, ml.snapshot().Lobby)
		}
	}
	sort.Slice(lobbies, func(i, j int) bool {
		if !lobbies[i].CreatedAt.Equal(lobbies[j].CreatedAt) {
			return lobbies[i].CreatedAt.Before(lobbies[j].CreatedAt)
		}
		return lobbies[i].ID.String() < lobbies[j].ID.String()
	})

	if offset >= len(lobbies) {
		return []models.Lobby{}, nil
	}
	lobbies = lobbies[offset:]
	if limit > 0 && limit < len(lobbies) {
		lobbies = lobbies[:limit]
	}
	return lobbies, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// GetSession returns a copy of a saved session record.
func (s *MemoryStore) GetSession(id uuid.UUID) (*models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

func (s *MemoryStore) CleanupExpiredSessions(_ context.Context, timeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, sess := range s.sessions {
		if sess.Status != models.SessionActive || now.Sub(sess.LastActivityAt) <= timeout {
			continue
		}
		ended := now
		sess.Status = models.SessionFinished
		sess.Outcome = models.OutcomeTimeout
		sess.EndedAt = &ended
		n++
	}
	return n, nil
}
