// internal/database/postgres.go
package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
)

// beginner is satisfied by both *pgxpool.Pool and pgx.Tx. Beginning on a
// pgx.Tx creates a savepoint, so operations called on a tx-bound store nest
// instead of opening a second top-level transaction.
type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	db   beginner
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool. Close releases the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// Close releases the underlying pool. It is a no-op on a tx-bound store.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables PostgresStore uses if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	return MapError("ensure schema", pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, Schema)
		return err
	}))
}

// InTx runs fn against a store bound to a single transaction. Store calls
// made inside fn run as savepoints of that transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&PostgresStore{db: tx})
	})
}

const selectLobby = `
	SELECT l.id, l.status, l.mode, l.leader_id, l.max_players, l.created_at, l.updated_at,
	       (SELECT COUNT(*) FROM lobby_players p WHERE p.lobby_id = l.id)
	FROM lobbies l
`

func scanLobby(row pgx.Row) (models.Lobby, error) {
	var (
		l      models.Lobby
		status string
		leader *string
	)
	err := row.Scan(&l.ID, &status, &l.Mode, &leader, &l.MaxPlayers, &l.CreatedAt, &l.UpdatedAt, &l.PlayerCount)
	if err != nil {
		return l, err
	}
	l.Status = models.LobbyStatus(status)
	if leader != nil {
		l.LeaderID = *leader
	}
	return l, nil
}

// CreateLobby inserts the lobby and its creator in one transaction.
func (s *PostgresStore) CreateLobby(ctx context.Context, nl NewLobby) (*models.LobbyDetail, error) {
	const op = "create lobby"
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, newError(op, KindUnknown, err)
	}
	mode := nl.Mode
	if mode == "" {
		mode = models.DefaultLobbyMode
	}
	var leader *string
	if nl.CreatorID != "" {
		leader = &nl.CreatorID
	}

	var detail *models.LobbyDetail
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		q := `
		INSERT INTO lobbies (id, status, mode, leader_id, max_players, next_join_order)
		VALUES ($1, $2, $3, $4, $5, 1)
		`
		if _, err := tx.Exec(ctx, q, id, string(models.LobbyWaiting), mode, leader, nl.MaxPlayers); err != nil {
			return err
		}
		nested := &PostgresStore{db: tx}
		if nl.CreatorID != "" {
			if _, err := nested.AddPlayerToLobby(ctx, id, nl.CreatorID); err != nil {
				return err
			}
		}
		d, err := nested.GetLobbyDetails(ctx, id)
		if err != nil {
			return err
		}
		detail = d
		return nil
	})
	if err != nil {
		return nil, MapError(op, err)
	}
	return detail, nil
}

// AddPlayerToLobby inserts a membership row after locking the lobby row.
func (s *PostgresStore) AddPlayerToLobby(ctx context.Context, lobbyID uuid.UUID, playerID string) (int64, error) {
	const op = "add player to lobby"
	var memberID int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var (
			status     string
			maxPlayers int
			joinOrder  int
		)
		err := tx.QueryRow(ctx,
			`SELECT status, max_players, next_join_order FROM lobbies WHERE id = $1 FOR UPDATE`,
			lobbyID,
		).Scan(&status, &maxPlayers, &joinOrder)
		if err != nil {
			return err
		}
		if models.LobbyStatus(status) != models.LobbyWaiting {
			return newError(op, KindInvalidState, nil)
		}

		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM lobby_players WHERE lobby_id = $1`, lobbyID).Scan(&count); err != nil {
			return err
		}
		if count >= maxPlayers {
			return newError(op, KindLobbyFull, nil)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO lobby_players (lobby_id, player_id, join_order)
			VALUES ($1, $2, $3)
			RETURNING id
		`, lobbyID, playerID, joinOrder).Scan(&memberID)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE lobbies
			SET next_join_order = next_join_order + 1,
			    leader_id = COALESCE(leader_id, $2),
			    updated_at = NOW()
			WHERE id = $1
		`, lobbyID, playerID)
		return err
	})
	if err != nil {
		return 0, MapError(op, err)
	}
	return memberID, nil
}

// RemovePlayerFromLobby deletes the membership and applies the leader and
// empty-lobby rules in the same transaction.
func (s *PostgresStore) RemovePlayerFromLobby(ctx context.Context, lobbyID uuid.UUID, playerID string) (*RemoveResult, error) {
	const op = "remove player from lobby"
	res := &RemoveResult{}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var (
			status string
			leader *string
		)
		err := tx.QueryRow(ctx,
			`SELECT status, leader_id FROM lobbies WHERE id = $1 FOR UPDATE`,
			lobbyID,
		).Scan(&status, &leader)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM lobby_players WHERE lobby_id = $1 AND player_id = $2`, lobbyID, playerID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return newError(op, KindNotFound, nil)
		}
		res.Removed = true

		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM lobby_players WHERE lobby_id = $1`, lobbyID).Scan(&res.Remaining); err != nil {
			return err
		}

		if res.Remaining <= 1 && models.LobbyStatus(status) == models.LobbyWaiting {
			res.LobbyDeleted = true
			_, err := tx.Exec(ctx, `DELETE FROM lobbies WHERE id = $1`, lobbyID)
			return err
		}

		if leader != nil && *leader == playerID {
			var next *string
			err := tx.QueryRow(ctx, `
				SELECT player_id FROM lobby_players
				WHERE lobby_id = $1
				ORDER BY join_order ASC
				LIMIT 1
			`, lobbyID).Scan(&next)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			if next != nil {
				res.NewLeaderID = *next
			}
			_, err = tx.Exec(ctx, `UPDATE lobbies SET leader_id = $2, updated_at = NOW() WHERE id = $1`, lobbyID, next)
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE lobbies SET updated_at = NOW() WHERE id = $1`, lobbyID)
		return err
	})
	if err != nil {
		return nil, MapError(op, err)
	}
	return res, nil
}

// UpdateLobbyStatus performs a compare-and-set on the status column.
func (s *PostgresStore) UpdateLobbyStatus(ctx context.Context, lobbyID uuid.UUID, from, to models.LobbyStatus) (bool, error) {
	const op = "update lobby status"
	var updated bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE lobbies SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2
		`, lobbyID, string(from), string(to))
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			updated = true
			return nil
		}
		var exists int
		return tx.QueryRow(ctx, `SELECT 1 FROM lobbies WHERE id = $1`, lobbyID).Scan(&exists)
	})
	if err != nil {
		return false, MapError(op, err)
	}
	return updated, nil
}

// GetLobbyDetails fetches a lobby and its members ordered by join order.
func (s *PostgresStore) GetLobbyDetails(ctx context.Context, lobbyID uuid.UUID) (*models.LobbyDetail, error) {
	const op = "get lobby details"
	detail := &models.LobbyDetail{}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		l, err := scanLobby(tx.QueryRow(ctx, selectLobby+` WHERE l.id = $1`, lobbyID))
		if err != nil {
			return err
		}
		detail.Lobby = l

		rows, err := tx.Query(ctx, `
			SELECT id, lobby_id, player_id, join_order, joined_at
			FROM lobby_players
			WHERE lobby_id = $1
			ORDER BY join_order ASC
		`, lobbyID)
		if err != nil {
			return err
		}
		defer rows.Close()

		detail.Members = []models.LobbyMember{}
		for rows.Next() {
			var m models.LobbyMember
			if err := rows.Scan(&m.ID, &m.LobbyID, &m.PlayerID, &m.JoinOrder, &m.JoinedAt); err != nil {
				return err
			}
			detail.Members = append(detail.Members, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, MapError(op, err)
	}
	return detail, nil
}

// GetLobbiesByStatus returns one page of lobbies in the given status, oldest first.
func (s *PostgresStore) GetLobbiesByStatus(ctx context.Context, status models.LobbyStatus, limit, offset int) ([]models.Lobby, error) {
	const op = "get lobbies by status"
	lobbies := []models.Lobby{}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectLobby+`
			WHERE l.status = $1
			ORDER BY l.created_at ASC, l.id ASC
			LIMIT $2 OFFSET $3
		`, string(status), limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			l, err := scanLobby(rows)
			if err != nil {
				return err
			}
			lobbies = append(lobbies, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, MapError(op, err)
	}
	return lobbies, nil
}

// SaveSession upserts a session record.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *models.Session) error {
	q := `
	INSERT INTO game_sessions (
		id, lobby_id, status, mode, player_ids,
		game_state, metadata, current_turn,
		created_at, last_activity_at, ended_at, outcome
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		game_state = EXCLUDED.game_state,
		metadata = EXCLUDED.metadata,
		current_turn = EXCLUDED.current_turn,
		last_activity_at = EXCLUDED.last_activity_at,
		ended_at = EXCLUDED.ended_at,
		outcome = EXCLUDED.outcome
	`
	var outcome *string
	if sess.Outcome != "" {
		outcome = &sess.Outcome
	}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, q,
			sess.ID,
			sess.LobbyID,
			string(sess.Status),
			sess.Mode,
			sess.PlayerIDs,
			sess.GameState,
			sess.Metadata,
			sess.CurrentTurn,
			sess.CreatedAt,
			sess.LastActivityAt,
			sess.EndedAt,
			outcome,
		)
		return err
	})
	return MapError("save session", err)
}

// CleanupExpiredSessions finishes persisted sessions idle longer than timeout.
func (s *PostgresStore) CleanupExpiredSessions(ctx context.Context, timeout time.Duration) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE game_sessions
			SET status = 'finished', outcome = 'timeout', ended_at = NOW()
			WHERE status = 'active'
			  AND last_activity_at < NOW() - make_interval(secs => $1)
		`, timeout.Seconds())
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, MapError("cleanup expired sessions", err)
	}
	return n, nil
}
