// internal/matchmaking/quickjoin.go
package matchmaking

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/errs"
	"github.com/jason-s-yu/cambia-lobby/internal/lobby"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/sirupsen/logrus"
)

// FindOptions filters quick-join candidates. Zero values match any lobby.
type FindOptions struct {
	MaxPlayers int
	Mode       string
}

// QuickJoinResult is returned by FindMatch.
type QuickJoinResult struct {
	LobbyID    uuid.UUID `json:"lobby_id"`
	CreatedNew bool      `json:"created_new"`
}

// FindMatch joins the fullest waiting lobby that fits opts, or creates a new
// lobby with playerID as its only member when none fits.
func (e *Engine) FindMatch(ctx context.Context, playerID string, opts FindOptions) (*QuickJoinResult, error) {
	details := map[string]any{"player_id": playerID}
	if playerID == "" {
		return nil, errs.New(errs.CodeInvalidInput, "playerId is required", details)
	}
	if opts.MaxPlayers != 0 && (opts.MaxPlayers < models.MinLobbyPlayers || opts.MaxPlayers > models.MaxLobbyPlayers) {
		details["max_players"] = opts.MaxPlayers
		return nil, errs.New(errs.CodeInvalidInput, "maxPlayers must be between 2 and 4", details)
	}

	waiting, err := e.lobbies.GetLobbiesByStatus(ctx, models.LobbyWaiting, lobby.ListOptions{Limit: e.searchLimit})
	if err != nil {
		return nil, err
	}

	log := e.log.WithFields(logrus.Fields{"player_id": playerID, "mode": opts.Mode, "max_players": opts.MaxPlayers})
	for _, candidate := range rankCandidates(waiting, opts) {
		_, err := e.lobbies.JoinLobby(ctx, playerID, candidate.ID)
		switch {
		case err == nil, errs.Is(err, errs.CodePlayerExists):
			log.WithField("lobby_id", candidate.ID).Info("quick-join matched existing lobby")
			return &QuickJoinResult{LobbyID: candidate.ID}, nil
		case errs.Is(err, errs.CodeLobbyFull), errs.Is(err, errs.CodeInvalidState), errs.Is(err, errs.CodeNotFound):
			// lost a race for this lobby; try the next one
			continue
		default:
			return nil, err
		}
	}

	maxPlayers := opts.MaxPlayers
	if maxPlayers == 0 {
		maxPlayers = e.defaultMaxPlayers
	}
	detail, err := e.lobbies.CreateLobby(ctx, playerID, lobby.CreateOptions{MaxPlayers: maxPlayers, Mode: opts.Mode})
	if err != nil {
		return nil, err
	}
	log.WithField("lobby_id", detail.ID).Info("quick-join created lobby")
	return &QuickJoinResult{LobbyID: detail.ID, CreatedNew: true}, nil
}

// rankCandidates keeps lobbies that fit opts and have room, fullest first.
// Lobbies arrive oldest first and the sort is stable, so ties go to the
// oldest lobby.
func rankCandidates(lobbies []models.Lobby, opts FindOptions) []models.Lobby {
	out := make([]models.Lobby, 0, len(lobbies))
	for _, l := range lobbies {
		if l.Status != models.LobbyWaiting || l.IsFull() {
			continue
		}
		if opts.MaxPlayers != 0 && l.MaxPlayers != opts.MaxPlayers {
			continue
		}
		if opts.Mode != "" && l.Mode != opts.Mode {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PlayerCount > out[j].PlayerCount
	})
	return out
}
