package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/letterloop/letterloop-server/internal/broadcast"
	"github.com/letterloop/letterloop-server/internal/coordinator"
	"github.com/letterloop/letterloop-server/internal/game"
	"github.com/letterloop/letterloop-server/internal/identity"
	"github.com/letterloop/letterloop-server/internal/proto"
	"github.com/letterloop/letterloop-server/internal/registry"
	"github.com/letterloop/letterloop-server/internal/store"
)

func playerToProto(p *store.Player) proto.Player {
	return proto.Player{
		ID:          p.ID,
		Slot:        p.Slot,
		DisplayName: p.DisplayName,
		IsHost:      p.IsHost,
		Online:      p.Online,
		Losses:      p.Losses,
		JoinedAt:    p.JoinedAt.UnixMilli(),
		LastSeenAt:  p.LastSeenAt.UnixMilli(),
	}
}

func snapshotToProto(snap *coordinator.Snapshot, turnTimeoutSec int) proto.Snapshot {
	players := make([]proto.Player, 0, len(snap.Players))
	for _, p := range snap.Players {
		players = append(players, playerToProto(p))
	}
	return proto.Snapshot{
		State: proto.GameState{
			SessionID:          snap.Session.ID,
			Version:            snap.Session.Version,
			CurrentCategory:    snap.Session.CurrentCategory,
			UsedLetters:        splitLetters(snap.Session.UsedLetters),
			IsActive:           snap.Session.IsActive,
			CurrentPlayerIndex: snap.Session.CurrentPlayerIndex,
			RoundNumber:        snap.Session.RoundNumber,
			HostID:             snap.Session.HostID,
			TurnTimeoutSec:     turnTimeoutSec,
		},
		Players: players,
	}
}

func eventToProto(ev *store.Event) proto.Event {
	return proto.Event{
		ID:             ev.ID,
		SessionID:      ev.SessionID,
		Type:           string(ev.Type),
		Payload:        ev.Payload,
		OriginPlayerID: ev.OriginPlayerID,
		TS:             ev.Timestamp.UnixMilli(),
	}
}

func parseMillis(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}

func splitLetters(used string) []string {
	letters := make([]string, 0, len(used))
	for _, r := range used {
		letters = append(letters, string(r))
	}
	return letters
}

// errorToProto maps domain errors onto an HTTP status and a wire error code.
// Authorization failures carry no state change and are surfaced non-fatally.
func errorToProto(err error) (int, proto.Error) {
	switch {
	case errors.Is(err, registry.ErrSessionFull):
		return http.StatusConflict, proto.Error{Code: "session_full", Msg: "all seats are taken"}
	case errors.Is(err, registry.ErrConflict), errors.Is(err, game.ErrConflict):
		return http.StatusConflict, proto.Error{Code: "conflict", Msg: "concurrent update, retry"}
	case errors.Is(err, game.ErrNotHost):
		return http.StatusForbidden, proto.Error{Code: "not_host", Msg: "only the host may do that"}
	case errors.Is(err, game.ErrNotYourTurn):
		return http.StatusForbidden, proto.Error{Code: "not_your_turn", Msg: "it is not your turn"}
	case errors.Is(err, game.ErrLetterUsed):
		return http.StatusConflict, proto.Error{Code: "letter_used", Msg: "letter already used"}
	case errors.Is(err, game.ErrRoundActive):
		return http.StatusConflict, proto.Error{Code: "round_active", Msg: "round already active"}
	case errors.Is(err, game.ErrRoundNotActive):
		return http.StatusConflict, proto.Error{Code: "round_not_active", Msg: "no active round"}
	case errors.Is(err, game.ErrNoPlayers):
		return http.StatusConflict, proto.Error{Code: "no_players", Msg: "no online players"}
	case errors.Is(err, game.ErrInvalidLetter), errors.Is(err, coordinator.ErrUnknownAction):
		return http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: err.Error()}
	case errors.Is(err, broadcast.ErrStaleCursor):
		return http.StatusGone, proto.Error{Code: "stale_cursor", Msg: "cursor predates retention, refetch snapshot"}
	case errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized, proto.Error{Code: "unauthorized", Msg: "invalid identity token"}
	case errors.Is(err, identity.ErrInvalidName):
		return http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "invalid display name"}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, proto.Error{Code: "not_found", Msg: "no such session or player"}
	default:
		return http.StatusInternalServerError, proto.Error{Code: "internal", Msg: "internal server error"}
	}
}

func inboundToAction(data proto.ActionData) (coordinator.Action, bool) {
	t := coordinator.ActionType(strings.ToLower(data.Type))
	switch t {
	case coordinator.ActionStartRound, coordinator.ActionSelectLetter,
		coordinator.ActionTimeout, coordinator.ActionResetGame:
		return coordinator.Action{Type: t, Letter: data.Letter}, true
	default:
		return coordinator.Action{}, false
	}
}
