package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/coordinator"
	"github.com/letterloop/letterloop-server/internal/identity"
	"github.com/letterloop/letterloop-server/internal/proto"
)

// APIHandlers provides the REST endpoints of the session coordinator.
type APIHandlers struct {
	coord    *coordinator.Coordinator
	provider identity.Provider
	log      *zerolog.Logger
}

// NewAPIHandlers creates the REST handler set.
func NewAPIHandlers(coord *coordinator.Coordinator, provider identity.Provider, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{
		coord:    coord,
		provider: provider,
		log:      logger,
	}
}

// IdentityRequest represents the identity issue request body.
type IdentityRequest struct {
	DisplayName string `json:"display_name" binding:"required,min=1,max=32"`
}

// IdentityResponse carries a freshly minted identity token.
type IdentityResponse struct {
	Token       string `json:"token"`
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
}

// JoinRequest represents the join request body.
type JoinRequest struct {
	SessionID string `json:"session_id" binding:"required,min=1,max=64"`
}

// JoinResponse carries the seated player and the current session view.
type JoinResponse struct {
	Player   proto.Player   `json:"player"`
	Snapshot proto.Snapshot `json:"snapshot"`
}

// PlayerRequest addresses a player within a session.
type PlayerRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	PlayerID  string `json:"player_id" binding:"required"`
}

// ActionRequest represents a game action request body.
type ActionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	PlayerID  string `json:"player_id" binding:"required"`
	Type      string `json:"type" binding:"required"`
	Letter    string `json:"letter"`
}

// EventsResponse is the poll-fallback event page.
type EventsResponse struct {
	Events []proto.Event `json:"events"`
}

// Identity mints a guest identity token.
// POST /api/identity
func (h *APIHandlers) Identity(c *gin.Context) {
	var req IdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "invalid request body"})
		return
	}

	token, id, err := h.provider.Issue(req.DisplayName)
	if err != nil {
		status, perr := errorToProto(err)
		c.JSON(status, perr)
		return
	}

	h.log.Info().Str("client_id", id.ClientID).Msg("identity issued")
	c.JSON(http.StatusCreated, IdentityResponse{
		Token:       token,
		ClientID:    id.ClientID,
		DisplayName: id.DisplayName,
	})
}

// Join seats the caller in a session.
// POST /api/join
func (h *APIHandlers) Join(c *gin.Context) {
	id, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, proto.Error{Code: "unauthorized", Msg: "unauthorized"})
		return
	}

	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "invalid request body"})
		return
	}

	player, err := h.coord.Join(c.Request.Context(), req.SessionID, id)
	if err != nil {
		status, perr := errorToProto(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("session_id", req.SessionID).Msg("join failed")
		}
		c.JSON(status, perr)
		return
	}

	snap, err := h.coord.Snapshot(c.Request.Context(), req.SessionID)
	if err != nil {
		status, perr := errorToProto(err)
		c.JSON(status, perr)
		return
	}

	c.JSON(http.StatusOK, JoinResponse{
		Player:   playerToProto(player),
		Snapshot: snapshotToProto(snap, int(h.coord.TurnTimeout().Seconds())),
	})
}

// Heartbeat records client liveness.
// POST /api/heartbeat
func (h *APIHandlers) Heartbeat(c *gin.Context) {
	req, ok := h.bindPlayer(c)
	if !ok {
		return
	}
	if err := h.coord.Heartbeat(c.Request.Context(), req.SessionID, req.PlayerID); err != nil {
		status, perr := errorToProto(err)
		c.JSON(status, perr)
		return
	}
	c.Status(http.StatusNoContent)
}

// Leave marks the caller's player offline. Best-effort by contract: the
// response is 204 even if the player was already gone, and clients are free
// to fire-and-forget it during teardown.
// POST /api/leave
func (h *APIHandlers) Leave(c *gin.Context) {
	req, ok := h.bindPlayer(c)
	if !ok {
		return
	}
	if err := h.coord.Leave(c.Request.Context(), req.SessionID, req.PlayerID); err != nil {
		h.log.Warn().Err(err).Str("session_id", req.SessionID).Str("player_id", req.PlayerID).Msg("leave failed")
	}
	c.Status(http.StatusNoContent)
}

// Action dispatches a game command and returns the resulting snapshot.
// POST /api/action
func (h *APIHandlers) Action(c *gin.Context) {
	id, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, proto.Error{Code: "unauthorized", Msg: "unauthorized"})
		return
	}

	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "invalid request body"})
		return
	}
	if !h.authorizePlayer(c, req.SessionID, req.PlayerID, id) {
		return
	}

	act, ok := inboundToAction(proto.ActionData{Type: req.Type, Letter: req.Letter})
	if !ok {
		c.JSON(http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "unknown action type"})
		return
	}

	snap, err := h.coord.Act(c.Request.Context(), req.SessionID, req.PlayerID, act)
	if err != nil {
		status, perr := errorToProto(err)
		if status >= http.StatusInternalServerError {
			h.log.Error().Err(err).Str("session_id", req.SessionID).Str("type", req.Type).Msg("action failed")
		}
		c.JSON(status, perr)
		return
	}
	c.JSON(http.StatusOK, snapshotToProto(snap, int(h.coord.TurnTimeout().Seconds())))
}

// Session returns the authoritative snapshot, the resync path for clients
// that exceeded the event log's retention window.
// GET /api/session
func (h *APIHandlers) Session(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "session_id is required"})
		return
	}

	snap, err := h.coord.Snapshot(c.Request.Context(), sessionID)
	if err != nil {
		status, perr := errorToProto(err)
		c.JSON(status, perr)
		return
	}
	c.JSON(http.StatusOK, snapshotToProto(snap, int(h.coord.TurnTimeout().Seconds())))
}

// Events is the poll fallback for event delivery. since is a unix-millisecond
// cursor; 410 tells the client its cursor fell out of retention.
// GET /api/events
func (h *APIHandlers) Events(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "session_id is required"})
		return
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		ms, err := parseMillis(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "since must be unix milliseconds"})
			return
		}
		since = time.UnixMilli(ms).UTC()
	}

	events, err := h.coord.Events(c.Request.Context(), sessionID, since)
	if err != nil {
		status, perr := errorToProto(err)
		c.JSON(status, perr)
		return
	}

	resp := EventsResponse{Events: make([]proto.Event, 0, len(events))}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventToProto(ev))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) bindPlayer(c *gin.Context) (PlayerRequest, bool) {
	id, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, proto.Error{Code: "unauthorized", Msg: "unauthorized"})
		return PlayerRequest{}, false
	}

	var req PlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, proto.Error{Code: "bad_request", Msg: "invalid request body"})
		return PlayerRequest{}, false
	}
	if !h.authorizePlayer(c, req.SessionID, req.PlayerID, id) {
		return PlayerRequest{}, false
	}
	return req, true
}

// authorizePlayer checks that the addressed player row belongs to the
// caller's client identity.
func (h *APIHandlers) authorizePlayer(c *gin.Context, sessionID, playerID string, id identity.Identity) bool {
	player, err := h.coord.Player(c.Request.Context(), sessionID, playerID)
	if err != nil {
		status, perr := errorToProto(err)
		c.JSON(status, perr)
		return false
	}
	if player.ClientID != id.ClientID {
		c.JSON(http.StatusForbidden, proto.Error{Code: "forbidden", Msg: "player belongs to another client"})
		return false
	}
	return true
}
