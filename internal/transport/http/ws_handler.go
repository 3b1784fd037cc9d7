package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/coordinator"
	"github.com/letterloop/letterloop-server/internal/identity"
	"github.com/letterloop/letterloop-server/internal/proto"
)

// WSHandler upgrades HTTP connections and bridges them to a coordinator
// ClientSession. Connecting is joining: the join is idempotent for a client
// already seated, and reseats a returning one.
type WSHandler struct {
	coord    *coordinator.Coordinator
	provider identity.Provider
	log      *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(coord *coordinator.Coordinator, provider identity.Provider, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{coord: coord, provider: provider, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	sessionID := r.URL.Query().Get("session_id")
	token := r.URL.Query().Get("token")
	if sessionID == "" || token == "" {
		stdhttp.Error(w, "session_id and token are required", stdhttp.StatusBadRequest)
		return
	}
	id, err := h.provider.Verify(token)
	if err != nil {
		stdhttp.Error(w, "invalid identity token", stdhttp.StatusUnauthorized)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		ms, err := parseMillis(raw)
		if err != nil {
			stdhttp.Error(w, "since must be unix milliseconds", stdhttp.StatusBadRequest)
			return
		}
		since = time.UnixMilli(ms).UTC()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	player, err := h.coord.Join(ctx, sessionID, id)
	if err != nil {
		_, perr := errorToProto(err)
		_ = wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: &perr})
		conn.Close(websocket.StatusPolicyViolation, perr.Code)
		return
	}

	cs, err := h.coord.Attach(ctx, sessionID, player.ID, since)
	if err != nil {
		_, perr := errorToProto(err)
		_ = wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: &perr})
		conn.Close(websocket.StatusPolicyViolation, perr.Code)
		return
	}
	defer cs.Close()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, cs)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, cs)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("player_id", player.ID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, cs *coordinator.ClientSession) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		// Any inbound frame doubles as a liveness signal.
		if err := h.coord.Heartbeat(ctx, cs.SessionID, cs.PlayerID); err != nil {
			h.log.Debug().Err(err).Str("player_id", cs.PlayerID).Msg("heartbeat on inbound failed")
		}

		switch inbound.Type {
		case proto.InboundTypeHeartbeat:
			// Already recorded above.

		case proto.InboundTypeAction:
			var data proto.ActionData
			if err := json.Unmarshal(inbound.Data, &data); err != nil {
				return err
			}
			act, ok := inboundToAction(data)
			if !ok {
				if err := h.writeError(ctx, conn, proto.Error{Code: "bad_request", Msg: "unknown action type"}); err != nil {
					return err
				}
				continue
			}
			if _, err := h.coord.Act(ctx, cs.SessionID, cs.PlayerID, act); err != nil {
				_, perr := errorToProto(err)
				if werr := h.writeError(ctx, conn, perr); werr != nil {
					return werr
				}
			}
			// The resulting events and snapshot arrive through the write loop.

		case proto.InboundTypeSync:
			snap, err := h.coord.Snapshot(ctx, cs.SessionID)
			if err != nil {
				_, perr := errorToProto(err)
				if werr := h.writeError(ctx, conn, perr); werr != nil {
					return werr
				}
				continue
			}
			out := snapshotToProto(snap, int(h.coord.TurnTimeout().Seconds()))
			if err := wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeSnapshot, Snapshot: &out}); err != nil {
				return err
			}

		case proto.InboundTypeLeave:
			if err := h.coord.Leave(ctx, cs.SessionID, cs.PlayerID); err != nil {
				h.log.Warn().Err(err).Str("player_id", cs.PlayerID).Msg("ws leave failed")
			}
			return nil

		default:
			if err := h.writeError(ctx, conn, proto.Error{Code: "bad_request", Msg: "unknown message type"}); err != nil {
				return err
			}
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, cs *coordinator.ClientSession) error {
	ping := time.NewTicker(h.coord.HeartbeatInterval())
	defer ping.Stop()

	for {
		select {
		case <-ping.C:
			if err := conn.Ping(ctx); err != nil {
				return err
			}
		case out, ok := <-cs.Outputs:
			if !ok {
				// The client session dropped us (slow consumer or teardown);
				// the client reconnects and resyncs from a snapshot.
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromOutput(out, int(h.coord.TurnTimeout().Seconds()))); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, perr proto.Error) error {
	return wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: &perr})
}

func outboundFromOutput(out coordinator.Output, turnTimeoutSec int) proto.Outbound {
	switch out.Kind {
	case coordinator.OutputEvent:
		ev := eventToProto(out.Event)
		return proto.Outbound{Type: proto.OutboundTypeEvent, Event: &ev}
	default:
		snap := snapshotToProto(out.Snapshot, turnTimeoutSec)
		return proto.Outbound{Type: proto.OutboundTypeSnapshot, Snapshot: &snap}
	}
}
