package proto

import "encoding/json"

// Inbound is the envelope for WebSocket messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypeHeartbeat = "heartbeat"
	InboundTypeAction    = "action"
	InboundTypeLeave     = "leave"
	InboundTypeSync      = "sync"

	OutboundTypeEvent    = "event"
	OutboundTypeSnapshot = "snapshot"
	OutboundTypeError    = "error"
)

// ActionData is a game command from the client.
type ActionData struct {
	Type   string `json:"type"`
	Letter string `json:"letter,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type     string    `json:"type"`
	Event    *Event    `json:"event,omitempty"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Error    *Error    `json:"error,omitempty"`
}

// Player is the wire form of one seat in the session.
type Player struct {
	ID          string `json:"id"`
	Slot        int    `json:"slot"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
	Online      bool   `json:"online"`
	Losses      int    `json:"losses"`
	JoinedAt    int64  `json:"joined_at"`
	LastSeenAt  int64  `json:"last_seen_at"`
}

// GameState is the wire form of the shared session state.
type GameState struct {
	SessionID          string   `json:"session_id"`
	Version            int64    `json:"version"`
	CurrentCategory    string   `json:"current_category"`
	UsedLetters        []string `json:"used_letters"`
	IsActive           bool     `json:"is_active"`
	CurrentPlayerIndex int      `json:"current_player_index"`
	RoundNumber        int      `json:"round_number"`
	HostID             string   `json:"host_id"`
	TurnTimeoutSec     int      `json:"turn_timeout_sec,omitempty"`
}

// Snapshot is the authoritative session view pushed for reconciliation.
type Snapshot struct {
	State   GameState `json:"state"`
	Players []Player  `json:"players"`
}

// Event is the wire form of one game event.
type Event struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	OriginPlayerID string          `json:"origin_player_id,omitempty"`
	TS             int64           `json:"ts"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
