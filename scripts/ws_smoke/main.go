package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/letterloop/letterloop-server/internal/proto"
)

// Smoke test client: joins a session over the push channel, optionally fires
// one action, and prints everything the server sends back.
func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	session := flag.String("session", "smoke", "session id to join")
	token := flag.String("token", "", "identity token (from POST /api/identity)")
	action := flag.String("action", "", "optional action to fire: start_round, select_letter, timeout, reset_game")
	letter := flag.String("letter", "", "letter for select_letter")
	timeout := flag.Duration("timeout", 10*time.Second, "total timeout for the run")
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("-token is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	url := fmt.Sprintf("%s?session_id=%s&token=%s", *addr, *session, *token)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if *action != "" {
		payload, err := json.Marshal(proto.ActionData{Type: *action, Letter: *letter})
		if err != nil {
			return fmt.Errorf("marshal action: %w", err)
		}
		if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeAction, Data: payload}); err != nil {
			return fmt.Errorf("send action: %w", err)
		}
	}

	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("received: type=%s", outbound.Type)
		if outbound.Event != nil {
			fmt.Printf(" event=%s origin=%s", outbound.Event.Type, outbound.Event.OriginPlayerID)
		}
		if outbound.Snapshot != nil {
			fmt.Printf(" round=%d active=%v players=%d",
				outbound.Snapshot.State.RoundNumber,
				outbound.Snapshot.State.IsActive,
				len(outbound.Snapshot.Players))
		}
		if outbound.Error != nil {
			fmt.Printf(" error=%s (%s)", outbound.Error.Code, outbound.Error.Msg)
		}
		fmt.Println()
	}
}
