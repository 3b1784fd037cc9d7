package game

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/registry"
	"github.com/letterloop/letterloop-server/internal/store"
	"github.com/letterloop/letterloop-server/internal/store/sqlite"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*store.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev *store.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) types() []store.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func newTestMachine(t *testing.T) (*Machine, store.Store, *capturePublisher) {
	t.Helper()

	st, err := sqlite.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pub := &capturePublisher{}
	logger := zerolog.Nop()
	return New(st, pub, nil, 5, &logger), st, pub
}

// seatPlayers joins n clients and returns them in slot order. The first is host.
func seatPlayers(t *testing.T, st store.Store, sessionID string, n int) []*store.Player {
	t.Helper()

	logger := zerolog.Nop()
	reg := registry.New(st, nil, 6, 5, &logger)
	players := make([]*store.Player, n)
	for i := 0; i < n; i++ {
		name := string(rune('a' + i))
		p, err := reg.Join(context.Background(), sessionID, "client-"+name, name)
		if err != nil {
			t.Fatalf("seat player %d: %v", i, err)
		}
		players[i] = p
	}
	return players
}

func TestStartRound(t *testing.T) {
	m, st, pub := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	sess, err := m.StartRound(ctx, "s1", players[0].ID)
	if err != nil {
		t.Fatalf("start round: %v", err)
	}
	if !sess.IsActive || sess.RoundNumber != 1 || sess.CurrentPlayerIndex != 0 {
		t.Fatalf("unexpected round state: %+v", sess)
	}
	if sess.CurrentCategory == "" {
		t.Fatal("no category assigned")
	}
	if sess.UsedLetters != "" {
		t.Fatalf("used letters not cleared: %q", sess.UsedLetters)
	}

	if types := pub.types(); len(types) != 1 || types[0] != store.EventRoundStart {
		t.Fatalf("published %v, want single ROUND_START", types)
	}
}

func TestStartRoundRequiresHost(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	_, err := m.StartRound(ctx, "s1", players[1].ID)
	if !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.IsActive {
		t.Fatal("rejected start still activated the round")
	}
}

func TestStartRoundWhileActive(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := m.StartRound(ctx, "s1", players[0].ID)
	if !errors.Is(err, ErrRoundActive) {
		t.Fatalf("expected ErrRoundActive, got %v", err)
	}
}

func TestSelectLetterAdvancesTurn(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 3)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess, err := m.SelectLetter(ctx, "s1", players[0].ID, "a")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sess.UsedLetters != "A" {
		t.Fatalf("used letters = %q, want normalized A", sess.UsedLetters)
	}
	if sess.CurrentPlayerIndex != 1 {
		t.Fatalf("index = %d, want 1", sess.CurrentPlayerIndex)
	}
}

func TestSelectLetterTurnOrderIsModular(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 3)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// After n selections the index is n mod playerCount.
	letters := []string{"A", "B", "C", "D", "E", "F", "G"}
	for n, letter := range letters {
		caller := players[n%len(players)]
		sess, err := m.SelectLetter(ctx, "s1", caller.ID, letter)
		if err != nil {
			t.Fatalf("selection %d by %s: %v", n, caller.DisplayName, err)
		}
		if want := (n + 1) % len(players); sess.CurrentPlayerIndex != want {
			t.Fatalf("after %d selections index = %d, want %d", n+1, sess.CurrentPlayerIndex, want)
		}
	}
}

func TestSelectLetterRejectsOutOfTurn(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := m.SelectLetter(ctx, "s1", players[1].ID, "A")
	if !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.UsedLetters != "" || sess.CurrentPlayerIndex != 0 {
		t.Fatalf("rejected selection mutated state: %+v", sess)
	}
}

func TestSelectLetterRejectsUsedLetter(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.SelectLetter(ctx, "s1", players[0].ID, "A"); err != nil {
		t.Fatalf("first select: %v", err)
	}

	// Same letter again, lowercase, by the player now on turn.
	_, err := m.SelectLetter(ctx, "s1", players[1].ID, "a")
	if !errors.Is(err, ErrLetterUsed) {
		t.Fatalf("expected ErrLetterUsed, got %v", err)
	}

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.UsedLetters != "A" {
		t.Fatalf("used letters = %q, want A untouched", sess.UsedLetters)
	}
	if sess.CurrentPlayerIndex != 1 {
		t.Fatalf("index advanced on rejected selection: %d", sess.CurrentPlayerIndex)
	}
}

func TestSelectLetterValidation(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, bad := range []string{"", "AB", "1", "!", "ä"} {
		if _, err := m.SelectLetter(ctx, "s1", players[0].ID, bad); !errors.Is(err, ErrInvalidLetter) {
			t.Fatalf("letter %q: expected ErrInvalidLetter, got %v", bad, err)
		}
	}
}

func TestSelectLetterOutsideRound(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	_, err := m.SelectLetter(ctx, "s1", players[0].ID, "A")
	if !errors.Is(err, ErrRoundNotActive) {
		t.Fatalf("expected ErrRoundNotActive, got %v", err)
	}
}

func TestOnTimeoutEndsRoundAndRecordsLoss(t *testing.T) {
	m, st, pub := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess, err := m.OnTimeout(ctx, "s1", players[0].ID)
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if sess.IsActive {
		t.Fatal("round still active after timeout")
	}

	loser, err := st.GetPlayer(ctx, "s1", players[0].ID)
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if loser.Losses != 1 {
		t.Fatalf("losses = %d, want 1", loser.Losses)
	}

	types := pub.types()
	if len(types) != 2 || types[1] != store.EventRoundTimeout {
		t.Fatalf("published %v, want ROUND_START then ROUND_TIMEOUT", types)
	}

	// The host can start the next round immediately.
	next, err := m.StartRound(ctx, "s1", players[0].ID)
	if err != nil {
		t.Fatalf("restart after timeout: %v", err)
	}
	if next.RoundNumber != 2 {
		t.Fatalf("round number = %d, want 2", next.RoundNumber)
	}
}

func TestOnTimeoutRejectsNonCurrentPlayer(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Only the stalled player's own client may declare the timeout.
	_, err := m.OnTimeout(ctx, "s1", players[1].ID)
	if !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
}

func TestResetGame(t *testing.T) {
	m, st, pub := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	if _, err := m.StartRound(ctx, "s1", players[0].ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.SelectLetter(ctx, "s1", players[0].ID, "A"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := m.OnTimeout(ctx, "s1", players[1].ID); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	sess, err := m.ResetGame(ctx, "s1", players[0].ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if sess.IsActive || sess.UsedLetters != "" || sess.CurrentPlayerIndex != 0 || sess.RoundNumber != 1 {
		t.Fatalf("reset left residue: %+v", sess)
	}

	loser, err := st.GetPlayer(ctx, "s1", players[1].ID)
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if loser.Losses != 0 {
		t.Fatalf("losses = %d, want cleared", loser.Losses)
	}

	types := pub.types()
	if types[len(types)-1] != store.EventGameReset {
		t.Fatalf("last event %v, want GAME_RESET", types[len(types)-1])
	}

	// Reset followed by start round-trips back to an active round 1.
	next, err := m.StartRound(ctx, "s1", players[0].ID)
	if err != nil {
		t.Fatalf("start after reset: %v", err)
	}
	if next.RoundNumber != 2 {
		t.Fatalf("round after reset-start = %d, want 2", next.RoundNumber)
	}
}

func TestResetGameRequiresHost(t *testing.T) {
	m, st, _ := newTestMachine(t)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	_, err := m.ResetGame(ctx, "s1", players[1].ID)
	if !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
}

func TestStartRoundAvoidsRepeatCategory(t *testing.T) {
	st, err := sqlite.New(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := zerolog.Nop()
	m := New(st, nil, []string{"Animals", "Movies"}, 5, &logger)
	ctx := context.Background()
	players := seatPlayers(t, st, "s1", 2)

	prev := ""
	for i := 0; i < 5; i++ {
		sess, err := m.StartRound(ctx, "s1", players[0].ID)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if sess.CurrentCategory == prev {
			t.Fatalf("round %d repeated category %q", i, prev)
		}
		prev = sess.CurrentCategory
		if _, err := m.OnTimeout(ctx, "s1", players[0].ID); err != nil {
			t.Fatalf("end round %d: %v", i, err)
		}
	}
}

func TestNormalizeLetter(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"a", "A", true},
		{"Z", "Z", true},
		{"", "", false},
		{"ab", "", false},
		{"7", "", false},
	}
	for _, tc := range cases {
		got, ok := normalizeLetter(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("normalizeLetter(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
