package room

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/typerace/server/internal/observability"
	"github.com/typerace/server/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedProvider struct{ text string }

func (f fixedProvider) Random(ctx context.Context) string { return f.text }

func fastConfig() Config {
	return Config{
		CountdownDelay: 40 * time.Millisecond,
		TickInterval:   5 * time.Millisecond,
		BotTick:        5 * time.Millisecond,
		MaxHumans:      5,
		FieldSize:      5,
		SubscriberBuf:  256,
		ReapAfter:      time.Hour,
	}
}

func newTestRoom(t *testing.T, text string, cfg Config) *Room {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	r := New(context.Background(), "r1", cfg, fixedProvider{text}, zap.NewNop(), metrics, nil)
	t.Cleanup(r.Stop)
	return r
}

func join(t *testing.T, r *Room, name string) *Subscriber {
	t.Helper()
	sub := NewSubscriber(name+"-sub", 256)
	if err := r.Join(sub, name); err != nil {
		t.Fatalf("join %s failed: %v", name, err)
	}
	return sub
}

// waitFor drains sub until a message matches or the timeout expires.
func waitFor(t *testing.T, sub *Subscriber, timeout time.Duration, desc string, match func(types.ServerMsg) bool) types.ServerMsg {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-sub.C():
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", desc)
			return types.ServerMsg{}
		}
	}
}

// expectNone drains sub for the duration and fails on a matching message.
func expectNone(t *testing.T, sub *Subscriber, d time.Duration, desc string, match func(types.ServerMsg) bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case msg := <-sub.C():
			if match(msg) {
				t.Fatalf("unexpected %s: %+v", desc, msg)
			}
		case <-deadline:
			return
		}
	}
}

// drainUntilQuiet collects messages until the sub is silent for the window.
func drainUntilQuiet(sub *Subscriber, quiet time.Duration) []types.ServerMsg {
	var msgs []types.ServerMsg
	for {
		select {
		case msg := <-sub.C():
			msgs = append(msgs, msg)
		case <-time.After(quiet):
			return msgs
		}
	}
}

func isStart(m types.ServerMsg) bool     { return m.Start != nil }
func isCountdown(m types.ServerMsg) bool { return m.Countdown != nil }

func isState(s types.RoomState) func(types.ServerMsg) bool {
	return func(m types.ServerMsg) bool {
		return m.StateChange != nil && m.StateChange.State == s
	}
}

func isProgress(id string, pos int) func(types.ServerMsg) bool {
	return func(m types.ServerMsg) bool {
		return m.Progress != nil && m.Progress.ID == id && (pos < 0 || m.Progress.Pos == pos)
	}
}

func isFinish(id string) func(types.ServerMsg) bool {
	return func(m types.ServerMsg) bool { return m.Finish != nil && m.Finish.ID == id }
}

func isError(code types.ErrorCode) func(types.ServerMsg) bool {
	return func(m types.ServerMsg) bool { return m.Error != nil && m.Error.Code == code }
}

func typeString(r *Room, sub *Subscriber, s string) {
	for i := 0; i < len(s); i++ {
		r.Key(sub.ID, s[i])
	}
}

func TestLoneHumanWaits(t *testing.T) {
	r := newTestRoom(t, "hello world", fastConfig())
	alice := join(t, r, "alice")

	msg := waitFor(t, alice, time.Second, "lobby", func(m types.ServerMsg) bool { return m.Lobby != nil })
	if len(msg.Lobby.Players) != 1 || msg.Lobby.Players[0] != "alice" {
		t.Errorf("unexpected roster: %v", msg.Lobby.Players)
	}
	expectNone(t, alice, 120*time.Millisecond, "countdown with one human", isCountdown)
}

func TestSecondJoinStartsCountdown(t *testing.T) {
	r := newTestRoom(t, "hello world", fastConfig())
	alice := join(t, r, "alice")
	_ = join(t, r, "bob")

	lobby := waitFor(t, alice, time.Second, "bot-filled lobby", func(m types.ServerMsg) bool {
		return m.Lobby != nil && len(m.Lobby.Players) == 5
	})
	want := []string{"alice", "bob", "bot1", "bot2", "bot3"}
	for i, name := range want {
		if lobby.Lobby.Players[i] != name {
			t.Errorf("roster[%d] = %s, want %s", i, lobby.Lobby.Players[i], name)
		}
	}

	cd := waitFor(t, alice, time.Second, "countdown", isCountdown)
	if cd.Countdown.Passage != "hello world" {
		t.Errorf("unexpected passage: %q", cd.Countdown.Passage)
	}
	if cd.Countdown.StartsIn != 40 {
		t.Errorf("starts_in_ms = %d, want 40", cd.Countdown.StartsIn)
	}
	waitFor(t, alice, time.Second, "countdown state", isState(types.StateCountdown))
	waitFor(t, alice, time.Second, "start", isStart)
	waitFor(t, alice, time.Second, "racing state", isState(types.StateRacing))
}

func TestJoinRejections(t *testing.T) {
	cfg := fastConfig()
	cfg.CountdownDelay = 500 * time.Millisecond
	r := newTestRoom(t, "hello world", cfg)
	join(t, r, "alice")

	longName := make([]byte, 33)
	for i := range longName {
		longName[i] = 'a'
	}
	if err := r.Join(NewSubscriber("s1", 8), string(longName)); !types.Is(err, types.ErrNameInvalid) {
		t.Errorf("expected name_invalid, got %v", err)
	}
	if err := r.Join(NewSubscriber("s2", 8), "ali\x01ce"); !types.Is(err, types.ErrNameInvalid) {
		t.Errorf("expected name_invalid for control chars, got %v", err)
	}
	if err := r.Join(NewSubscriber("s3", 8), "alice"); !types.Is(err, types.ErrNameTaken) {
		t.Errorf("expected name_taken, got %v", err)
	}

	// Second distinct human starts the countdown; late joiners are rejected.
	join(t, r, "bob")
	if err := r.Join(NewSubscriber("s4", 8), "carol"); !types.Is(err, types.ErrWrongState) {
		t.Errorf("expected wrong_state during countdown, got %v", err)
	}
}

func TestRoomFull(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxHumans = 1
	r := newTestRoom(t, "hello world", cfg)
	join(t, r, "alice")
	if err := r.Join(NewSubscriber("s1", 8), "bob"); !types.Is(err, types.ErrRoomFull) {
		t.Errorf("expected room_full, got %v", err)
	}
}

func TestAbortDuringCountdown(t *testing.T) {
	cfg := fastConfig()
	cfg.CountdownDelay = 200 * time.Millisecond
	r := newTestRoom(t, "hello world", cfg)
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")

	waitFor(t, alice, time.Second, "countdown", isCountdown)
	r.Leave(bob.ID)

	lobby := waitFor(t, alice, time.Second, "post-abort lobby", func(m types.ServerMsg) bool {
		return m.Lobby != nil && len(m.Lobby.Players) == 1
	})
	if lobby.Lobby.Players[0] != "alice" {
		t.Errorf("expected only alice, got %v", lobby.Lobby.Players)
	}
	waitFor(t, alice, time.Second, "waiting state", isState(types.StateWaiting))
	expectNone(t, alice, 400*time.Millisecond, "start after abort", isStart)
}

func TestKeystrokeValidation(t *testing.T) {
	cfg := fastConfig()
	cfg.FieldSize = 2
	r := newTestRoom(t, "hello world", cfg)
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")

	waitFor(t, alice, time.Second, "start", isStart)

	r.Key(alice.ID, 'h')
	waitFor(t, alice, time.Second, "progress 1", isProgress("alice", 1))

	// A mismatch counts an error but never advances.
	r.Key(alice.ID, 'x')
	expectNone(t, alice, 60*time.Millisecond, "progress after mismatch", isProgress("alice", -1))

	r.Key(alice.ID, 'e')
	waitFor(t, alice, time.Second, "progress 2", isProgress("alice", 2))

	typeString(r, alice, "llo world")
	waitFor(t, alice, time.Second, "full progress", isProgress("alice", 11))
	fin := waitFor(t, alice, time.Second, "finish", isFinish("alice"))
	if fin.Finish.WPM <= 0 {
		t.Errorf("expected positive wpm, got %v", fin.Finish.WPM)
	}
	if fin.Finish.NetWPM > fin.Finish.WPM {
		t.Errorf("net wpm %v exceeds gross %v", fin.Finish.NetWPM, fin.Finish.WPM)
	}

	// Keys after finishing are dropped silently.
	r.Key(alice.ID, 'h')
	expectNone(t, alice, 60*time.Millisecond, "progress after finish", isProgress("alice", -1))

	typeString(r, bob, "hello world")
	waitFor(t, bob, time.Second, "bob finish", isFinish("bob"))
	waitFor(t, alice, time.Second, "finished state", isState(types.StateFinished))
}

func TestKeyOutsideRacing(t *testing.T) {
	cfg := fastConfig()
	cfg.FieldSize = 2
	r := newTestRoom(t, "hello world", cfg)
	alice := join(t, r, "alice")

	r.Key(alice.ID, 'h')
	waitFor(t, alice, time.Second, "wrong_state error", isError(types.ErrWrongState))
}

func TestRateLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.FieldSize = 2
	text := "the quick brown fox jumps over the lazy dog"
	r := newTestRoom(t, text, cfg)
	alice := join(t, r, "alice")
	join(t, r, "bob")

	waitFor(t, alice, time.Second, "start", isStart)
	for len(drainUntilQuiet(alice, 20*time.Millisecond)) > 0 {
	}

	typeString(r, alice, text[:30])

	msgs := drainUntilQuiet(alice, 200*time.Millisecond)
	progress, limited := 0, 0
	maxPos := 0
	for _, m := range msgs {
		if m.Progress != nil && m.Progress.ID == "alice" {
			progress++
			if m.Progress.Pos <= maxPos {
				t.Errorf("progress not monotone: %d after %d", m.Progress.Pos, maxPos)
			}
			maxPos = m.Progress.Pos
		}
		if m.Error != nil && m.Error.Code == types.ErrRateLimited {
			limited++
		}
	}
	if progress != 20 {
		t.Errorf("expected exactly 20 progress events, got %d", progress)
	}
	if maxPos != 20 {
		t.Errorf("expected position 20, got %d", maxPos)
	}
	if limited != 10 {
		t.Errorf("expected 10 rate_limited errors, got %d", limited)
	}
}

func TestResetReturnsToWaiting(t *testing.T) {
	cfg := fastConfig()
	cfg.FieldSize = 2
	r := newTestRoom(t, "hi", cfg)
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")

	waitFor(t, alice, time.Second, "start", isStart)
	typeString(r, alice, "hi")
	typeString(r, bob, "hi")
	waitFor(t, alice, time.Second, "finished state", isState(types.StateFinished))

	r.Reset(alice.ID)
	lobby := waitFor(t, alice, time.Second, "post-reset lobby", func(m types.ServerMsg) bool { return m.Lobby != nil })
	if len(lobby.Lobby.Players) != 2 {
		t.Errorf("expected two humans after reset, got %v", lobby.Lobby.Players)
	}
	waitFor(t, alice, time.Second, "waiting state", isState(types.StateWaiting))

	// Duplicate reset is a no-op.
	r.Reset(alice.ID)
	expectNone(t, alice, 80*time.Millisecond, "state change after duplicate reset", func(m types.ServerMsg) bool {
		return m.StateChange != nil
	})
}

func TestResetDuringRacingRejected(t *testing.T) {
	cfg := fastConfig()
	cfg.FieldSize = 2
	r := newTestRoom(t, "hello world", cfg)
	alice := join(t, r, "alice")
	join(t, r, "bob")

	waitFor(t, alice, time.Second, "start", isStart)
	r.Reset(alice.ID)
	waitFor(t, alice, time.Second, "wrong_state error", isError(types.ErrWrongState))
}

func TestBotRaceRunsToFinish(t *testing.T) {
	r := newTestRoom(t, "hi", fastConfig())
	alice := join(t, r, "alice")
	bob := join(t, r, "bob")

	waitFor(t, alice, time.Second, "start", isStart)
	typeString(r, alice, "hi")
	typeString(r, bob, "hi")

	finished := map[string]types.ServerMsg{}
	lastPos := map[string]int{}
	fullProgress := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(finished) < 5 {
		select {
		case msg := <-alice.C():
			if msg.Progress != nil {
				if msg.Progress.Pos < lastPos[msg.Progress.ID] {
					t.Fatalf("progress for %s went backwards: %d after %d",
						msg.Progress.ID, msg.Progress.Pos, lastPos[msg.Progress.ID])
				}
				lastPos[msg.Progress.ID] = msg.Progress.Pos
				if msg.Progress.Pos == 2 {
					fullProgress[msg.Progress.ID] = true
				}
			}
			if msg.Finish != nil {
				if !fullProgress[msg.Finish.ID] {
					t.Fatalf("finish for %s not preceded by full progress", msg.Finish.ID)
				}
				finished[msg.Finish.ID] = msg
			}
		case <-deadline:
			t.Fatalf("race did not finish; finished so far: %v", finished)
		}
	}

	for _, name := range []string{"alice", "bob", "bot1", "bot2", "bot3"} {
		if _, ok := finished[name]; !ok {
			t.Errorf("missing finish for %s", name)
		}
	}
	for _, name := range []string{"bot1", "bot2", "bot3"} {
		w := finished[name].Finish.WPM
		if w < 40 || w > 90 {
			t.Errorf("bot %s reported wpm %v outside [40, 90]", name, w)
		}
	}
	waitFor(t, alice, time.Second, "finished state", isState(types.StateFinished))
}

func TestLaggingSubscriberDropped(t *testing.T) {
	cfg := fastConfig()
	cfg.FieldSize = 2
	r := newTestRoom(t, "hello world", cfg)

	slow := NewSubscriber("slow", 1)
	if err := r.Join(slow, "alice"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	bob := join(t, r, "bob")

	select {
	case <-slow.Dropped():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}

	// The room keeps serving the healthy subscriber.
	waitFor(t, bob, time.Second, "start", isStart)
}
