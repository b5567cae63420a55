package game

import (
	"errors"
	"testing"
	"time"
)

// newTestManager returns a manager with a controllable clock.
func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(8, 10, 2)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func newTestMatch(t *testing.T, m *Manager, timeMs int64) Snapshot {
	t.Helper()
	snap, err := m.Create(1, 2, "alice", "bob", true, timeMs)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return snap
}

func TestCreateInitialState(t *testing.T) {
	m, _ := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	if snap.Turn != Red {
		t.Errorf("initial turn = %v, want Red", snap.Turn)
	}
	if snap.RedTimeMs != 600000 || snap.BlackTimeMs != 600000 {
		t.Errorf("clocks = %d/%d, want 600000 each", snap.RedTimeMs, snap.BlackTimeMs)
	}
	if !snap.Active || snap.Result != Ongoing {
		t.Errorf("active=%v result=%v, want active ongoing", snap.Active, snap.Result)
	}
}

// A user may be a player in at most one active match.
func TestCreateRejectsBusyPlayer(t *testing.T) {
	m, _ := newTestManager(t)
	newTestMatch(t, m, 600000)

	if _, err := m.Create(1, 3, "alice", "carol", false, 600000); !errors.Is(err, ErrPlayerBusy) {
		t.Errorf("expected ErrPlayerBusy, got %v", err)
	}

	// After the match ends, the player is free again.
	snap, _ := m.ActiveByUser(1)
	if _, err := m.Resign(snap.ID, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(1, 3, "alice", "carol", false, 600000); err != nil {
		t.Errorf("player still busy after match ended: %v", err)
	}
}

func TestMoveTurnEnforcement(t *testing.T) {
	m, _ := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	// Black (user 2) tries to move first.
	if _, err := m.ApplyMove(snap.ID, 2, 6, 0, 5, 0); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}

	// Red moves, then turns alternate.
	after, err := m.ApplyMove(snap.ID, 1, 3, 0, 4, 0)
	if err != nil {
		t.Fatalf("red move: %v", err)
	}
	if after.Turn != Black {
		t.Errorf("turn after red move = %v, want Black", after.Turn)
	}
	if _, err := m.ApplyMove(snap.ID, 1, 4, 0, 5, 0); !errors.Is(err, ErrNotYourTurn) {
		t.Errorf("red moved twice: %v", err)
	}
	if _, err := m.ApplyMove(snap.ID, 2, 6, 0, 5, 0); err != nil {
		t.Errorf("black move: %v", err)
	}
}

func TestMoveBounds(t *testing.T) {
	m, _ := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	cases := []struct{ fr, fc, tr, tc int }{
		{-1, 0, 0, 0}, // negative row
		{0, 0, 10, 0}, // row past the board
		{0, 9, 0, 0},  // column past the board
		{3, 3, 3, 3},  // from == to
	}
	for _, c := range cases {
		if _, err := m.ApplyMove(snap.ID, 1, c.fr, c.fc, c.tr, c.tc); !errors.Is(err, ErrBadCoords) {
			t.Errorf("move (%d,%d)->(%d,%d): expected ErrBadCoords, got %v", c.fr, c.fc, c.tr, c.tc, err)
		}
	}
}

func TestMoveByOutsiderRejected(t *testing.T) {
	m, _ := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	if _, err := m.ApplyMove(snap.ID, 99, 3, 0, 4, 0); !errors.Is(err, ErrNotPlayer) {
		t.Errorf("expected ErrNotPlayer, got %v", err)
	}
}

func TestClockDebitAndConservation(t *testing.T) {
	m, now := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	*now = now.Add(3 * time.Second)
	after, err := m.ApplyMove(snap.ID, 1, 3, 0, 4, 0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if after.RedTimeMs != 597000 {
		t.Errorf("red clock = %d, want 597000", after.RedTimeMs)
	}
	if after.BlackTimeMs != 600000 {
		t.Errorf("black clock debited while red to move: %d", after.BlackTimeMs)
	}

	// Total time never increases.
	*now = now.Add(5 * time.Second)
	after2, err := m.ApplyMove(snap.ID, 2, 6, 0, 5, 0)
	if err != nil {
		t.Fatalf("black move: %v", err)
	}
	if total := after2.RedTimeMs + after2.BlackTimeMs; total > after.RedTimeMs+after.BlackTimeMs {
		t.Errorf("clock total increased: %d", total)
	}
	if after2.BlackTimeMs != 595000 {
		t.Errorf("black clock = %d, want 595000", after2.BlackTimeMs)
	}
}

func TestMoveRecordsClockSnapshot(t *testing.T) {
	m, now := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	*now = now.Add(time.Second)
	after, err := m.ApplyMove(snap.ID, 1, 3, 0, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	mv := after.Moves[0]
	if mv.RedTimeMs != after.RedTimeMs || mv.BlackTimeMs != after.BlackTimeMs {
		t.Errorf("move clock snapshot %d/%d does not match clocks %d/%d",
			mv.RedTimeMs, mv.BlackTimeMs, after.RedTimeMs, after.BlackTimeMs)
	}
}

func TestMoveTimeoutFinalizes(t *testing.T) {
	m, now := newTestManager(t)
	snap := newTestMatch(t, m, 1000)

	*now = now.Add(2 * time.Second)
	after, err := m.ApplyMove(snap.ID, 1, 3, 0, 4, 0)
	if !errors.Is(err, ErrTimeExpired) {
		t.Fatalf("expected ErrTimeExpired, got %v", err)
	}
	if after.Active {
		t.Error("match still active after timeout")
	}
	if after.Result != BlackWins || after.Reason != ReasonTimeout {
		t.Errorf("result=%v reason=%v, want black_wins/timeout", after.Result, after.Reason)
	}
	if after.RedTimeMs != 0 {
		t.Errorf("red clock = %d, want clamped to 0", after.RedTimeMs)
	}
}

func TestSweepTimeouts(t *testing.T) {
	m, now := newTestManager(t)
	snap := newTestMatch(t, m, 1000)

	// Nothing expires before the limit.
	*now = now.Add(500 * time.Millisecond)
	if ended := m.SweepTimeouts(); len(ended) != 0 {
		t.Fatalf("premature sweep ended %d matches", len(ended))
	}

	*now = now.Add(time.Second)
	ended := m.SweepTimeouts()
	if len(ended) != 1 {
		t.Fatalf("sweep ended %d matches, want 1", len(ended))
	}
	got := ended[0]
	if got.ID != snap.ID || got.Result != BlackWins || got.Reason != ReasonTimeout {
		t.Errorf("unexpected sweep result: %+v", got)
	}
}

func TestMoveLimit(t *testing.T) {
	m, _ := newTestManager(t) // maxMoves = 10
	snap := newTestMatch(t, m, 600000)

	players := []int64{1, 2}
	for i := 0; i < 10; i++ {
		from := 3 + i%2
		if _, err := m.ApplyMove(snap.ID, players[i%2], from, 0, from+1, 0); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if _, err := m.ApplyMove(snap.ID, 1, 3, 0, 4, 0); !errors.Is(err, ErrMoveLimit) {
		t.Errorf("expected ErrMoveLimit, got %v", err)
	}
}

func TestResign(t *testing.T) {
	m, _ := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	after, err := m.Resign(snap.ID, 1)
	if err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if after.Result != BlackWins || after.Reason != ReasonResign {
		t.Errorf("result=%v reason=%v, want black_wins/resign", after.Result, after.Reason)
	}
	if _, err := m.ApplyMove(snap.ID, 2, 6, 0, 5, 0); !errors.Is(err, ErrEnded) {
		t.Errorf("move accepted after resign: %v", err)
	}
}

func TestAcceptDraw(t *testing.T) {
	m, _ := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	after, err := m.AcceptDraw(snap.ID, 2)
	if err != nil {
		t.Fatalf("AcceptDraw: %v", err)
	}
	if after.Result != Draw || after.Reason != ReasonAgreement {
		t.Errorf("result=%v reason=%v, want draw/agreement", after.Result, after.Reason)
	}
}

func TestAbort(t *testing.T) {
	m, _ := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	after, err := m.Abort(snap.ID, ReasonNotifyFailed)
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if after.Result != Aborted || after.Reason != ReasonNotifyFailed {
		t.Errorf("result=%v reason=%v, want aborted/notify_failed", after.Result, after.Reason)
	}
	// Players are released for re-pairing.
	if _, busy := m.ActiveByUser(1); busy {
		t.Error("player still bound to aborted match")
	}
}

func TestSpectators(t *testing.T) {
	m, _ := newTestManager(t) // maxSpectators = 2
	snap := newTestMatch(t, m, 600000)

	if _, err := m.AddSpectator(snap.ID, 1); !errors.Is(err, ErrIsPlayer) {
		t.Errorf("player joined as spectator: %v", err)
	}
	if _, err := m.AddSpectator(snap.ID, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddSpectator(snap.ID, 11); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddSpectator(snap.ID, 12); !errors.Is(err, ErrSpectatorCap) {
		t.Errorf("expected ErrSpectatorCap, got %v", err)
	}
	// Re-adding an existing spectator is not a capacity violation.
	if _, err := m.AddSpectator(snap.ID, 10); err != nil {
		t.Errorf("idempotent re-add failed: %v", err)
	}

	after, _ := m.Snapshot(snap.ID)
	if len(after.Spectators) != 2 {
		t.Errorf("spectator count = %d, want 2", len(after.Spectators))
	}
	if got := len(after.Recipients()); got != 4 {
		t.Errorf("recipients = %d, want 2 players + 2 spectators", got)
	}

	m.DropSpectator(10)
	after, _ = m.Snapshot(snap.ID)
	if len(after.Spectators) != 1 {
		t.Errorf("spectator not dropped: %v", after.Spectators)
	}
}

func TestTimersProjectPendingDebit(t *testing.T) {
	m, now := newTestManager(t)
	snap := newTestMatch(t, m, 600000)

	*now = now.Add(4 * time.Second)
	timers, err := m.Timers(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if timers.RedTimeMs != 596000 {
		t.Errorf("projected red clock = %d, want 596000", timers.RedTimeMs)
	}
	if timers.BlackTimeMs != 600000 {
		t.Errorf("projected black clock = %d, want 600000", timers.BlackTimeMs)
	}

	// Projection must not mutate the stored clock.
	stored, _ := m.Snapshot(snap.ID)
	if stored.RedTimeMs != 600000 {
		t.Errorf("Timers mutated stored clock: %d", stored.RedTimeMs)
	}
}

func TestPruneFinished(t *testing.T) {
	m, now := newTestManager(t)
	snap := newTestMatch(t, m, 600000)
	m.Resign(snap.ID, 1)

	*now = now.Add(2 * time.Hour)
	live := newTestMatch(t, m, 600000)

	if removed := m.PruneFinished(time.Hour); removed != 1 {
		t.Errorf("pruned %d, want 1", removed)
	}
	if _, ok := m.Snapshot(snap.ID); ok {
		t.Error("finished match survived prune")
	}
	if _, ok := m.Snapshot(live.ID); !ok {
		t.Error("active match pruned")
	}
}

func TestLiveListing(t *testing.T) {
	m, now := newTestManager(t)
	first := newTestMatch(t, m, 600000)
	*now = now.Add(time.Second)
	second, err := m.Create(3, 4, "carol", "dave", false, 600000)
	if err != nil {
		t.Fatal(err)
	}

	live := m.Live()
	if len(live) != 2 {
		t.Fatalf("live count = %d, want 2", len(live))
	}
	if live[0].ID != first.ID || live[1].ID != second.ID {
		t.Error("live matches not ordered oldest first")
	}

	m.Resign(first.ID, 1)
	if got := m.ActiveCount(); got != 1 {
		t.Errorf("active count = %d, want 1", got)
	}
}
