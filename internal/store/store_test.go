package store

import (
	"database/sql"
	"errors"
	"testing"
)

// newTestStore opens an in-memory database with all migrations applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCreateUserDefaults(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateUser("alice", "alice@example.com", "deadbeef")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := s.UserByID(id)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if u.Rating != 1200 {
		t.Errorf("initial rating = %d, want 1200", u.Rating)
	}
	if u.Wins != 0 || u.Losses != 0 || u.Draws != 0 {
		t.Errorf("fresh account has results: %d/%d/%d", u.Wins, u.Losses, u.Draws)
	}
	if u.CreatedAt == 0 {
		t.Error("created_at not populated")
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateUser("alice", "", "h1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateUser("alice", "other@example.com", "h2"); err == nil {
		t.Error("duplicate username accepted")
	}
}

func TestUserByUsername(t *testing.T) {
	s := newTestStore(t)
	s.CreateUser("alice", "alice@example.com", "deadbeef")

	u, err := s.UserByUsername("alice")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	if u.Email != "alice@example.com" || u.PasswordHash != "deadbeef" {
		t.Errorf("unexpected row: %+v", u)
	}

	if _, err := s.UserByUsername("nobody"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing user: got %v, want sql.ErrNoRows", err)
	}
}

func TestUserByEmail(t *testing.T) {
	s := newTestStore(t)
	s.CreateUser("alice", "alice@example.com", "deadbeef")

	u, err := s.UserByEmail("alice@example.com")
	if err != nil {
		t.Fatalf("UserByEmail: %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("unexpected row: %+v", u)
	}

	if _, err := s.UserByEmail("nobody@example.com"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing email: got %v, want sql.ErrNoRows", err)
	}
}

func TestAddResult(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.CreateUser("alice", "", "h")

	if err := s.AddResult(id, 1216, true, false, false); err != nil {
		t.Fatalf("AddResult win: %v", err)
	}
	if err := s.AddResult(id, 1200, false, true, false); err != nil {
		t.Fatalf("AddResult loss: %v", err)
	}
	if err := s.AddResult(id, 1200, false, false, true); err != nil {
		t.Fatalf("AddResult draw: %v", err)
	}

	u, _ := s.UserByID(id)
	if u.Rating != 1200 || u.Wins != 1 || u.Losses != 1 || u.Draws != 1 {
		t.Errorf("after results: rating=%d W/L/D=%d/%d/%d", u.Rating, u.Wins, u.Losses, u.Draws)
	}

	if err := s.AddResult(9999, 1300, true, false, false); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing user: got %v, want sql.ErrNoRows", err)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateUser("alice", "", "h")
	b, _ := s.CreateUser("bob", "", "h")
	c, _ := s.CreateUser("carol", "", "h")
	s.UpdateRating(a, 1300)
	s.UpdateRating(b, 1500)
	s.UpdateRating(c, 1300)

	top, err := s.Leaderboard(10, 0)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(top) != 3 {
		t.Fatalf("got %d rows, want 3", len(top))
	}
	if top[0].Username != "bob" {
		t.Errorf("top entry = %q, want bob", top[0].Username)
	}
	// Equal ratings: older account first.
	if top[1].Username != "alice" || top[2].Username != "carol" {
		t.Errorf("tie order = %q, %q", top[1].Username, top[2].Username)
	}

	page, err := s.Leaderboard(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Username != "alice" {
		t.Errorf("offset page wrong: %+v", page)
	}
}

func TestSaveMatchAndHistory(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateUser("alice", "", "h")
	b, _ := s.CreateUser("bob", "", "h")

	rec := MatchRecord{
		ID:          "m_test1",
		RedID:       a,
		BlackID:     b,
		RedName:     "alice",
		BlackName:   "bob",
		Result:      "red_wins",
		Reason:      "resign",
		Rated:       true,
		MoveCount:   12,
		MovesJSON:   `[{"from_row":3,"from_col":0,"to_row":4,"to_col":0}]`,
		RedRating:   1216,
		BlackRating: 1184,
		StartedAt:   1000,
		EndedAt:     2000,
	}
	if err := s.SaveMatch(rec); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}

	got, err := s.MatchByID("m_test1")
	if err != nil {
		t.Fatalf("MatchByID: %v", err)
	}
	if !got.Rated || got.Result != "red_wins" || got.MoveCount != 12 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Saving the same id again must not error or duplicate.
	rec.Reason = "timeout"
	if err := s.SaveMatch(rec); err != nil {
		t.Fatalf("SaveMatch replay: %v", err)
	}
	got, _ = s.MatchByID("m_test1")
	if got.Reason != "timeout" {
		t.Errorf("replay did not overwrite: %q", got.Reason)
	}
	if n, _ := s.MatchCount(); n != 1 {
		t.Errorf("match count = %d, want 1", n)
	}

	hist, err := s.MatchHistory(b, 10, 0)
	if err != nil {
		t.Fatalf("MatchHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != "m_test1" {
		t.Errorf("history for black player wrong: %+v", hist)
	}
	if hist, _ := s.MatchHistory(9999, 10, 0); len(hist) != 0 {
		t.Errorf("stranger has history: %+v", hist)
	}
}

func TestMatchHistoryOrdering(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateUser("alice", "", "h")
	b, _ := s.CreateUser("bob", "", "h")

	for i, id := range []string{"m_old", "m_new"} {
		s.SaveMatch(MatchRecord{
			ID: id, RedID: a, BlackID: b, RedName: "alice", BlackName: "bob",
			Result: "draw", Reason: "agreement",
			StartedAt: int64(1000 + i), EndedAt: int64(2000 + i),
		})
	}

	hist, err := s.MatchHistory(a, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].ID != "m_new" {
		t.Errorf("history not newest-first: %+v", hist)
	}
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	s.CreateUser("alice", "", "h")
	s.CreateUser("bob", "", "h")

	if n, err := s.UserCount(); err != nil || n != 2 {
		t.Errorf("UserCount = %d, %v", n, err)
	}
	if n, err := s.MatchCount(); err != nil || n != 0 {
		t.Errorf("MatchCount = %d, %v", n, err)
	}
}
