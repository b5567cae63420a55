package main

import (
	"os"
	"path/filepath"
	"testing"

	"xiangqi/server/internal/store"
)

// cliDBSetup creates a temp directory with an initialized store and returns
// the database path. The directory is cleaned up when the test finishes.
func cliDBSetup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "xiangqi.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	st.Close()
	return dbPath
}

// cliDBWithUsers creates a database pre-seeded with the given usernames.
func cliDBWithUsers(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "xiangqi.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	for _, name := range names {
		if _, err := st.CreateUser(name, "", "h"); err != nil {
			t.Fatalf("CreateUser(%q): %v", name, err)
		}
	}
	st.Close()
	return dbPath
}

func TestRunCLIUnknownCommand(t *testing.T) {
	if RunCLI([]string{"bogus"}, "unused.db") {
		t.Error("unknown subcommand reported as handled")
	}
	if RunCLI(nil, "unused.db") {
		t.Error("empty args reported as handled")
	}
}

func TestRunCLIVersion(t *testing.T) {
	if !RunCLI([]string{"version"}, "unused.db") {
		t.Error("version not handled")
	}
}

func TestRunCLIStatus(t *testing.T) {
	dbPath := cliDBWithUsers(t, "alice", "bob")
	if !RunCLI([]string{"status"}, dbPath) {
		t.Error("status not handled")
	}
}

func TestRunCLILeaderboard(t *testing.T) {
	dbPath := cliDBWithUsers(t, "alice")
	if !RunCLI([]string{"leaderboard"}, dbPath) {
		t.Error("leaderboard not handled")
	}
	if !RunCLI([]string{"leaderboard", "5"}, cliDBSetup(t)) {
		t.Error("leaderboard with count not handled")
	}
}

func TestRunCLIBackup(t *testing.T) {
	dbPath := cliDBWithUsers(t, "alice")
	dest := filepath.Join(t.TempDir(), "copy.db")
	if !RunCLI([]string{"backup", dest}, dbPath) {
		t.Error("backup not handled")
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("backup file missing: %v", err)
	}

	st, err := store.New(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer st.Close()
	n, err := st.UserCount()
	if err != nil || n != 1 {
		t.Errorf("backup contents: n=%d err=%v", n, err)
	}
}
