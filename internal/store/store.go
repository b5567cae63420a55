// Package store provides persistent server state backed by an embedded SQLite
// database. It owns the database lifecycle and exposes a minimal API used by
// the rest of the server.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — player accounts
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		rating        INTEGER NOT NULL DEFAULT 1200,
		wins          INTEGER NOT NULL DEFAULT 0,
		losses        INTEGER NOT NULL DEFAULT 0,
		draws         INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — finished matches
	`CREATE TABLE IF NOT EXISTS matches (
		id           TEXT PRIMARY KEY,
		red_id       INTEGER NOT NULL,
		black_id     INTEGER NOT NULL,
		red_name     TEXT NOT NULL,
		black_name   TEXT NOT NULL,
		result       TEXT NOT NULL,
		reason       TEXT NOT NULL,
		rated        INTEGER NOT NULL DEFAULT 0,
		move_count   INTEGER NOT NULL DEFAULT 0,
		moves_json   TEXT NOT NULL DEFAULT '[]',
		red_rating   INTEGER NOT NULL DEFAULT 0,
		black_rating INTEGER NOT NULL DEFAULT 0,
		started_at   INTEGER NOT NULL,
		ended_at     INTEGER NOT NULL
	)`,
	// v3 — indexes for leaderboard and history queries
	`CREATE INDEX IF NOT EXISTS idx_users_rating ON users(rating DESC)`,
	// v4
	`CREATE INDEX IF NOT EXISTS idx_matches_red ON matches(red_id, ended_at DESC)`,
	// v5
	`CREATE INDEX IF NOT EXISTS idx_matches_black ON matches(black_id, ended_at DESC)`,
	// v6 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes server-state operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Enable WAL mode for concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// User represents a player account row.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Rating       int
	Wins         int
	Losses       int
	Draws        int
	CreatedAt    int64
}

// CreateUser inserts a new account and returns its id. A UNIQUE violation on
// username surfaces as a driver error the caller maps to a duplicate.
func (s *Store) CreateUser(username, email, passwordHash string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO users(username, email, password_hash) VALUES(?, ?, ?)`,
		username, email, passwordHash,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UserByUsername returns the account with the given username.
// Returns sql.ErrNoRows if no such user exists.
func (s *Store) UserByUsername(username string) (User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, username, email, password_hash, rating, wins, losses, draws, created_at
		 FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Rating, &u.Wins, &u.Losses, &u.Draws, &u.CreatedAt)
	return u, err
}

// UserByEmail returns the account with the given email.
// Returns sql.ErrNoRows if no such user exists.
func (s *Store) UserByEmail(email string) (User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, username, email, password_hash, rating, wins, losses, draws, created_at
		 FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Rating, &u.Wins, &u.Losses, &u.Draws, &u.CreatedAt)
	return u, err
}

// UserByID returns the account with the given id.
// Returns sql.ErrNoRows if no such user exists.
func (s *Store) UserByID(id int64) (User, error) {
	var u User
	err := s.db.QueryRow(
		`SELECT id, username, email, password_hash, rating, wins, losses, draws, created_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Rating, &u.Wins, &u.Losses, &u.Draws, &u.CreatedAt)
	return u, err
}

// UpdateRating sets the rating for one user.
// Returns sql.ErrNoRows if no such user exists.
func (s *Store) UpdateRating(id int64, rating int) error {
	res, err := s.db.Exec(`UPDATE users SET rating = ? WHERE id = ?`, rating, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AddResult updates one player's rating and win/loss/draw tally in a single
// statement. Exactly one of win/loss/draw should be true.
func (s *Store) AddResult(id int64, rating int, win, loss, draw bool) error {
	res, err := s.db.Exec(
		`UPDATE users SET
			rating = ?,
			wins   = wins   + ?,
			losses = losses + ?,
			draws  = draws  + ?
		 WHERE id = ?`,
		rating, boolToInt(win), boolToInt(loss), boolToInt(draw), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Leaderboard returns users ordered by rating descending, ties broken by the
// older account first.
func (s *Store) Leaderboard(limit, offset int) ([]User, error) {
	rows, err := s.db.Query(
		`SELECT id, username, email, password_hash, rating, wins, losses, draws, created_at
		 FROM users ORDER BY rating DESC, id ASC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Rating, &u.Wins, &u.Losses, &u.Draws, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserCount returns the number of registered accounts.
func (s *Store) UserCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// MatchRecord represents one finished match row. MovesJSON holds the move
// log as a JSON array; the store does not interpret it.
type MatchRecord struct {
	ID          string
	RedID       int64
	BlackID     int64
	RedName     string
	BlackName   string
	Result      string
	Reason      string
	Rated       bool
	MoveCount   int
	MovesJSON   string
	RedRating   int
	BlackRating int
	StartedAt   int64
	EndedAt     int64
}

// SaveMatch upserts a finished match. Replays of the same match id (worker
// retries) overwrite with identical data, so the operation is idempotent.
func (s *Store) SaveMatch(rec MatchRecord) error {
	movesJSON := rec.MovesJSON
	if movesJSON == "" {
		movesJSON = "[]"
	}
	_, err := s.db.Exec(
		`INSERT INTO matches(id, red_id, black_id, red_name, black_name, result, reason,
			rated, move_count, moves_json, red_rating, black_rating, started_at, ended_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			result       = excluded.result,
			reason       = excluded.reason,
			move_count   = excluded.move_count,
			moves_json   = excluded.moves_json,
			red_rating   = excluded.red_rating,
			black_rating = excluded.black_rating,
			ended_at     = excluded.ended_at`,
		rec.ID, rec.RedID, rec.BlackID, rec.RedName, rec.BlackName, rec.Result, rec.Reason,
		boolToInt(rec.Rated), rec.MoveCount, movesJSON, rec.RedRating, rec.BlackRating,
		rec.StartedAt, rec.EndedAt,
	)
	return err
}

// MatchByID returns the stored match with the given id.
// Returns sql.ErrNoRows if no such match exists.
func (s *Store) MatchByID(id string) (MatchRecord, error) {
	var rec MatchRecord
	var rated int
	err := s.db.QueryRow(
		`SELECT id, red_id, black_id, red_name, black_name, result, reason,
			rated, move_count, moves_json, red_rating, black_rating, started_at, ended_at
		 FROM matches WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.RedID, &rec.BlackID, &rec.RedName, &rec.BlackName, &rec.Result, &rec.Reason,
		&rated, &rec.MoveCount, &rec.MovesJSON, &rec.RedRating, &rec.BlackRating,
		&rec.StartedAt, &rec.EndedAt)
	rec.Rated = rated != 0
	return rec, err
}

// MatchHistory returns finished matches the user played in, most recent
// first.
func (s *Store) MatchHistory(userID int64, limit, offset int) ([]MatchRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, red_id, black_id, red_name, black_name, result, reason,
			rated, move_count, moves_json, red_rating, black_rating, started_at, ended_at
		 FROM matches WHERE red_id = ? OR black_id = ?
		 ORDER BY ended_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []MatchRecord
	for rows.Next() {
		var rec MatchRecord
		var rated int
		if err := rows.Scan(&rec.ID, &rec.RedID, &rec.BlackID, &rec.RedName, &rec.BlackName,
			&rec.Result, &rec.Reason, &rated, &rec.MoveCount, &rec.MovesJSON,
			&rec.RedRating, &rec.BlackRating, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, err
		}
		rec.Rated = rated != 0
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MatchCount returns the number of stored matches.
func (s *Store) MatchCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM matches`).Scan(&n)
	return n, err
}

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup creates a copy of the database at the given path using SQLite's
// backup API through VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
