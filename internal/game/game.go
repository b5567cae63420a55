// Package game holds the authoritative state of every match: turn order,
// move log, the two chess clocks, spectators, and end-of-game resolution.
//
// Piece-level legality is deliberately not checked here. Clients validate
// moves; the server enforces only membership, turn ownership, board bounds,
// and game phase. Tightening this would break deployed clients.
package game

import "time"

// Color identifies a side. Red always moves first.
type Color int

const (
	Red Color = iota
	Black
)

func (c Color) String() string {
	if c == Black {
		return "black"
	}
	return "red"
}

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == Red {
		return Black
	}
	return Red
}

// Result is the outcome of a match. Stored as a tagged value; rendered as a
// wire string only at the protocol boundary.
type Result int

const (
	Ongoing Result = iota
	RedWins
	BlackWins
	Draw
	Aborted
)

func (r Result) String() string {
	switch r {
	case RedWins:
		return "red_wins"
	case BlackWins:
		return "black_wins"
	case Draw:
		return "draw"
	case Aborted:
		return "aborted"
	default:
		return "ongoing"
	}
}

// Wins returns the decisive result for the given winner.
func Wins(winner Color) Result {
	if winner == Red {
		return RedWins
	}
	return BlackWins
}

// EndReason records why a match reached its result.
type EndReason int

const (
	ReasonOngoing EndReason = iota
	ReasonCheckmate
	ReasonResign
	ReasonTimeout
	ReasonAgreement
	ReasonNotifyFailed
)

func (e EndReason) String() string {
	switch e {
	case ReasonCheckmate:
		return "checkmate"
	case ReasonResign:
		return "resign"
	case ReasonTimeout:
		return "timeout"
	case ReasonAgreement:
		return "agreement"
	case ReasonNotifyFailed:
		return "notify_failed"
	default:
		return "ongoing"
	}
}

// Move is one accepted move with the clock values captured after it.
type Move struct {
	FromRow, FromCol int
	ToRow, ToCol     int
	Timestamp        time.Time
	RedTimeMs        int64
	BlackTimeMs      int64
}

// InBounds reports whether a coordinate is on the board (rows 0..9,
// columns 0..8).
func InBounds(row, col int) bool {
	return row >= 0 && row <= 9 && col >= 0 && col <= 8
}

// Snapshot is an immutable copy of a match handed to callers for responses
// and broadcasts.
type Snapshot struct {
	ID            string
	RedID         int64
	BlackID       int64
	RedName       string
	BlackName     string
	Turn          Color
	Moves         []Move
	Rated         bool
	RedTimeMs     int64
	BlackTimeMs   int64
	InitialTimeMs int64
	StartedAt     time.Time
	EndedAt       time.Time
	Active        bool
	Result        Result
	Reason        EndReason
	Spectators    []int64
}

// MoveCount returns the number of accepted moves.
func (s Snapshot) MoveCount() int { return len(s.Moves) }

// IsPlayer reports whether userID plays in this match.
func (s Snapshot) IsPlayer(userID int64) bool {
	return userID == s.RedID || userID == s.BlackID
}

// ColorOf returns the side userID plays. Callers check IsPlayer first.
func (s Snapshot) ColorOf(userID int64) Color {
	if userID == s.BlackID {
		return Black
	}
	return Red
}

// PlayerID returns the user id seated on the given side.
func (s Snapshot) PlayerID(c Color) int64 {
	if c == Black {
		return s.BlackID
	}
	return s.RedID
}

// PlayerName returns the username seated on the given side.
func (s Snapshot) PlayerName(c Color) string {
	if c == Black {
		return s.BlackName
	}
	return s.RedName
}

// Opponent returns the user id of userID's opponent.
func (s Snapshot) Opponent(userID int64) int64 {
	if userID == s.RedID {
		return s.BlackID
	}
	return s.RedID
}

// Recipients returns both players plus every spectator, the audience of a
// match broadcast.
func (s Snapshot) Recipients() []int64 {
	out := make([]int64, 0, 2+len(s.Spectators))
	out = append(out, s.RedID, s.BlackID)
	out = append(out, s.Spectators...)
	return out
}
