package game

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("game: match not found")
	ErrEnded          = errors.New("game: match already ended")
	ErrNotPlayer      = errors.New("game: user is not a player in this match")
	ErrNotYourTurn    = errors.New("game: not your turn")
	ErrBadCoords      = errors.New("game: coordinates off the board or from equals to")
	ErrMoveLimit      = errors.New("game: move limit reached")
	ErrTimeExpired    = errors.New("game: time expired")
	ErrTooManyMatches = errors.New("game: match table full")
	ErrPlayerBusy     = errors.New("game: player already in an active match")
	ErrSpectatorCap   = errors.New("game: spectator limit reached")
	ErrIsPlayer       = errors.New("game: players cannot spectate their own match")
)

type match struct {
	id            string
	redID         int64
	blackID       int64
	redName       string
	blackName     string
	turn          Color
	moves         []Move
	rated         bool
	redTimeMs     int64
	blackTimeMs   int64
	initialTimeMs int64
	startedAt     time.Time
	endedAt       time.Time
	lastClock     time.Time
	active        bool
	result        Result
	reason        EndReason
	spectators    map[int64]struct{}
}

// Manager owns every live and recently finished match.
type Manager struct {
	mu      sync.Mutex
	matches map[string]*match
	byUser  map[int64]string // player user id → active match id

	maxMatches    int
	maxMoves      int
	maxSpectators int

	now func() time.Time // test hook
}

// NewManager returns an empty manager. Non-positive bounds select the
// defaults: 500 concurrent matches, 300 moves per match, 64 spectators.
func NewManager(maxMatches, maxMoves, maxSpectators int) *Manager {
	if maxMatches <= 0 {
		maxMatches = 500
	}
	if maxMoves <= 0 {
		maxMoves = 300
	}
	if maxSpectators <= 0 {
		maxSpectators = 64
	}
	return &Manager{
		matches:       make(map[string]*match),
		byUser:        make(map[int64]string),
		maxMatches:    maxMatches,
		maxMoves:      maxMoves,
		maxSpectators: maxSpectators,
		now:           time.Now,
	}
}

// Create allocates a new active match with both clocks at initialTimeMs and
// red to move. Each player may hold at most one active match.
func (m *Manager) Create(redID, blackID int64, redName, blackName string, rated bool, initialTimeMs int64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeCountLocked() >= m.maxMatches {
		return Snapshot{}, ErrTooManyMatches
	}
	if _, busy := m.byUser[redID]; busy {
		return Snapshot{}, ErrPlayerBusy
	}
	if _, busy := m.byUser[blackID]; busy {
		return Snapshot{}, ErrPlayerBusy
	}

	now := m.now()
	mt := &match{
		id:            "m_" + uuid.NewString(),
		redID:         redID,
		blackID:       blackID,
		redName:       redName,
		blackName:     blackName,
		turn:          Red,
		rated:         rated,
		redTimeMs:     initialTimeMs,
		blackTimeMs:   initialTimeMs,
		initialTimeMs: initialTimeMs,
		startedAt:     now,
		lastClock:     now,
		active:        true,
		result:        Ongoing,
		reason:        ReasonOngoing,
		spectators:    make(map[int64]struct{}),
	}
	m.matches[mt.id] = mt
	m.byUser[redID] = mt.id
	m.byUser[blackID] = mt.id
	return mt.snapshot(), nil
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, mt := range m.matches {
		if mt.active {
			n++
		}
	}
	return n
}

// ApplyMove validates and records one move. On success the returned
// snapshot reflects the flipped turn and debited clock. If the mover's
// clock ran out, the match is finalized with the opponent as winner and
// ErrTimeExpired is returned alongside the terminal snapshot.
func (m *Manager) ApplyMove(matchID string, userID int64, fromRow, fromCol, toRow, toCol int) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.matches[matchID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if !mt.active {
		return mt.snapshot(), ErrEnded
	}
	if userID != mt.redID && userID != mt.blackID {
		return Snapshot{}, ErrNotPlayer
	}

	mover := Red
	if userID == mt.blackID {
		mover = Black
	}
	if mover != mt.turn {
		return mt.snapshot(), ErrNotYourTurn
	}

	if !InBounds(fromRow, fromCol) || !InBounds(toRow, toCol) ||
		(fromRow == toRow && fromCol == toCol) {
		return mt.snapshot(), ErrBadCoords
	}

	now := m.now()
	m.debitLocked(mt, now)

	if remaining := mt.clockOf(mover); remaining <= 0 {
		m.finalizeLocked(mt, Wins(mover.Opponent()), ReasonTimeout, now)
		return mt.snapshot(), ErrTimeExpired
	}

	if len(mt.moves) >= m.maxMoves {
		return mt.snapshot(), ErrMoveLimit
	}

	mt.moves = append(mt.moves, Move{
		FromRow:     fromRow,
		FromCol:     fromCol,
		ToRow:       toRow,
		ToCol:       toCol,
		Timestamp:   now,
		RedTimeMs:   mt.redTimeMs,
		BlackTimeMs: mt.blackTimeMs,
	})
	mt.turn = mt.turn.Opponent()
	return mt.snapshot(), nil
}

// debitLocked charges the elapsed wall time since the last clock update to
// the side currently to move.
func (m *Manager) debitLocked(mt *match, now time.Time) {
	elapsed := now.Sub(mt.lastClock).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	switch mt.turn {
	case Red:
		mt.redTimeMs -= elapsed
		if mt.redTimeMs < 0 {
			mt.redTimeMs = 0
		}
	case Black:
		mt.blackTimeMs -= elapsed
		if mt.blackTimeMs < 0 {
			mt.blackTimeMs = 0
		}
	}
	mt.lastClock = now
}

func (mt *match) clockOf(c Color) int64 {
	if c == Black {
		return mt.blackTimeMs
	}
	return mt.redTimeMs
}

func (m *Manager) finalizeLocked(mt *match, result Result, reason EndReason, now time.Time) {
	mt.active = false
	mt.result = result
	mt.reason = reason
	mt.endedAt = now
	if m.byUser[mt.redID] == mt.id {
		delete(m.byUser, mt.redID)
	}
	if m.byUser[mt.blackID] == mt.id {
		delete(m.byUser, mt.blackID)
	}
}

// Resign ends the match with the resigner's opponent as winner.
func (m *Manager) Resign(matchID string, userID int64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.matches[matchID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if !mt.active {
		return mt.snapshot(), ErrEnded
	}
	if userID != mt.redID && userID != mt.blackID {
		return Snapshot{}, ErrNotPlayer
	}

	loser := Red
	if userID == mt.blackID {
		loser = Black
	}
	m.finalizeLocked(mt, Wins(loser.Opponent()), ReasonResign, m.now())
	return mt.snapshot(), nil
}

// AcceptDraw ends the match as a draw by agreement. The accepting user must
// be a player.
func (m *Manager) AcceptDraw(matchID string, userID int64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.matches[matchID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if !mt.active {
		return mt.snapshot(), ErrEnded
	}
	if userID != mt.redID && userID != mt.blackID {
		return Snapshot{}, ErrNotPlayer
	}

	m.finalizeLocked(mt, Draw, ReasonAgreement, m.now())
	return mt.snapshot(), nil
}

// Abort marks a match aborted (pairing rollback) with the given reason.
func (m *Manager) Abort(matchID string, reason EndReason) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.matches[matchID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if mt.active {
		m.finalizeLocked(mt, Aborted, reason, m.now())
	}
	return mt.snapshot(), nil
}

// SweepTimeouts debits the side to move in every active match and finalizes
// those whose clock reached zero, returning the terminal snapshots.
func (m *Manager) SweepTimeouts() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Snapshot
	for _, mt := range m.matches {
		if !mt.active {
			continue
		}
		m.debitLocked(mt, now)
		if mt.clockOf(mt.turn) <= 0 {
			m.finalizeLocked(mt, Wins(mt.turn.Opponent()), ReasonTimeout, now)
			out = append(out, mt.snapshot())
		}
	}
	return out
}

// PruneFinished drops finished matches that ended more than retention ago,
// bounding memory on a long-lived process. Returns how many were removed.
func (m *Manager) PruneFinished(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-retention)
	removed := 0
	for id, mt := range m.matches {
		if !mt.active && mt.endedAt.Before(cutoff) {
			delete(m.matches, id)
			removed++
		}
	}
	return removed
}

// AddSpectator registers a non-player observer on an active match.
func (m *Manager) AddSpectator(matchID string, userID int64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.matches[matchID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if !mt.active {
		return mt.snapshot(), ErrEnded
	}
	if userID == mt.redID || userID == mt.blackID {
		return mt.snapshot(), ErrIsPlayer
	}
	if _, already := mt.spectators[userID]; !already && len(mt.spectators) >= m.maxSpectators {
		return mt.snapshot(), ErrSpectatorCap
	}

	mt.spectators[userID] = struct{}{}
	return mt.snapshot(), nil
}

// RemoveSpectator drops the observer from one match.
func (m *Manager) RemoveSpectator(matchID string, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt, ok := m.matches[matchID]; ok {
		delete(mt.spectators, userID)
	}
}

// DropSpectator removes the user from every spectator set, used on
// disconnect.
func (m *Manager) DropSpectator(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mt := range m.matches {
		delete(mt.spectators, userID)
	}
}

// Snapshot returns a copy of the match, live or finished.
func (m *Manager) Snapshot(matchID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[matchID]
	if !ok {
		return Snapshot{}, false
	}
	return mt.snapshot(), true
}

// Timers returns the clocks as they stand right now, projecting the pending
// debit for the side to move without mutating state.
func (m *Manager) Timers(matchID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.matches[matchID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap := mt.snapshot()
	if !mt.active {
		return snap, nil
	}

	elapsed := m.now().Sub(mt.lastClock).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	switch mt.turn {
	case Red:
		snap.RedTimeMs -= elapsed
		if snap.RedTimeMs < 0 {
			snap.RedTimeMs = 0
		}
	case Black:
		snap.BlackTimeMs -= elapsed
		if snap.BlackTimeMs < 0 {
			snap.BlackTimeMs = 0
		}
	}
	return snap, nil
}

// ActiveByUser returns the active match the user plays in, if any.
func (m *Manager) ActiveByUser(userID int64) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUser[userID]
	if !ok {
		return Snapshot{}, false
	}
	return m.matches[id].snapshot(), true
}

// Live returns snapshots of every active match, oldest first.
func (m *Manager) Live() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for _, mt := range m.matches {
		if mt.active {
			out = append(out, mt.snapshot())
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.Before(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ActiveCount returns the number of active matches.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

func (mt *match) snapshot() Snapshot {
	moves := make([]Move, len(mt.moves))
	copy(moves, mt.moves)
	spectators := make([]int64, 0, len(mt.spectators))
	for id := range mt.spectators {
		spectators = append(spectators, id)
	}
	return Snapshot{
		ID:            mt.id,
		RedID:         mt.redID,
		BlackID:       mt.blackID,
		RedName:       mt.redName,
		BlackName:     mt.blackName,
		Turn:          mt.turn,
		Moves:         moves,
		Rated:         mt.rated,
		RedTimeMs:     mt.redTimeMs,
		BlackTimeMs:   mt.blackTimeMs,
		InitialTimeMs: mt.initialTimeMs,
		StartedAt:     mt.startedAt,
		EndedAt:       mt.endedAt,
		Active:        mt.active,
		Result:        mt.result,
		Reason:        mt.reason,
		Spectators:    spectators,
	}
}
