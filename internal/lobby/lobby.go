// Package lobby tracks players waiting for a game: the ready list used by
// matchmaking, host-created rooms, and direct challenges. All state is in
// memory and guarded by one mutex; entries vanish with the process.
package lobby

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrReadyFull      = errors.New("lobby: ready list full")
	ErrRoomNotFound   = errors.New("lobby: room not found")
	ErrRoomFull       = errors.New("lobby: room full")
	ErrRoomStarted    = errors.New("lobby: room already started")
	ErrWrongPassword  = errors.New("lobby: wrong room password")
	ErrNotHost        = errors.New("lobby: only the host may do that")
	ErrNoGuest        = errors.New("lobby: room has no guest")
	ErrNotInRoom      = errors.New("lobby: user not in room")
	ErrTooManyRooms   = errors.New("lobby: room table full")
	ErrChallengeFull  = errors.New("lobby: challenge table full")
	ErrNoChallenge    = errors.New("lobby: challenge not found")
	ErrNotRecipient   = errors.New("lobby: challenge addressed to someone else")
	ErrChallengeStale = errors.New("lobby: challenge expired")
)

// ChallengeTTL is how long a direct challenge stays acceptable.
const ChallengeTTL = 60 * time.Second

// ReadyEntry is one player announced as available for pairing. Username and
// rating are cached at insertion so pairing never touches the database.
type ReadyEntry struct {
	UserID     int64
	Username   string
	Rating     int
	ReadySince time.Time
}

// Lobby owns the ready list, room table, and challenge table.
type Lobby struct {
	mu         sync.Mutex
	ready      []ReadyEntry
	rooms      map[string]*Room
	challenges map[string]*Challenge

	maxReady      int
	maxRooms      int
	maxChallenges int

	now func() time.Time // test hook
}

// New returns an empty lobby. Non-positive bounds select the defaults
// (128 ready slots, 100 rooms, 100 challenges).
func New(maxReady, maxRooms, maxChallenges int) *Lobby {
	if maxReady <= 0 {
		maxReady = 128
	}
	if maxRooms <= 0 {
		maxRooms = 100
	}
	if maxChallenges <= 0 {
		maxChallenges = 100
	}
	return &Lobby{
		rooms:         make(map[string]*Room),
		challenges:    make(map[string]*Challenge),
		maxReady:      maxReady,
		maxRooms:      maxRooms,
		maxChallenges: maxChallenges,
		now:           time.Now,
	}
}

// SetReady inserts or refreshes the user's ready entry. With ready=false it
// removes the entry instead.
func (l *Lobby) SetReady(userID int64, username string, rating int, ready bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !ready {
		l.removeReadyLocked(userID)
		return nil
	}

	for i := range l.ready {
		if l.ready[i].UserID == userID {
			l.ready[i].Username = username
			l.ready[i].Rating = rating
			l.ready[i].ReadySince = l.now()
			return nil
		}
	}

	if len(l.ready) >= l.maxReady {
		return ErrReadyFull
	}
	l.ready = append(l.ready, ReadyEntry{
		UserID:     userID,
		Username:   username,
		Rating:     rating,
		ReadySince: l.now(),
	})
	return nil
}

// RemovePlayer drops the user from the ready list. It reports whether an
// entry was actually removed, so callers know whether to rebroadcast.
func (l *Lobby) RemovePlayer(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeReadyLocked(userID)
}

func (l *Lobby) removeReadyLocked(userID int64) bool {
	for i := range l.ready {
		if l.ready[i].UserID == userID {
			l.ready = append(l.ready[:i], l.ready[i+1:]...)
			return true
		}
	}
	return false
}

// ReadyList returns a snapshot of the ready list in insertion order.
func (l *Lobby) ReadyList() []ReadyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReadyEntry, len(l.ready))
	copy(out, l.ready)
	return out
}

// ReadyUserIDs returns the ids of everyone currently ready.
func (l *Lobby) ReadyUserIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.ready))
	for _, e := range l.ready {
		out = append(out, e.UserID)
	}
	return out
}

// FindRandom pairs the requester with the first ready player that is not the
// requester. On success both sides leave the ready list atomically and the
// opponent's cached entry is returned.
func (l *Lobby) FindRandom(requester int64) (ReadyEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.ready {
		if e.UserID != requester {
			l.removeReadyLocked(requester)
			l.removeReadyLocked(e.UserID)
			return e, true
		}
	}
	return ReadyEntry{}, false
}

// FindRated pairs the requester with the ready player whose rating is
// closest to theirs, within tolerance. Ties break toward the player who has
// waited longest. On success both sides leave the ready list atomically.
func (l *Lobby) FindRated(requester int64, rating, tolerance int) (ReadyEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best := -1
	bestDiff := tolerance + 1
	for i, e := range l.ready {
		if e.UserID == requester {
			continue
		}
		diff := e.Rating - rating
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			continue
		}
		if diff < bestDiff ||
			(diff == bestDiff && best >= 0 && e.ReadySince.Before(l.ready[best].ReadySince)) {
			best = i
			bestDiff = diff
		}
	}
	if best < 0 {
		return ReadyEntry{}, false
	}

	opponent := l.ready[best]
	l.removeReadyLocked(requester)
	l.removeReadyLocked(opponent.UserID)
	return opponent, true
}
