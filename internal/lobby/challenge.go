package lobby

import (
	"time"

	"github.com/google/uuid"
)

// Challenge is a directed, time-bounded invitation. Terminal transitions
// (accept, decline, expiry) drop the record.
type Challenge struct {
	ID         string
	FromUserID int64
	ToUserID   int64
	Rated      bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// CreateChallenge records a pending challenge from one user to another.
func (l *Lobby) CreateChallenge(from, to int64, rated bool) (Challenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.challenges) >= l.maxChallenges {
		return Challenge{}, ErrChallengeFull
	}

	now := l.now()
	ch := &Challenge{
		ID:         "ch_" + uuid.NewString(),
		FromUserID: from,
		ToUserID:   to,
		Rated:      rated,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ChallengeTTL),
	}
	l.challenges[ch.ID] = ch
	return *ch, nil
}

// AcceptChallenge validates that userID is the recipient of a live
// challenge and removes the record, returning its contents so the caller
// can create the match.
func (l *Lobby) AcceptChallenge(id string, userID int64) (Challenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.challenges[id]
	if !ok {
		return Challenge{}, ErrNoChallenge
	}
	if ch.ToUserID != userID {
		return Challenge{}, ErrNotRecipient
	}
	if l.now().After(ch.ExpiresAt) {
		delete(l.challenges, id)
		return Challenge{}, ErrChallengeStale
	}

	delete(l.challenges, id)
	return *ch, nil
}

// DeclineChallenge removes the challenge immediately. Recipient only.
func (l *Lobby) DeclineChallenge(id string, userID int64) (Challenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.challenges[id]
	if !ok {
		return Challenge{}, ErrNoChallenge
	}
	if ch.ToUserID != userID {
		return Challenge{}, ErrNotRecipient
	}

	delete(l.challenges, id)
	return *ch, nil
}

// SweepChallenges drops every expired challenge and returns the removed
// records.
func (l *Lobby) SweepChallenges() []Challenge {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var expired []Challenge
	for id, ch := range l.challenges {
		if now.After(ch.ExpiresAt) {
			expired = append(expired, *ch)
			delete(l.challenges, id)
		}
	}
	return expired
}

// ChallengeCount returns the number of pending challenges.
func (l *Lobby) ChallengeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.challenges)
}
