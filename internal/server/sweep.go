package server

import (
	"context"
	"time"
)

// Sweep cadences. Challenges expire on a tight loop so a stale invitation
// never lingers more than a second past its deadline; session GC can be
// lazy because Validate also drops expired records.
const (
	challengeSweepEvery = time.Second
	clockSweepEvery     = 5 * time.Second
	sessionSweepEvery   = time.Minute
)

// RunSweeps drives the periodic housekeeping until ctx is canceled:
// challenge expiry, match clock timeouts, session GC, and pruning of
// finished matches past the retention window.
func (c *Core) RunSweeps(ctx context.Context) {
	challenges := time.NewTicker(challengeSweepEvery)
	clocks := time.NewTicker(clockSweepEvery)
	sessions := time.NewTicker(sessionSweepEvery)
	defer challenges.Stop()
	defer clocks.Stop()
	defer sessions.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-challenges.C:
			c.sweepChallenges()
		case <-clocks.C:
			c.sweepClocks()
		case <-sessions.C:
			c.sweepSessions()
		}
	}
}

func (c *Core) sweepChallenges() {
	for _, ch := range c.lobby.SweepChallenges() {
		c.log.Debug("challenge expired", "challenge_id", ch.ID, "from", ch.FromUserID, "to", ch.ToUserID)
	}
}

// sweepClocks detects timeouts independent of move traffic and finalizes
// each expired match exactly as an in-move timeout would.
func (c *Core) sweepClocks() {
	for _, snap := range c.games.SweepTimeouts() {
		c.metrics.TimeoutsDetected.Inc()
		c.log.Info("match timed out", "match_id", snap.ID, "result", snap.Result.String())
		c.finalizeMatch(snap)
	}
}

func (c *Core) sweepSessions() {
	if removed := c.sessions.Sweep(); removed > 0 {
		c.log.Debug("sessions expired", "count", removed)
	}
	c.metrics.SessionsActive.Set(float64(c.sessions.Len()))
	if pruned := c.games.PruneFinished(c.cfg.Game.MatchRetention); pruned > 0 {
		c.log.Debug("finished matches pruned", "count", pruned)
	}
	c.sweepOffers()
}

// sweepOffers drops draw and rematch offers whose match has left memory,
// so an unanswered offer cannot outlive its pruned match.
func (c *Core) sweepOffers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.drawOffers {
		if _, ok := c.games.Snapshot(id); !ok {
			delete(c.drawOffers, id)
		}
	}
	for id := range c.rematchOffers {
		if _, ok := c.games.Snapshot(id); !ok {
			delete(c.rematchOffers, id)
		}
	}
}
