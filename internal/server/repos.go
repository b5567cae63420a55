package server

import (
	"log/slog"
	"sync"

	"xiangqi/server/internal/store"
)

// UserRepo is the account persistence surface the dispatcher depends on.
// *store.Store satisfies it; tests substitute fakes.
type UserRepo interface {
	CreateUser(username, email, passwordHash string) (int64, error)
	UserByUsername(username string) (store.User, error)
	UserByEmail(email string) (store.User, error)
	UserByID(id int64) (store.User, error)
	AddResult(id int64, rating int, win, loss, draw bool) error
	Leaderboard(limit, offset int) ([]store.User, error)
}

// MatchRepo is the match-history persistence surface.
type MatchRepo interface {
	SaveMatch(rec store.MatchRecord) error
	MatchByID(id string) (store.MatchRecord, error)
	MatchHistory(userID int64, limit, offset int) ([]store.MatchRecord, error)
}

// Persister writes finished matches through a fixed pool of workers so a
// slow database never stalls a handler. Failures are logged and dropped;
// the in-memory game result already stands.
type Persister struct {
	repo  MatchRepo
	log   *slog.Logger
	queue chan store.MatchRecord
	wg    sync.WaitGroup

	closeOnce sync.Once
}

// NewPersister starts workers goroutines draining a bounded queue.
func NewPersister(repo MatchRepo, workers, queueSize int, log *slog.Logger) *Persister {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}
	p := &Persister{
		repo:  repo,
		log:   log,
		queue: make(chan store.MatchRecord, queueSize),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Persister) worker() {
	defer p.wg.Done()
	for rec := range p.queue {
		if err := p.repo.SaveMatch(rec); err != nil {
			p.log.Error("persist match", "match_id", rec.ID, "err", err)
		}
	}
}

// Enqueue hands one record to the pool. When the queue is full the write
// happens inline instead of being dropped.
func (p *Persister) Enqueue(rec store.MatchRecord) {
	select {
	case p.queue <- rec:
	default:
		if err := p.repo.SaveMatch(rec); err != nil {
			p.log.Error("persist match inline", "match_id", rec.ID, "err", err)
		}
	}
}

// Close stops accepting work and waits for in-flight writes.
func (p *Persister) Close() {
	p.closeOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
	})
}
