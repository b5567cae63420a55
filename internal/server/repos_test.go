package server

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"xiangqi/server/internal/store"
)

// fakeMatchRepo records saves; the first save can be made to block so tests
// can pin the single worker.
type fakeMatchRepo struct {
	mu    sync.Mutex
	saved []store.MatchRecord

	calls   atomic.Int32
	started chan struct{} // closed when the first save begins
	release chan struct{} // first save waits on this
}

func (f *fakeMatchRepo) SaveMatch(rec store.MatchRecord) error {
	if f.calls.Add(1) == 1 && f.started != nil {
		close(f.started)
		<-f.release
	}
	f.mu.Lock()
	f.saved = append(f.saved, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeMatchRepo) MatchByID(string) (store.MatchRecord, error) {
	return store.MatchRecord{}, nil
}

func (f *fakeMatchRepo) MatchHistory(int64, int, int) ([]store.MatchRecord, error) {
	return nil, nil
}

func (f *fakeMatchRepo) savedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.saved))
	for i, rec := range f.saved {
		ids[i] = rec.ID
	}
	return ids
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPersisterDrainsOnClose(t *testing.T) {
	repo := &fakeMatchRepo{}
	p := NewPersister(repo, 2, 8, discardLogger())

	for i := 0; i < 5; i++ {
		p.Enqueue(store.MatchRecord{ID: "m"})
	}
	p.Close()
	p.Close() // idempotent

	if got := len(repo.savedIDs()); got != 5 {
		t.Errorf("saved %d records, want 5", got)
	}
}

func TestPersisterWritesInlineWhenQueueFull(t *testing.T) {
	repo := &fakeMatchRepo{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	p := NewPersister(repo, 1, 1, discardLogger())

	p.Enqueue(store.MatchRecord{ID: "busy"})
	select {
	case <-repo.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first record")
	}

	p.Enqueue(store.MatchRecord{ID: "queued"}) // fills the queue
	p.Enqueue(store.MatchRecord{ID: "inline"}) // no room: caller writes it

	if ids := repo.savedIDs(); len(ids) != 1 || ids[0] != "inline" {
		t.Errorf("inline write not observed: %v", ids)
	}

	close(repo.release)
	p.Close()
	if got := len(repo.savedIDs()); got != 3 {
		t.Errorf("saved %d records after drain, want 3", got)
	}
}
