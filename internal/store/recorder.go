package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recorder queues history entries and writes them on a background
// goroutine, so callers holding locks never wait on the database.
type Recorder struct {
	st  Store
	log *slog.Logger
	ch  chan HistoryEntry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder starts a recorder writing to st. buffer bounds the queue;
// entries beyond it are dropped with a warning.
func NewRecorder(st Store, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 128
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{st: st, log: log, ch: make(chan HistoryEntry, buffer), done: make(chan struct{})}
	go r.run()
	return r
}

// Record enqueues an entry without blocking. Entries recorded after
// Close are dropped.
func (r *Recorder) Record(kind, detail string) {
	e := HistoryEntry{At: time.Now().UTC(), Kind: kind, Detail: detail}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.log.Debug("history closed, dropping entry", "kind", kind)
		return
	}
	select {
	case r.ch <- e:
	default:
		r.log.Warn("history queue full, dropping entry", "kind", kind)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.st.Append(ctx, e); err != nil {
			r.log.Warn("writing history", "kind", e.Kind, "err", err)
		}
		cancel()
	}
}

// Recent reads through to the store.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	return r.st.Recent(ctx, limit)
}

// Close flushes queued entries.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}
