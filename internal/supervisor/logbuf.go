package supervisor

import (
	"sync"
	"time"
)

// Log entry sources.
const (
	SourceSystem = "system"
	SourceAgent  = "agent"
	SourceError  = "error"
)

// LogEntry is one line of supervisor or agent output.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// LogBuffer is a fixed-capacity ring of log entries. When full, the
// oldest entry is evicted.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	size    int
}

// NewLogBuffer returns a ring holding at most capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &LogBuffer{entries: make([]LogEntry, capacity)}
}

// Add appends e, evicting the oldest entry when the ring is full.
func (b *LogBuffer) Add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.start + b.size) % len(b.entries)
	b.entries[idx] = e
	if b.size < len(b.entries) {
		b.size++
		return
	}
	b.start = (b.start + 1) % len(b.entries)
}

// Entries returns the buffered entries, oldest first.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, b.size)
	for i := range out {
		out[i] = b.entries[(b.start+i)%len(b.entries)]
	}
	return out
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the ring capacity.
func (b *LogBuffer) Cap() int { return len(b.entries) }
