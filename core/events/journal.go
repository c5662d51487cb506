package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record wraps an emitted event with an identifier and timestamp so the
// journal can serve as an append-only audit trail.
type Record struct {
	ID       string
	Type     string
	Observed time.Time
	Event    Event
}

// Journal retains the most recent emitted events in memory. It implements
// Emitter and can be chained in front of another emitter.
type Journal struct {
	mu      sync.RWMutex
	records []Record
	limit   int
	next    Emitter
	clock   func() time.Time
}

// NewJournal constructs a journal bounded to limit records. A non-positive
// limit falls back to 1024.
func NewJournal(limit int) *Journal {
	if limit <= 0 {
		limit = 1024
	}
	return &Journal{limit: limit, clock: time.Now}
}

// SetNext chains a downstream emitter invoked after the record is stored.
func (j *Journal) SetNext(next Emitter) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.next = next
	j.mu.Unlock()
}

// SetClock overrides the wall clock used to timestamp records.
func (j *Journal) SetClock(clock func() time.Time) {
	if j == nil || clock == nil {
		return
	}
	j.mu.Lock()
	j.clock = clock
	j.mu.Unlock()
}

// Emit stores the event and forwards it to the chained emitter when present.
func (j *Journal) Emit(evt Event) {
	if j == nil || evt == nil {
		return
	}
	j.mu.Lock()
	record := Record{
		ID:       uuid.NewString(),
		Type:     evt.EventType(),
		Observed: j.clock().UTC(),
		Event:    evt,
	}
	j.records = append(j.records, record)
	if len(j.records) > j.limit {
		j.records = j.records[len(j.records)-j.limit:]
	}
	next := j.next
	j.mu.Unlock()
	if next != nil {
		next.Emit(evt)
	}
}

// Recent returns up to n of the most recent records, newest last.
func (j *Journal) Recent(n int) []Record {
	if j == nil {
		return nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	if n <= 0 || n > len(j.records) {
		n = len(j.records)
	}
	out := make([]Record, n)
	copy(out, j.records[len(j.records)-n:])
	return out
}
