// Package deadletter implements the bounded FIFO sink for terminally
// failed actions, per spec.md §4.6.
package deadletter

import (
	"sync"
	"time"
)

// Entry is one terminally-failed dispatch.
type Entry struct {
	ActionID   string
	Namespace  string
	Tenant     string
	Provider   string
	ActionKind string
	Error      string
	Attempts   int
	Timestamp  time.Time
}

// Stats summarizes the sink's current state, for dlq_stats.
type Stats struct {
	Length  int
	Enabled bool
}

// Sink is a mutex-guarded, capacity-bounded FIFO. Pushing past capacity
// discards the oldest entry, per spec.md §5's overflow policy for the DLQ.
type Sink struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	enabled  bool
	onDrop   func(Entry)
}

// New returns a Sink bounded to capacity entries. onDrop, if non-nil, is
// called (outside the lock) whenever an overflow silently discards the
// oldest entry, so callers can log it.
func New(capacity int, onDrop func(Entry)) *Sink {
	return &Sink{capacity: capacity, enabled: true, onDrop: onDrop}
}

// Push appends e, dropping the oldest entry if at capacity. A disabled
// sink silently discards pushes.
func (s *Sink) Push(e Entry) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	var dropped *Entry
	if s.capacity > 0 && len(s.entries) >= s.capacity {
		d := s.entries[0]
		dropped = &d
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	if dropped != nil && s.onDrop != nil {
		s.onDrop(*dropped)
	}
}

// Stats reports the sink's current length.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Length: len(s.entries), Enabled: s.enabled}
}

// Drain atomically returns every entry currently held and clears the sink,
// for dlq_drain.
func (s *Sink) Drain() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.entries
	s.entries = nil
	return out
}

// SetEnabled toggles whether the sink accepts pushes; a disabled sink
// silently drops pushes (surfaced via dlq_stats.Enabled=false), for
// operator-directed maintenance windows.
func (s *Sink) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}
