// Package stats implements the named-counter store populated during a sync
// cycle and flushed to an external sink once per supervisor iteration.
package stats

import (
	"log/slog"
	"maps"
	"sync"
)

// Stats is a set of named counters. Counter names are declared up front;
// incrementing an undeclared name is a programming error and is logged and
// dropped unless IncrementNew is used.
type Stats struct {
	mu       sync.Mutex
	counters map[string]float64
}

// New creates a store with the given counter names predeclared at zero.
func New(names ...string) *Stats {
	s := &Stats{counters: make(map[string]float64, len(names))}
	for _, name := range names {
		s.counters[name] = 0
	}
	return s
}

// Drop resets every known counter to zero. Counter names created on demand
// stay declared so sinks keep reporting them.
func (s *Stats) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.counters {
		s.counters[name] = 0
	}
}

// Increment adds one to a predeclared counter. Unknown names are logged and
// ignored; use IncrementNew for counters minted at runtime.
func (s *Stats) Increment(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[name]; !ok {
		slog.Error("increment of undeclared counter", "name", name)
		return
	}
	s.counters[name]++
}

// IncrementNew adds one to a counter, declaring it on first use. Used for
// error-kind counters whose names are not known up front.
func (s *Stats) IncrementNew(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
}

// Set overwrites a counter value, declaring the name when missing.
func (s *Stats) Set(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] = value
}

// Get returns the current value of a counter, zero when undeclared.
func (s *Stats) Get(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Snapshot returns a copy of all counters. Sinks read this once per cycle.
func (s *Stats) Snapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.counters)
}

// Sink receives one snapshot per completed supervisor iteration.
type Sink interface {
	Flush(project string, counters map[string]float64)
}
