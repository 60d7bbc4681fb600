// Copyright 2024-2026 Aiku AI

package dispatch

import (
	"context"
	"slices"
	"sync"
)

// Delivery is what a sink receives for one dispatched event. The origin is
// never passed on; suppressed events do not get this far.
type Delivery struct {
	SessionID string
	Kind      EventKind
	Payload   any
}

// Sink is a downstream consumer of dispatched events. Deliver must not block
// on network I/O; implementations hand the delivery to their own buffers or
// workers and return.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, d Delivery) error
}

// SinkSet is the registry of active sinks. Sinks are keyed by Name, so adding
// a sink with an existing name replaces the old one.
type SinkSet struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewSinkSet(sinks ...Sink) *SinkSet {
	s := &SinkSet{}
	for _, sink := range sinks {
		s.Add(sink)
	}
	return s
}

func (s *SinkSet) Add(sink Sink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.sinks {
		if existing.Name() == sink.Name() {
			s.sinks[i] = sink
			return
		}
	}
	s.sinks = append(s.sinks, sink)
}

// Remove drops the sink with the given name and reports whether it existed.
func (s *SinkSet) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.sinks {
		if existing.Name() == name {
			s.sinks = slices.Delete(s.sinks, i, i+1)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current sinks. Callers may iterate it while
// the set is modified concurrently.
func (s *SinkSet) Snapshot() []Sink {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sinks)
}

func (s *SinkSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

func (s *SinkSet) Names() []string {
	snap := s.Snapshot()
	names := make([]string, len(snap))
	for i, sink := range snap {
		names[i] = sink.Name()
	}
	return names
}
