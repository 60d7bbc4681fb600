// Copyright 2024-2026 Aiku AI

package dispatch

import (
	"reflect"
	"testing"
)

func TestSinkSet(t *testing.T) {
	t.Parallel()
	s := NewSinkSet(&recordingSink{name: "push"}, nil, &recordingSink{name: "webhook"})
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	replacement := &recordingSink{name: "push"}
	s.Add(replacement)
	if s.Len() != 2 {
		t.Errorf("re-adding a name should replace, Len() = %d", s.Len())
	}
	if s.Snapshot()[0] != Sink(replacement) {
		t.Error("replacement should keep the original position")
	}

	snap := s.Snapshot()
	if !s.Remove("webhook") {
		t.Error("Remove(webhook) should report true")
	}
	if s.Remove("webhook") {
		t.Error("second Remove should report false")
	}
	if len(snap) != 2 {
		t.Error("earlier snapshot must not change")
	}
	if got := s.Names(); !reflect.DeepEqual(got, []string{"push"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestSinkSet_Nil(t *testing.T) {
	t.Parallel()
	var s *SinkSet
	if s.Len() != 0 || s.Snapshot() != nil {
		t.Error("nil set should be empty")
	}
}
