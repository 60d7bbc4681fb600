// Copyright 2024-2026 Aiku AI

package dispatch

import (
	"slices"
	"strings"
)

// Gate answers whether an event kind is enabled for this deployment. It is
// built once at startup and never mutated, so it is safe for concurrent use.
// A nil *Gate enables every kind.
type Gate struct {
	disabled map[EventKind]struct{}
}

// NewGate builds a Gate with the given kinds disabled. Empty names are
// ignored.
func NewGate(disabled []EventKind) *Gate {
	g := &Gate{disabled: make(map[EventKind]struct{}, len(disabled))}
	for _, k := range disabled {
		k = normalizeKind(k)
		if k == "" {
			continue
		}
		g.disabled[k] = struct{}{}
	}
	return g
}

// IsEnabled reports whether kind may be delivered. Kinds the gate has never
// heard of are enabled.
func (g *Gate) IsEnabled(kind EventKind) bool {
	if g == nil {
		return true
	}
	_, off := g.disabled[normalizeKind(kind)]
	return !off
}

// Disabled returns the disabled kinds, sorted.
func (g *Gate) Disabled() []EventKind {
	if g == nil {
		return nil
	}
	out := make([]EventKind, 0, len(g.disabled))
	for k := range g.disabled {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// ParseKinds splits a "|" or "," separated kind list, as found in the
// RELAY_DISABLED_EVENTS environment variable.
func ParseKinds(s string) []EventKind {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == ','
	})
	out := make([]EventKind, 0, len(fields))
	for _, f := range fields {
		if k := normalizeKind(EventKind(f)); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func normalizeKind(k EventKind) EventKind {
	return EventKind(strings.ToLower(strings.TrimSpace(string(k))))
}
