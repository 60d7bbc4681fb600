// Copyright 2024-2026 Aiku AI

// Package dispatch filters session events and fans them out to sinks.
//
// An event passes two independent checks before delivery: origin suppression
// (message-family events caused by the session itself or echoed back through
// a channel are dropped) and the operator-configured [Gate]. Survivors are
// handed to every sink in the [SinkSet]. Sink failures stop at the
// [Dispatcher]; the event source never sees them.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Event is one session event on its way to the sinks.
// Origin is combined with what the payload reports about itself; the
// stricter of the two wins.
type Event struct {
	SessionID string
	Kind      EventKind
	Payload   any
	Origin    Origin
}

// DeliveryError wraps a failure of a single sink for a single event.
type DeliveryError struct {
	Sink      string
	SessionID string
	Kind      EventKind
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s for session %s to %s: %v", e.Kind, e.SessionID, e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Dispatcher applies suppression and gating, then delivers to sinks.
// It holds no per-call state and is safe for concurrent use.
type Dispatcher struct {
	gate  *Gate
	sinks *SinkSet
	log   zerolog.Logger
}

func NewDispatcher(gate *Gate, sinks *SinkSet, log zerolog.Logger) *Dispatcher {
	if sinks == nil {
		sinks = NewSinkSet()
	}
	return &Dispatcher{
		gate:  gate,
		sinks: sinks,
		log:   log.With().Str("component", "dispatcher").Logger(),
	}
}

func (d *Dispatcher) Gate() *Gate {
	return d.gate
}

func (d *Dispatcher) Sinks() *SinkSet {
	return d.sinks
}

// Dispatch delivers evt to every registered sink at most once. It never
// returns an error and never panics because of a sink.
func (d *Dispatcher) Dispatch(ctx context.Context, evt Event) {
	sinks := d.sinks.Snapshot()
	if len(sinks) == 0 {
		return
	}

	origin := Stricter(evt.Origin, PayloadOrigin(evt.Payload))
	if Suppressed(evt.Kind, origin) {
		d.log.Debug().
			Str("session_id", evt.SessionID).
			Str("event_kind", string(evt.Kind)).
			Stringer("origin", origin).
			Msg("Suppressing self-originated event")
		return
	}

	if !d.gate.IsEnabled(evt.Kind) {
		d.log.Debug().
			Str("session_id", evt.SessionID).
			Str("event_kind", string(evt.Kind)).
			Msg("Event kind disabled, dropping")
		return
	}

	delivery := Delivery{SessionID: evt.SessionID, Kind: evt.Kind, Payload: evt.Payload}
	for _, sink := range sinks {
		if err := d.deliver(ctx, sink, delivery); err != nil {
			d.log.Warn().Err(err).
				Str("session_id", evt.SessionID).
				Str("event_kind", string(evt.Kind)).
				Str("sink", sink.Name()).
				Msg("Failed to deliver event")
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, delivery Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &DeliveryError{
				Sink:      sink.Name(),
				SessionID: delivery.SessionID,
				Kind:      delivery.Kind,
				Err:       fmt.Errorf("sink panicked: %v", p),
			}
		}
	}()
	if err := sink.Deliver(ctx, delivery); err != nil {
		return &DeliveryError{
			Sink:      sink.Name(),
			SessionID: delivery.SessionID,
			Kind:      delivery.Kind,
			Err:       err,
		}
	}
	return nil
}
