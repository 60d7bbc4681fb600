// Copyright 2024-2026 Aiku AI

// Package webhook delivers dispatched events as signed HTTP POSTs.
//
// Deliver only enqueues; a fixed pool of workers performs the requests. A
// failed request is logged and forgotten. There is no retry and no
// persistence, so a full queue or a crash loses events.
package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
)

// SinkName is the name the sink registers under in a dispatch.SinkSet.
const SinkName = "webhook"

var (
	ErrQueueFull = errors.New("webhook: delivery queue is full")
	ErrStopped   = errors.New("webhook: sink is stopped")
)

// Options configures a Sink.
type Options struct {
	URL       string
	APIKey    string
	Timeout   time.Duration
	Workers   int
	QueueSize int
	// ResolveURL returns a per-session override URL, or "" to use URL.
	ResolveURL func(sessionID string) string
}

type job struct {
	url  string
	body Body
}

// Sink is a dispatch.Sink backed by a bounded queue and a worker pool.
type Sink struct {
	opts   Options
	sender *Sender
	log    zerolog.Logger

	mu      sync.RWMutex
	queue   chan job
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ dispatch.Sink = (*Sink)(nil)

func NewSink(opts Options, log zerolog.Logger) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Sink{
		opts:   opts,
		sender: NewSender(opts.Timeout, opts.APIKey),
		log:    log.With().Str("component", "webhook").Logger(),
		queue:  make(chan job, opts.QueueSize),
	}
}

func (s *Sink) Name() string {
	return SinkName
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (s *Sink) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}
}

// Stop closes the queue, lets the workers finish what is already queued and
// waits for them. Deliver returns ErrStopped afterwards.
func (s *Sink) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
	if s.cancel != nil {
		s.cancel()
	}
}

// Deliver enqueues the event without waiting for the HTTP request. Sessions
// without a target URL are skipped.
func (s *Sink) Deliver(_ context.Context, d dispatch.Delivery) error {
	url := s.opts.URL
	if s.opts.ResolveURL != nil {
		if override := s.opts.ResolveURL(d.SessionID); override != "" {
			url = override
		}
	}
	if url == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.queue <- job{url: url, body: Body{DataType: string(d.Kind), Data: d.Payload, SessionID: d.SessionID}}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Sink) worker(ctx context.Context) {
	for j := range s.queue {
		deliveryID, err := s.sender.Send(ctx, j.url, j.body)
		if err != nil {
			s.log.Warn().Err(err).
				Str("delivery_id", deliveryID).
				Str("session_id", j.body.SessionID).
				Str("event_kind", j.body.DataType).
				Msg("Webhook delivery failed")
			continue
		}
		s.log.Trace().
			Str("delivery_id", deliveryID).
			Str("session_id", j.body.SessionID).
			Str("event_kind", j.body.DataType).
			Msg("Webhook delivered")
	}
}
