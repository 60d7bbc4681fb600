// Copyright 2024-2026 Aiku AI

// Package readiness polls dynamically populated state until a nested field
// appears.
//
// Prefer an explicit readiness signal when the owner of the state can
// provide one. Await exists for state owned by code that never announces
// when it is done, such as a third-party client library that fills in
// connection details from its own goroutines.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default poll settings used when Options leaves them zero.
const (
	DefaultMaxWait  = 30 * time.Second
	DefaultInterval = 100 * time.Millisecond
)

// ErrTimeout is matched by every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("readiness: wait timed out")

// TimeoutError is returned by Await when the path did not become present
// before the deadline.
type TimeoutError struct {
	Path    string
	Elapsed time.Duration
	MaxWait time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("readiness: %q not present after %s (max wait %s)", e.Path, e.Elapsed.Round(time.Millisecond), e.MaxWait)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Options controls a single wait.
type Options struct {
	// MaxWait bounds the whole wait. Zero means DefaultMaxWait.
	MaxWait time.Duration
	// Interval is the poll period. Zero means DefaultInterval.
	Interval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Await returns nil as soon as Lookup(root, path) finds a value. The path is
// re-walked from the root on every tick, so intermediate objects may be
// replaced while waiting. It returns a *TimeoutError once MaxWait has
// elapsed, or ctx.Err() if ctx is done first.
func Await(ctx context.Context, root any, path string, opts Options) error {
	opts = opts.withDefaults()
	start := time.Now()
	if _, ok := Lookup(root, path); ok {
		return nil
	}

	deadline := time.NewTimer(opts.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			// One last look so a value that landed on the final tick isn't
			// reported as a timeout.
			if _, ok := Lookup(root, path); ok {
				return nil
			}
			return &TimeoutError{Path: path, Elapsed: time.Since(start), MaxWait: opts.MaxWait}
		case <-ticker.C:
			if _, ok := Lookup(root, path); ok {
				return nil
			}
		}
	}
}

// AwaitAsync runs Await on its own goroutine. The returned channel receives
// exactly one value and is buffered, so abandoning it does not leak the
// goroutine past the deadline or ctx cancellation.
func AwaitAsync(ctx context.Context, root any, path string, opts Options) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- Await(ctx, root, path, opts)
	}()
	return result
}
