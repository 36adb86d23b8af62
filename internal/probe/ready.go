// Package probe checks reachability of TCP endpoints: the proxy's local
// SOCKS listener during session start, and remote servers for latency.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotReady is returned by WaitReady when every attempt failed.
var ErrNotReady = errors.New("endpoint not ready")

const (
	DefaultAttempts    = 10
	DefaultInterval    = 500 * time.Millisecond
	DefaultDialTimeout = 50 * time.Millisecond
)

// Options bounds WaitReady. Zero fields take the package defaults.
type Options struct {
	Attempts    int
	Interval    time.Duration
	DialTimeout time.Duration

	// Dial overrides the dialer, for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Dial == nil {
		d := &net.Dialer{}
		o.Dial = d.DialContext
	}
	return o
}

// WaitReady dials addr until a TCP connection succeeds, closing it at once.
// Attempts start on a fixed Interval schedule and the whole poll is bounded
// by Attempts*Interval, so slow dials never stretch it. The returned error
// wraps ErrNotReady and the last dial error, or is ctx.Err() on
// cancellation.
func WaitReady(ctx context.Context, addr string, opts Options) error {
	opts = opts.withDefaults()

	pollCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.Attempts)*opts.Interval)
	defer cancel()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var lastErr error
	attempts := 0
	for attempts < opts.Attempts {
		attempts++
		dialCtx, cancelDial := context.WithTimeout(pollCtx, opts.DialTimeout)
		conn, err := opts.Dial(dialCtx, "tcp", addr)
		cancelDial()
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if pollCtx.Err() != nil || attempts == opts.Attempts {
			break
		}

		select {
		case <-pollCtx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if pollCtx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrNotReady, addr, attempts, lastErr)
}
