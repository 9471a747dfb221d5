// Package ratelimit bounds outbound requests to one price source.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	defaultWindow = time.Minute
	defaultBuffer = 100 * time.Millisecond
)

// Limiter keeps the timestamps of tokens issued in the trailing window and
// never issues more than limit of them inside any window-long interval.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	buffer time.Duration
	tokens []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep overrides how Wait blocks. The function must return ctx.Err()
// when ctx is done before d elapses.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithWindow overrides the 60s window.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithBuffer overrides the extra delay added after the oldest token expires.
func WithBuffer(d time.Duration) Option {
	return func(l *Limiter) { l.buffer = d }
}

// New creates a limiter issuing at most requestsPerMinute tokens per window.
// Values below 1 are treated as 1.
func New(requestsPerMinute int, opts ...Option) *Limiter {
	l := &Limiter{
		limit:  max(requestsPerMinute, 1),
		window: defaultWindow,
		buffer: defaultBuffer,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, o := range opts {
		o(l)
	}
	l.tokens = make([]time.Time, 0, l.limit)
	return l
}

// Wait blocks until a token is available, then records it. It returns
// ctx.Err() if ctx is done while waiting.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.tokens) < l.limit {
			l.tokens = append(l.tokens, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.waitLocked(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// WouldExceedLimit reports whether Wait would block right now.
func (l *Limiter) WouldExceedLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.tokens) >= l.limit
}

// WaitTime returns how long Wait would sleep before retrying, or 0.
func (l *Limiter) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	if len(l.tokens) < l.limit {
		return 0
	}
	return l.waitLocked(now)
}

// Reset forgets all issued tokens.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = l.tokens[:0]
}

// Len returns the number of tokens in the current window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.tokens)
}

// Limit returns the configured tokens per window.
func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) prune(now time.Time) {
	i := 0
	for i < len(l.tokens) && now.Sub(l.tokens[i]) >= l.window {
		i++
	}
	if i > 0 {
		l.tokens = append(l.tokens[:0], l.tokens[i:]...)
	}
}

func (l *Limiter) waitLocked(now time.Time) time.Duration {
	d := l.tokens[0].Add(l.window).Sub(now) + l.buffer
	if d < 0 {
		return 0
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
