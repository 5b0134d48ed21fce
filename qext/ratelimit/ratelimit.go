// Package ratelimit is a token bucket extension keyed by client IP.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kardianos/qtrigger/qext"
	"pkt.systems/pslog"
)

// Defaults.
const (
	DefaultLimit       = 100
	DefaultInterval    = 60 * time.Second
	DefaultSweepPeriod = 60 * time.Second
)

// HelperName is the helper under which the limiter is injected.
const HelperName = "rateLimiter"

// ErrLimited is matched by every *LimitError.
var ErrLimited = errors.New("rate limit exceeded")

// LimitError is returned from OnRequestEnd when a client has no tokens left.
type LimitError struct {
	Key      string
	Limit    int
	Interval time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded: client %s has exceeded the rate limit of %d requests every %s. Please try again later.", e.Key, e.Limit, e.Interval)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimited }

// Options configure a Limiter. Zero values select the defaults.
type Options struct {
	Limit       int
	Interval    time.Duration
	SweepPeriod time.Duration
	Logger      pslog.Logger
	// Clock defaults to the wall clock.
	Clock Clock
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// Limiter holds one token bucket per key. Tokens refill in whole units in
// proportion to the time elapsed since the last refill.
type Limiter struct {
	limit    int
	interval time.Duration
	sweep    time.Duration
	log      pslog.Logger
	clock    Clock

	mu      sync.Mutex
	buckets map[string]*bucket

	startOnce sync.Once
}

var (
	_ qext.StartHook      = (*Limiter)(nil)
	_ qext.RequestEndHook = (*Limiter)(nil)
	_ qext.Injector       = (*Limiter)(nil)
)

// New returns a limiter. Call Run, or add it to a server, to start the sweep.
func New(opt Options) *Limiter {
	if opt.Limit <= 0 {
		opt.Limit = DefaultLimit
	}
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.SweepPeriod <= 0 {
		opt.SweepPeriod = DefaultSweepPeriod
	}
	if opt.Logger == nil {
		opt.Logger = pslog.NoopLogger()
	}
	if opt.Clock == nil {
		opt.Clock = wallClock{}
	}
	return &Limiter{
		limit:    opt.Limit,
		interval: opt.Interval,
		sweep:    opt.SweepPeriod,
		log:      opt.Logger,
		clock:    opt.Clock,
		buckets:  make(map[string]*bucket),
	}
}

// Name returns "rate-limiter".
func (l *Limiter) Name() string { return "rate-limiter" }

// Inject exposes the limiter under HelperName.
func (l *Limiter) Inject() map[string]any {
	return map[string]any{HelperName: l}
}

// OnStart starts the sweep loop for the lifetime of ctx. Only the first call
// starts a loop.
func (l *Limiter) OnStart(ctx context.Context, ev *qext.StartEvent) error {
	l.startOnce.Do(func() {
		go l.Run(ctx)
	})
	return nil
}

// OnRequestEnd consumes a token for the request's client IP.
func (l *Limiter) OnRequestEnd(ctx context.Context, ev *qext.ResponseEvent) error {
	key := "*"
	if ev.Request != nil && ev.Request.Client.IP != "" {
		key = ev.Request.Client.IP
	}
	if l.Allow(key) {
		return nil
	}
	return &LimitError{Key: key, Limit: l.limit, Interval: l.interval}
}

// Allow refills the bucket for key and consumes one token if available.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.limit, lastRefill: now}
		l.buckets[key] = b
	}
	elapsed := now.Sub(b.lastRefill)
	if add := int(float64(elapsed) / float64(l.interval) * float64(l.limit)); add > 0 {
		b.tokens = min(b.tokens+add, l.limit)
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the tokens left for key without refilling.
func (l *Limiter) Tokens(key string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return 0, false
	}
	return b.tokens, true
}

// Run sweeps idle buckets every sweep period until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.log.Debug("rate limiter swept idle buckets", "removed", n)
			}
		}
	}
}

// Sweep removes buckets idle for longer than 1.5 intervals and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	idle := l.interval + l.interval/2

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > idle {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}
