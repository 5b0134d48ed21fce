package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kardianos/qtrigger/qext"
)

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAllowRefill(t *testing.T) {
	clk := &fakeClock{t: testStart}

	l := New(Options{Limit: 2, Interval: 1000 * time.Millisecond, Clock: clk})
	if !l.Allow("1.2.3.4") || !l.Allow("1.2.3.4") {
		t.Fatal("first two requests must be allowed")
	}
	clk.Advance(300 * time.Millisecond)
	if l.Allow("1.2.3.4") {
		t.Fatal("third request within the interval must be denied")
	}
	if !l.Allow("5.6.7.8") {
		t.Fatal("other keys have their own bucket")
	}

	clk.Advance(700 * time.Millisecond)
	if !l.Allow("1.2.3.4") {
		t.Fatal("request after a full interval must be allowed")
	}
	if tokens, _ := l.Tokens("1.2.3.4"); tokens != 1 {
		t.Fatalf("tokens = %d, want 1", tokens)
	}
}

func TestRefillKeepsFractionalTime(t *testing.T) {
	clk := &fakeClock{t: testStart}

	l := New(Options{Limit: 2, Interval: 1000 * time.Millisecond, Clock: clk})
	l.Allow("k")
	l.Allow("k")

	// 400ms is 0.8 of a token: nothing is added and lastRefill stays put.
	clk.Advance(400 * time.Millisecond)
	if l.Allow("k") {
		t.Fatal("no whole token should be available")
	}
	// Another 100ms makes 500ms since the last refill, one whole token.
	clk.Advance(100 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("accumulated time must produce a token")
	}
}

func TestTokensCapped(t *testing.T) {
	clk := &fakeClock{t: testStart}

	l := New(Options{Limit: 3, Interval: time.Second, Clock: clk})
	l.Allow("k")
	clk.Advance(time.Hour)
	l.Allow("k")
	if tokens, _ := l.Tokens("k"); tokens != 2 {
		t.Fatalf("tokens = %d, want 2", tokens)
	}
}

func TestSweep(t *testing.T) {
	clk := &fakeClock{t: testStart}

	l := New(Options{Limit: 1, Interval: time.Second, Clock: clk})
	l.Allow("old")
	clk.Advance(time.Second)
	l.Allow("new")
	clk.Advance(600 * time.Millisecond)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, ok := l.Tokens("old"); ok {
		t.Fatal("idle bucket kept")
	}
	if _, ok := l.Tokens("new"); !ok {
		t.Fatal("active bucket removed")
	}
}

func TestOnRequestEnd(t *testing.T) {
	clk := &fakeClock{t: testStart}

	l := New(Options{Limit: 1, Interval: time.Minute, Clock: clk})
	ctx := context.Background()
	ev := &qext.ResponseEvent{Request: &qext.RequestEvent{Trigger: "add"}}
	if err := l.OnRequestEnd(ctx, ev); err != nil {
		t.Fatal(err)
	}
	err := l.OnRequestEnd(ctx, ev)
	var le *LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	if le.Key != "*" || !errors.Is(err, ErrLimited) {
		t.Fatalf("unexpected error %+v", le)
	}

	ev.Request.Client.IP = "10.0.0.1"
	if err := l.OnRequestEnd(ctx, ev); err != nil {
		t.Fatalf("distinct IP must have its own bucket: %v", err)
	}
}

func TestConcurrentAllow(t *testing.T) {
	clk := &fakeClock{t: testStart}

	l := New(Options{Limit: 50, Interval: time.Hour, Clock: clk})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("k") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Fatalf("allowed %d, want 50", allowed)
	}
}

func TestDefaultsAndInject(t *testing.T) {
	l := New(Options{})
	if l.limit != DefaultLimit || l.interval != DefaultInterval {
		t.Fatalf("defaults not applied: %d %s", l.limit, l.interval)
	}
	if l.Inject()[HelperName] != l {
		t.Fatal("limiter not injected")
	}
}
