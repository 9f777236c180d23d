package gmail

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time control for limiter tests.
type mockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []mockTimer
}

type mockTimer struct {
	deadline time.Time
	ch       chan time.Time
}

func newMockClock() *mockClock {
	return &mockClock{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.current.Add(d)
	if !c.current.Before(deadline) {
		ch <- c.current
		return ch
	}
	c.timers = append(c.timers, mockTimer{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the clock forward and fires any due timers.
func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	var remaining []mockTimer
	for _, t := range c.timers {
		if !c.current.Before(t.deadline) {
			t.ch <- c.current
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
}

func TestOperationCost(t *testing.T) {
	tests := []struct {
		op   Operation
		want int
	}{
		{OpMessagesList, 5},
		{OpMessagesGetRaw, 5},
		{OpMessagesGetLabels, 5},
		{OpMessagesBatchModify, 50},
		{OpProfile, 1},
	}
	for _, tt := range tests {
		if got := tt.op.Cost(); got != tt.want {
			t.Errorf("Cost(%d) = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestNewRateLimiterClamping(t *testing.T) {
	rl := NewRateLimiter(0) // below MinQPS
	if rl.baseRefillRate <= 0 {
		t.Errorf("baseRefillRate = %v, want > 0", rl.baseRefillRate)
	}

	full := NewRateLimiter(100) // above baseline, scale capped at 1.0
	if full.baseRefillRate != DefaultRefillRate {
		t.Errorf("baseRefillRate = %v, want %v", full.baseRefillRate, DefaultRefillRate)
	}
}

func TestAcquireImmediateWhenTokensAvailable(t *testing.T) {
	rl := newRateLimiter(newMockClock(), 5.0)
	if err := rl.Acquire(context.Background(), OpMessagesGetRaw); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := rl.Available(); got != DefaultCapacity-5 {
		t.Errorf("Available = %v, want %v", got, DefaultCapacity-5)
	}
}

func TestAcquireWaitsForRefill(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)
	rl.mu.Lock()
	rl.tokens = 0
	rl.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- rl.Acquire(context.Background(), OpMessagesGetRaw)
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("Acquire never completed")
		default:
			clk.Advance(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)
	rl.mu.Lock()
	rl.tokens = 0
	rl.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rl.Acquire(ctx, OpMessagesGetRaw)
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Acquire = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not observe cancellation")
	}
}

func TestRefillCapsAtCapacity(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)

	clk.Advance(time.Hour)
	if got := rl.Available(); got != DefaultCapacity {
		t.Errorf("Available = %v, want capped at %v", got, DefaultCapacity)
	}
}

func TestThrottleDrainsAndPauses(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)

	rl.Throttle(30 * time.Second)
	if got := rl.Available(); got != 0 {
		t.Errorf("Available after throttle = %v, want 0", got)
	}

	// No refill inside the throttle window.
	clk.Advance(10 * time.Second)
	if got := rl.Available(); got != 0 {
		t.Errorf("Available mid-throttle = %v, want 0", got)
	}

	// After the window, refill resumes at the reduced rate first,
	// restored to base on the next refill pass.
	clk.Advance(25 * time.Second)
	if got := rl.Available(); got <= 0 {
		t.Errorf("Available post-throttle = %v, want > 0", got)
	}
}

func TestThrottleNeverShortens(t *testing.T) {
	clk := newMockClock()
	rl := newRateLimiter(clk, 5.0)

	rl.Throttle(60 * time.Second)
	first := rl.throttledUntil
	rl.Throttle(10 * time.Second)
	if rl.throttledUntil != first {
		t.Errorf("shorter throttle replaced longer window: %v -> %v", first, rl.throttledUntil)
	}
}

func TestNilClockPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil clock")
		}
	}()
	newRateLimiter(nil, 5.0)
}
