package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, max int, window time.Duration) (*AttemptLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)}
	l := NewAttemptLimiter(max, window, WithClock(clock.Now), WithLogger(zaptest.NewLogger(t)))
	return l, clock
}

func TestAttemptLimiter_CheckAndRecord(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.CheckAndRecord("10.0.0.1"), "attempt %d should be allowed", i+1)
	}
	assert.False(t, l.CheckAndRecord("10.0.0.1"), "fourth attempt should be blocked")
}

func TestAttemptLimiter_WindowExpiry(t *testing.T) {
	l, clock := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndRecord("10.0.0.1"))
	}
	require.False(t, l.CheckAndRecord("10.0.0.1"))

	clock.Advance(61 * time.Second)
	assert.True(t, l.CheckAndRecord("10.0.0.1"))
}

func TestAttemptLimiter_DeniedAttemptsDoNotExtendLockout(t *testing.T) {
	l, clock := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndRecord("10.0.0.1"))
	}
	for _, step := range []time.Duration{30 * time.Second, 10 * time.Second, 10 * time.Second} {
		clock.Advance(step)
		require.False(t, l.CheckAndRecord("10.0.0.1"))
	}

	// 61s after the allowed attempts, retries made while throttled are forgotten
	clock.Advance(11 * time.Second)
	assert.True(t, l.CheckAndRecord("10.0.0.1"))
	assert.Equal(t, 2, l.Remaining("10.0.0.1"))
}

func TestAttemptLimiter_TrailingWindow(t *testing.T) {
	l, clock := newTestLimiter(t, 2, time.Minute)

	require.True(t, l.CheckAndRecord("id"))
	clock.Advance(40 * time.Second)
	require.True(t, l.CheckAndRecord("id"))
	clock.Advance(30 * time.Second)

	// first attempt has left the window, second has not
	assert.True(t, l.CheckAndRecord("id"))
	assert.False(t, l.CheckAndRecord("id"))
}

func TestAttemptLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 4; i++ {
		l.CheckAndRecord("10.0.0.1")
	}
	require.False(t, l.CheckAndRecord("10.0.0.1"))

	l.Reset("10.0.0.1")
	assert.True(t, l.CheckAndRecord("10.0.0.1"))
}

func TestAttemptLimiter_IdentitiesIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)

	assert.True(t, l.CheckAndRecord("a"))
	assert.False(t, l.CheckAndRecord("a"))
	assert.True(t, l.CheckAndRecord("b"))
}

func TestAttemptLimiter_Remaining(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	assert.Equal(t, 3, l.Remaining("x"))
	l.CheckAndRecord("x")
	assert.Equal(t, 2, l.Remaining("x"))
	for i := 0; i < 5; i++ {
		l.CheckAndRecord("x")
	}
	assert.Equal(t, 0, l.Remaining("x"))
}

func TestAttemptLimiter_Defaults(t *testing.T) {
	l := NewAttemptLimiter(0, 0)
	assert.Equal(t, DefaultMaxAttempts, l.maxAttempts)
	assert.Equal(t, DefaultWindow, l.window)
}

func TestAttemptLimiter_Prune(t *testing.T) {
	l, clock := newTestLimiter(t, 3, time.Minute)

	l.CheckAndRecord("a")
	l.CheckAndRecord("b")
	clock.Advance(30 * time.Second)
	l.CheckAndRecord("c")
	require.Equal(t, 3, l.Tracked())

	clock.Advance(45 * time.Second)
	assert.Equal(t, 2, l.Prune())
	assert.Equal(t, 1, l.Tracked())
}

func TestAttemptLimiter_Concurrent(t *testing.T) {
	l := NewAttemptLimiter(50, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndRecord("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestAttemptLimiter_StartCleanupWorker(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.StartCleanupWorker(ctx, 10*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup worker did not stop")
	}
}
