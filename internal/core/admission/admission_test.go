package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testLimits() Limits {
	return Limits{
		MaxBodyBytes:      120,
		RequestsPerWindow: 2,
		Window:            time.Minute,
		MaxConcurrent:     1,
		MaxTrackedOrigins: 100,
		SweepInterval:     time.Minute,
	}
}

func newController(t *testing.T, limits Limits, clock *fakeClock) *Controller {
	t.Helper()
	c, err := New(limits, WithClock(clock.Now))
	require.NoError(t, err)
	return c
}

func admitAndRelease(t *testing.T, c *Controller, origin string) Decision {
	t.Helper()
	d := c.Admit(context.Background(), 10, origin)
	if d.Admitted {
		d.Release()
	}
	return d
}

func TestNewRejectsInvalidLimits(t *testing.T) {
	base := testLimits()

	cases := map[string]func(*Limits){
		"zero body":        func(l *Limits) { l.MaxBodyBytes = 0 },
		"zero rate":        func(l *Limits) { l.RequestsPerWindow = 0 },
		"zero window":      func(l *Limits) { l.Window = 0 },
		"zero concurrency": func(l *Limits) { l.MaxConcurrent = 0 },
		"negative wait":    func(l *Limits) { l.SlotWait = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			limits := base
			mutate(&limits)
			_, err := New(limits)
			require.Error(t, err)
		})
	}
}

func TestAdmit_TooLarge(t *testing.T) {
	clock := newFakeClock()
	c := newController(t, testLimits(), clock)

	d := c.Admit(context.Background(), 170, "10.0.0.1")
	assert.False(t, d.Admitted)
	assert.Equal(t, TooLarge, d.Reason)
	assert.Nil(t, d.Release)

	// size failures do not touch the counter table
	stats := c.Stats()
	assert.Equal(t, 0, stats.TrackedOrigins)
	assert.Equal(t, uint64(1), stats.TooLarge)

	// exactly at the cap is fine
	d = c.Admit(context.Background(), 120, "10.0.0.1")
	require.True(t, d.Admitted)
	d.Release()
}

func TestAdmit_UnknownSizeSkipsSizeCheck(t *testing.T) {
	c := newController(t, testLimits(), newFakeClock())

	d := c.Admit(context.Background(), -1, "10.0.0.1")
	require.True(t, d.Admitted)
	d.Release()
}

func TestAdmit_RateLimitWithinWindow(t *testing.T) {
	clock := newFakeClock()
	c := newController(t, testLimits(), clock)

	assert.True(t, admitAndRelease(t, c, "10.0.0.1").Admitted)
	clock.Advance(10 * time.Second)
	assert.True(t, admitAndRelease(t, c, "10.0.0.1").Admitted)
	clock.Advance(10 * time.Second)

	d := admitAndRelease(t, c, "10.0.0.1")
	assert.False(t, d.Admitted)
	assert.Equal(t, RateLimited, d.Reason)
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	// other origins are independent
	assert.True(t, admitAndRelease(t, c, "10.0.0.2").Admitted)
}

func TestAdmit_WindowResets(t *testing.T) {
	clock := newFakeClock()
	c := newController(t, testLimits(), clock)

	for i := 0; i < 2; i++ {
		require.True(t, admitAndRelease(t, c, "origin").Admitted)
	}
	require.False(t, admitAndRelease(t, c, "origin").Admitted)

	clock.Advance(59 * time.Second)
	require.False(t, admitAndRelease(t, c, "origin").Admitted)

	// the boundary itself starts a new window
	clock.Advance(time.Second)
	assert.True(t, admitAndRelease(t, c, "origin").Admitted)
	assert.True(t, admitAndRelease(t, c, "origin").Admitted)
	assert.False(t, admitAndRelease(t, c, "origin").Admitted)
}

func TestAdmit_RejectedRequestsStillCount(t *testing.T) {
	clock := newFakeClock()
	limits := testLimits()
	limits.RequestsPerWindow = 1
	c := newController(t, limits, clock)

	require.True(t, admitAndRelease(t, c, "origin").Admitted)
	for i := 0; i < 5; i++ {
		require.False(t, admitAndRelease(t, c, "origin").Admitted)
	}

	c.mu.Lock()
	count := c.origins["origin"].count
	c.mu.Unlock()
	assert.Equal(t, 6, count)
}

func TestAdmit_OverloadedUntilRelease(t *testing.T) {
	clock := newFakeClock()
	limits := testLimits()
	limits.RequestsPerWindow = 10
	c := newController(t, limits, clock)

	held := c.Admit(context.Background(), 10, "a")
	require.True(t, held.Admitted)
	assert.Equal(t, int64(1), c.Stats().SlotsInUse)

	d := c.Admit(context.Background(), 10, "b")
	assert.False(t, d.Admitted)
	assert.Equal(t, Overloaded, d.Reason)
	assert.Equal(t, time.Second, d.RetryAfter)

	held.Release()
	assert.Equal(t, int64(0), c.Stats().SlotsInUse)

	d = c.Admit(context.Background(), 10, "b")
	require.True(t, d.Admitted)
	d.Release()
}

func TestAdmit_ReleaseIsIdempotent(t *testing.T) {
	limits := testLimits()
	limits.RequestsPerWindow = 10
	limits.MaxConcurrent = 2
	c := newController(t, limits, newFakeClock())

	first := c.Admit(context.Background(), 10, "a")
	second := c.Admit(context.Background(), 10, "a")
	require.True(t, first.Admitted)
	require.True(t, second.Admitted)

	first.Release()
	first.Release()
	first.Release()
	assert.Equal(t, int64(1), c.Stats().SlotsInUse)

	// a double release must not free a slot that second still holds
	third := c.Admit(context.Background(), 10, "a")
	require.True(t, third.Admitted)
	assert.False(t, c.Admit(context.Background(), 10, "a").Admitted)

	second.Release()
	third.Release()
	assert.Equal(t, int64(0), c.Stats().SlotsInUse)
}

func TestAdmit_SlotWaitTimesOut(t *testing.T) {
	limits := testLimits()
	limits.RequestsPerWindow = 10
	limits.SlotWait = 20 * time.Millisecond
	c, err := New(limits)
	require.NoError(t, err)

	held := c.Admit(context.Background(), 10, "a")
	require.True(t, held.Admitted)
	defer held.Release()

	start := time.Now()
	d := c.Admit(context.Background(), 10, "b")
	elapsed := time.Since(start)

	assert.Equal(t, Overloaded, d.Reason)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestAdmit_SlotWaitSucceedsWhenReleased(t *testing.T) {
	limits := testLimits()
	limits.RequestsPerWindow = 10
	limits.SlotWait = 2 * time.Second
	c, err := New(limits)
	require.NoError(t, err)

	held := c.Admit(context.Background(), 10, "a")
	require.True(t, held.Admitted)

	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	d := c.Admit(context.Background(), 10, "b")
	require.True(t, d.Admitted)
	d.Release()
}

func TestAdmit_SlotWaitHonorsContext(t *testing.T) {
	limits := testLimits()
	limits.RequestsPerWindow = 10
	limits.SlotWait = time.Minute
	c, err := New(limits)
	require.NoError(t, err)

	held := c.Admit(context.Background(), 10, "a")
	require.True(t, held.Admitted)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := c.Admit(ctx, 10, "b")
	assert.Equal(t, Overloaded, d.Reason)
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	c := newController(t, testLimits(), clock)

	admitAndRelease(t, c, "old")
	clock.Advance(90 * time.Second)
	admitAndRelease(t, c, "recent")

	// "old" window ended 30s ago, not yet a full window
	assert.Equal(t, 0, c.Sweep())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Stats().TrackedOrigins)
}

func TestAdmit_TrackedOriginCap(t *testing.T) {
	clock := newFakeClock()
	limits := testLimits()
	limits.MaxTrackedOrigins = 2
	c := newController(t, limits, clock)

	require.True(t, admitAndRelease(t, c, "a").Admitted)
	require.True(t, admitAndRelease(t, c, "b").Admitted)

	d := admitAndRelease(t, c, "c")
	assert.False(t, d.Admitted)
	assert.Equal(t, RateLimited, d.Reason)
	assert.Equal(t, 2, c.Stats().TrackedOrigins)

	// known origins keep working while the table is full
	assert.True(t, admitAndRelease(t, c, "a").Admitted)

	// once the old windows are stale the inline sweep frees room
	clock.Advance(2 * time.Minute)
	assert.True(t, admitAndRelease(t, c, "c").Admitted)
	assert.Equal(t, 1, c.Stats().TrackedOrigins)
}

func TestAdmit_TrackedOriginCapEvictsEndedWindows(t *testing.T) {
	clock := newFakeClock()
	limits := testLimits()
	limits.MaxTrackedOrigins = 1
	c := newController(t, limits, clock)

	require.True(t, admitAndRelease(t, c, "a").Admitted)

	// "a" window ended 30s ago; a plain Sweep would still keep it
	clock.Advance(90 * time.Second)
	d := admitAndRelease(t, c, "b")
	assert.True(t, d.Admitted)
	assert.Equal(t, 1, c.Stats().TrackedOrigins)

	// a live window still fails closed
	d = admitAndRelease(t, c, "c")
	assert.False(t, d.Admitted)
	assert.Equal(t, RateLimited, d.Reason)
}

func TestAdmit_ConcurrentSameOrigin(t *testing.T) {
	limits := testLimits()
	limits.RequestsPerWindow = 50
	limits.MaxConcurrent = 200
	c := newController(t, limits, newFakeClock())

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := c.Admit(context.Background(), 10, "flood")
			if d.Admitted {
				admitted.Add(1)
				d.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
	stats := c.Stats()
	assert.Equal(t, int64(0), stats.SlotsInUse)
	assert.Equal(t, uint64(150), stats.RateLimited)
}

func TestAdmit_ConcurrencyCeiling(t *testing.T) {
	limits := testLimits()
	limits.RequestsPerWindow = 1000
	limits.MaxConcurrent = 3
	c, err := New(limits)
	require.NoError(t, err)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := c.Admit(context.Background(), 10, fmt.Sprintf("o-%d", i%7))
			if !d.Admitted {
				return
			}
			defer d.Release()
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(0), c.Stats().SlotsInUse)
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "too_large", TooLarge.String())
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "overloaded", Overloaded.String())
	assert.Equal(t, "admitted", ReasonNone.String())
}
