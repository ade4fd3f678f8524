// Package admission gates inbound webhook requests before they reach the
// update pipeline. Each request passes three checks in order: declared body
// size, a fixed-window counter keyed by origin, and a bounded pool of
// processing slots.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Reason explains why a request was not admitted.
type Reason int

const (
	ReasonNone Reason = iota
	TooLarge
	RateLimited
	Overloaded
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "admitted"
	case TooLarge:
		return "too_large"
	case RateLimited:
		return "rate_limited"
	case Overloaded:
		return "overloaded"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Limits configures a Controller.
type Limits struct {
	MaxBodyBytes      int64
	RequestsPerWindow int
	Window            time.Duration
	MaxConcurrent     int
	// SlotWait bounds how long Admit waits for a free slot. Zero means fail
	// immediately when the pool is exhausted.
	SlotWait          time.Duration
	MaxTrackedOrigins int
	SweepInterval     time.Duration
}

// Validate reports the first invalid field.
func (l Limits) Validate() error {
	switch {
	case l.MaxBodyBytes <= 0:
		return errors.New("max body bytes must be positive")
	case l.RequestsPerWindow <= 0:
		return errors.New("requests per window must be positive")
	case l.Window <= 0:
		return errors.New("window must be positive")
	case l.MaxConcurrent <= 0:
		return errors.New("max concurrent must be positive")
	case l.SlotWait < 0:
		return errors.New("slot wait must not be negative")
	case l.MaxTrackedOrigins < 0:
		return errors.New("max tracked origins must not be negative")
	}
	return nil
}

// Decision is the outcome of Admit. When Admitted is true the caller holds a
// slot and must call Release; Release is safe to call more than once.
type Decision struct {
	Admitted   bool
	Reason     Reason
	RetryAfter time.Duration
	Release    func()
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	SlotsInUse     int64  `json:"slots_in_use"`
	MaxConcurrent  int    `json:"max_concurrent"`
	TrackedOrigins int    `json:"tracked_origins"`
	Admitted       uint64 `json:"admitted"`
	TooLarge       uint64 `json:"too_large"`
	RateLimited    uint64 `json:"rate_limited"`
	Overloaded     uint64 `json:"overloaded"`
}

type window struct {
	start time.Time
	count int
}

// Controller owns the per-origin counter table and the slot pool. One
// Controller is shared by every request handled by the process.
type Controller struct {
	limits Limits
	clock  func() time.Time

	mu      sync.Mutex
	origins map[string]*window

	slots      *semaphore.Weighted
	slotsInUse atomic.Int64

	admitted    atomic.Uint64
	tooLarge    atomic.Uint64
	rateLimited atomic.Uint64
	overloaded  atomic.Uint64
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides time.Now, mainly for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New builds a Controller after validating limits.
func New(limits Limits, opts ...Option) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admission limits: %w", err)
	}

	c := &Controller{
		limits:  limits,
		clock:   time.Now,
		origins: make(map[string]*window),
		slots:   semaphore.NewWeighted(int64(limits.MaxConcurrent)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Limits returns the configured limits.
func (c *Controller) Limits() Limits {
	return c.limits
}

// Admit runs the size, rate and concurrency checks for one request. size is
// the declared body length; a negative size means unknown and skips the size
// check, leaving enforcement to whoever reads the body.
func (c *Controller) Admit(ctx context.Context, size int64, origin string) Decision {
	if size > c.limits.MaxBodyBytes {
		c.tooLarge.Add(1)
		return Decision{Reason: TooLarge}
	}

	if retryAfter, ok := c.countRequest(origin); !ok {
		c.rateLimited.Add(1)
		return Decision{Reason: RateLimited, RetryAfter: retryAfter}
	}

	if !c.acquire(ctx) {
		c.overloaded.Add(1)
		return Decision{Reason: Overloaded, RetryAfter: time.Second}
	}

	c.slotsInUse.Add(1)
	c.admitted.Add(1)

	var once sync.Once
	return Decision{
		Admitted: true,
		Release: func() {
			once.Do(func() {
				c.slotsInUse.Add(-1)
				c.slots.Release(1)
			})
		},
	}
}

// countRequest increments the origin's counter, resetting it first if its
// window has elapsed. It returns false with the time left in the window when
// the request is over the limit.
func (c *Controller) countRequest(origin string) (time.Duration, bool) {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.origins[origin]
	if !ok {
		if c.limits.MaxTrackedOrigins > 0 && len(c.origins) >= c.limits.MaxTrackedOrigins {
			// an ended window would be reset on its next hit anyway
			c.sweepLocked(now, c.limits.Window)
			if len(c.origins) >= c.limits.MaxTrackedOrigins {
				// table full of live windows; fail closed rather than evict
				return c.limits.Window, false
			}
		}
		w = &window{start: now}
		c.origins[origin] = w
	}

	if !now.Before(w.start.Add(c.limits.Window)) {
		w.start = now
		w.count = 0
	}

	w.count++
	if w.count > c.limits.RequestsPerWindow {
		return w.start.Add(c.limits.Window).Sub(now), false
	}
	return 0, true
}

func (c *Controller) acquire(ctx context.Context) bool {
	if c.slots.TryAcquire(1) {
		return true
	}
	if c.limits.SlotWait <= 0 {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.limits.SlotWait)
	defer cancel()
	return c.slots.Acquire(waitCtx, 1) == nil
}

// Sweep drops counters whose window ended at least one full window ago and
// returns how many were removed.
func (c *Controller) Sweep() int {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now, 2*c.limits.Window)
}

// sweepLocked drops counters that started at least age ago.
func (c *Controller) sweepLocked(now time.Time, age time.Duration) int {
	cutoff := now.Add(-age)
	removed := 0
	for origin, w := range c.origins {
		if !w.start.After(cutoff) {
			delete(c.origins, origin)
			removed++
		}
	}
	return removed
}

// Stats returns current occupancy and outcome counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	tracked := len(c.origins)
	c.mu.Unlock()

	return Stats{
		SlotsInUse:     c.slotsInUse.Load(),
		MaxConcurrent:  c.limits.MaxConcurrent,
		TrackedOrigins: tracked,
		Admitted:       c.admitted.Load(),
		TooLarge:       c.tooLarge.Load(),
		RateLimited:    c.rateLimited.Load(),
		Overloaded:     c.overloaded.Load(),
	}
}
