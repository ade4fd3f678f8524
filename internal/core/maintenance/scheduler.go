// Package maintenance runs the periodic chores serve needs: sweeping
// admission counters, database backups and transcript retention.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaybot/relaybot/internal/metrics"
)

// Chore is one named periodic task.
type Chore struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the chore once before the first tick.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs chores on independent tickers. A failing chore is logged
// and retried on its next tick; it never stops the others.
type Scheduler struct {
	Logger *logging.Logger

	mu     sync.Mutex
	chores []Chore
	last   map[string]Outcome
}

// Outcome is the result of a chore's most recent run.
type Outcome struct {
	At       time.Time
	Duration time.Duration
	Err      error
}

// Add registers a chore. Chores without a Run func or positive interval are
// rejected.
func (s *Scheduler) Add(chore Chore) error {
	if chore.Name == "" {
		return errors.New("chore name is required")
	}
	if chore.Run == nil {
		return fmt.Errorf("chore %s has no run func", chore.Name)
	}
	if chore.Interval <= 0 {
		return fmt.Errorf("chore %s needs a positive interval", chore.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.chores {
		if existing.Name == chore.Name {
			return fmt.Errorf("chore %s already registered", chore.Name)
		}
	}
	s.chores = append(s.chores, chore)
	return nil
}

// Chores returns the registered chore names in registration order.
func (s *Scheduler) Chores() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.chores))
	for _, chore := range s.chores {
		names = append(names, chore.Name)
	}
	return names
}

// Start runs every chore until ctx is done and blocks until they return.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	chores := append([]Chore(nil), s.chores...)
	s.mu.Unlock()

	var g errgroup.Group
	for _, chore := range chores {
		g.Go(func() error {
			s.loop(ctx, chore)
			return nil
		})
	}
	_ = g.Wait()
}

// RunNow executes one chore by name immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var (
		chore Chore
		found bool
	)
	for _, c := range s.chores {
		if c.Name == name {
			chore, found = c, true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("unknown chore %s", name)
	}
	return s.execute(ctx, chore)
}

// Last returns the outcome of the chore's most recent run.
func (s *Scheduler) Last(name string) (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome, ok := s.last[name]
	return outcome, ok
}

func (s *Scheduler) loop(ctx context.Context, chore Chore) {
	if chore.RunAtStart {
		_ = s.execute(ctx, chore)
	}

	ticker := time.NewTicker(chore.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.execute(ctx, chore)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, chore Chore) (err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordPanic()
			err = fmt.Errorf("chore %s panicked: %v", chore.Name, r)
		}

		duration := time.Since(started)
		s.record(chore.Name, Outcome{At: started, Duration: duration, Err: err})
		metrics.RecordMaintenanceRun(chore.Name, err == nil, duration)

		if s.Logger == nil {
			return
		}
		if err != nil {
			s.Logger.Warn("Maintenance chore failed",
				zap.String("chore", chore.Name),
				zap.Duration("duration", duration),
				zap.Error(err))
			return
		}
		s.Logger.Debug("Maintenance chore completed",
			zap.String("chore", chore.Name),
			zap.Duration("duration", duration))
	}()

	return chore.Run(ctx)
}

func (s *Scheduler) record(name string, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(map[string]Outcome)
	}
	s.last[name] = outcome
}
