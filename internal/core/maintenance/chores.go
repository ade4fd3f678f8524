package maintenance

import (
	"context"
	"time"

	"github.com/relaybot/relaybot/internal/core/admission"
	"github.com/relaybot/relaybot/internal/core/backup"
	"github.com/relaybot/relaybot/internal/metrics"
)

// Chore names as they appear in logs and metrics.
const (
	ChoreAdmissionSweep = "admission_sweep"
	ChoreBackup         = "backup"
	ChoreRetention      = "retention"
)

// UpdatePruner deletes transcript rows older than a cutoff.
type UpdatePruner interface {
	PruneUpdates(ctx context.Context, before time.Time) (int64, error)
}

// AdmissionSweep drops stale per-origin counters and publishes occupancy.
// A non-positive interval sweeps once per rate window.
func AdmissionSweep(controller *admission.Controller, interval time.Duration) Chore {
	if interval <= 0 {
		interval = controller.Limits().Window
	}
	return Chore{
		Name:     ChoreAdmissionSweep,
		Interval: interval,
		Run: func(ctx context.Context) error {
			removed := controller.Sweep()
			metrics.RecordOriginSweep(removed)
			stats := controller.Stats()
			metrics.SetAdmissionState(stats.SlotsInUse, stats.TrackedOrigins)
			return nil
		},
	}
}

// Backup snapshots the database and rotates old snapshots.
func Backup(manager *backup.Manager, interval time.Duration) Chore {
	return Chore{
		Name:     ChoreBackup,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, removed, err := manager.Create(ctx)
			metrics.RecordBackup(err == nil, len(removed))
			return err
		},
	}
}

// Retention prunes updates received more than maxAge ago.
func Retention(pruner UpdatePruner, maxAge, interval time.Duration, clock func() time.Time) Chore {
	if clock == nil {
		clock = time.Now
	}
	return Chore{
		Name:       ChoreRetention,
		Interval:   interval,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			pruned, err := pruner.PruneUpdates(ctx, clock().Add(-maxAge))
			metrics.RecordUpdatesPruned(pruned)
			return err
		},
	}
}
