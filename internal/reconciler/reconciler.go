package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumenstudio/backend/internal/creation"
	"github.com/lumenstudio/backend/internal/models"
)

// StaleFinder scans for creations stuck in a non-terminal state.
type StaleFinder interface {
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Creation, error)
}

// Failer is the slice of the lifecycle the reconciler drives.
type Failer interface {
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)
}

const sweepBatchSize = 100

// Reconciler is the self-healing sweep: any creation a worker abandoned
// (crash, lost message, never-reported completion) past the liveness
// deadline is forced to failed+refunded. Safe to run alongside live worker
// callbacks because the refund protocol is exactly-once.
type Reconciler struct {
	store    StaleFinder
	failer   Failer
	interval time.Duration
	deadline time.Duration
	logger   *slog.Logger
}

func New(store StaleFinder, failer Failer, interval, deadline time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, failer: failer, interval: interval, deadline: deadline, logger: logger}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("orphan reconciler started", "interval", r.interval, "deadline", r.deadline)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("orphan reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("orphan sweep failed", "error", err)
			}
		}
	}
}

// Sweep fails every creation stuck past the deadline and returns how many
// refunds this pass performed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.deadline)
	stale, err := r.store.FindStale(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	refunds := 0
	for _, c := range stale {
		refunded, err := r.failer.MarkFailed(ctx, c.ID, "worker timed out or crashed")
		if err != nil {
			if errors.Is(err, creation.ErrInvalidTransition) || errors.Is(err, creation.ErrNotFound) {
				// Resolved between the scan and the refund. Nothing to repair.
				continue
			}
			r.logger.Error("failed to reconcile orphaned creation", "creation_id", c.ID, "error", err)
			continue
		}
		if refunded {
			refunds++
			r.logger.Warn("orphaned creation refunded",
				"creation_id", c.ID, "user_id", c.UserID, "status_was", c.Status, "stale_since", c.UpdatedAt)
		}
	}
	return refunds, nil
}
