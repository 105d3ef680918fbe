package arena

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/darksquare/arena/internal/clock"
	"github.com/darksquare/arena/internal/obslog"
)

// Reconciler is the safety net for abandoned games: a player who
// closes their client never sends the move that would flag them, so a
// periodic sweep finishes overdue games through the same transition a
// late move would take.
type Reconciler struct {
	repo     Repository
	svc      *Service
	clk      clock.Clock
	interval time.Duration
	// grace delays the sweep past the computed deadline so an
	// in-flight move that will flag the game itself is not raced.
	grace time.Duration
}

func NewReconciler(repo Repository, svc *Service, clk clock.Clock, interval, grace time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reconciler{repo: repo, svc: svc, clk: clk, interval: interval, grace: grace}
}

// SweepOnce finds candidates from stored snapshots and re-checks each
// under its row lock. Returns how many games were finished on time.
func (r *Reconciler) SweepOnce(ctx context.Context) (int, error) {
	cutoff := r.clk.Now().Add(-r.grace)
	ids, err := r.repo.OverdueGameIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, id := range ids {
		done, err := r.svc.SweepGame(ctx, id)
		if err != nil {
			obslog.L().Warn("timeout sweep", zap.String("game_id", id), zap.Error(err))
			continue
		}
		if done {
			flagged++
		}
	}
	if flagged > 0 {
		obslog.L().Info("timeout sweep flagged games", zap.Int("count", flagged))
	}
	return flagged, nil
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				obslog.L().Warn("timeout sweep pass", zap.Error(err))
			}
		}
	}
}
