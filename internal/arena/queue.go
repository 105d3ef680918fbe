package arena

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/darksquare/arena/internal/clock"
	"github.com/darksquare/arena/internal/domain"
	"github.com/darksquare/arena/internal/obslog"
)

const (
	toleranceBase      = 100
	toleranceStep      = 50
	toleranceStepEvery = 15 * time.Second
	toleranceMax       = 400
)

type QueueConfig struct {
	// BotFallbackAfter is how long a player waits before the sweep
	// hands them a roster bot instead.
	BotFallbackAfter time.Duration
	SweepInterval    time.Duration
}

// Queue pairs waiting players per time control. Pairing runs inside
// one transaction holding locks on both entries; the delete of both
// rows is the commit point, so no player can be booked into two
// games.
type Queue struct {
	repo Repository
	svc  *Service
	clk  clock.Clock
	cfg  QueueConfig
}

func NewQueue(repo Repository, svc *Service, clk clock.Clock, cfg QueueConfig) *Queue {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.BotFallbackAfter <= 0 {
		cfg.BotFallbackAfter = 20 * time.Second
	}
	return &Queue{repo: repo, svc: svc, clk: clk, cfg: cfg}
}

// JoinResult is either an immediate pairing or a queued wait. For a
// queued wait, Widening is the current acceptable rating gap so the
// client can show how far the search has spread.
type JoinResult struct {
	Game     *domain.Game
	Queued   bool
	Widening int
}

// Join enqueues the player and tries to pair them right away.
// Joining while already in an active game returns that game; joining
// twice refreshes the rating snapshot without resetting the wait.
func (q *Queue) Join(ctx context.Context, playerID, tcSlug string) (*JoinResult, error) {
	tc, ok := q.svc.TimeControl(tcSlug)
	if !ok {
		return nil, ErrUnknownTimeControl
	}

	if g, err := q.svc.ActiveGameForPlayer(ctx, playerID); err != nil {
		return nil, err
	} else if g != nil {
		// A leftover entry from before that game must not pair the
		// player a second time.
		if err := q.repo.RemoveFromQueue(ctx, playerID, tc.Slug); err != nil {
			return nil, err
		}
		return &JoinResult{Game: g}, nil
	}

	rec, err := q.repo.Rating(ctx, playerID, tc.TimeClass)
	if err != nil {
		return nil, err
	}
	entry := &domain.QueueEntry{
		PlayerID:       playerID,
		TimeControl:    tc.Slug,
		SnapshotRating: rec.Rating,
		JoinedAt:       q.clk.Now(),
	}
	if err := q.repo.Enqueue(ctx, entry); err != nil {
		return nil, err
	}

	g, err := q.tryMatch(ctx, playerID, tc)
	if err != nil {
		return nil, err
	}
	if g != nil {
		return &JoinResult{Game: g}, nil
	}
	return &JoinResult{
		Queued:   true,
		Widening: ratingTolerance(q.clk.Now().Sub(entry.JoinedAt)),
	}, nil
}

func (q *Queue) Leave(ctx context.Context, playerID, tcSlug string) error {
	return q.repo.RemoveFromQueue(ctx, playerID, tcSlug)
}

// tryMatch attempts one pairing for playerID. Both queue entries are
// locked before the window check; a nil game with nil error means
// nobody suitable is waiting. If the player already has an active
// game their stale entry is dropped and that game returned.
func (q *Queue) tryMatch(ctx context.Context, playerID string, tc domain.TimeControl) (*domain.Game, error) {
	var (
		game    *domain.Game
		created bool
	)
	err := q.repo.InTx(ctx, func(tx Tx) error {
		self, err := tx.QueueEntryForUpdate(ctx, playerID, tc.Slug)
		if err != nil {
			return err
		}
		if self == nil {
			// Another pairing already claimed this entry.
			return nil
		}

		if active, err := tx.ActiveGameForPlayer(ctx, playerID); err != nil {
			return err
		} else if active != nil {
			// The entry went stale: the player got a game some
			// other way. Drop it instead of double-booking them.
			if err := tx.DeleteQueueEntries(ctx, []int64{self.ID}); err != nil {
				return err
			}
			game = active
			return nil
		}

		now := q.clk.Now()
		delta := ratingTolerance(now.Sub(self.JoinedAt))
		opp, err := tx.OpponentForUpdate(ctx, tc.Slug, playerID,
			self.SnapshotRating-delta, self.SnapshotRating+delta)
		if err != nil {
			return err
		}
		if opp == nil {
			return nil
		}

		if active, err := tx.ActiveGameForPlayer(ctx, opp.PlayerID); err != nil {
			return err
		} else if active != nil {
			// Same staleness check for the other side; clean up
			// their entry and let the next sweep look again.
			return tx.DeleteQueueEntries(ctx, []int64{opp.ID})
		}

		if err := tx.DeleteQueueEntries(ctx, []int64{self.ID, opp.ID}); err != nil {
			return err
		}

		g := q.svc.newGame(self.PlayerID, opp.PlayerID, tc, false)
		if err := tx.CreateGame(ctx, g); err != nil {
			return err
		}
		game = g
		created = true
		return nil
	})
	if errors.Is(err, ErrPairingConflict) {
		// Lost the race for one of the rows; the next attempt will
		// see fresh state.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if created {
		obslog.L().Info("players paired",
			zap.String("game_id", game.ID),
			zap.String("white", game.WhiteID),
			zap.String("black", game.BlackID),
			zap.String("time_control", tc.Slug))
	}
	return game, nil
}

// Sweep retries pairing for everyone still waiting, widening windows
// as wait time grows, and falls back to a bot for players past the
// fallback threshold.
func (q *Queue) Sweep(ctx context.Context) {
	now := q.clk.Now()
	entries, err := q.repo.QueueEntriesOlderThan(ctx, now)
	if err != nil {
		obslog.L().Warn("queue sweep", zap.Error(err))
		return
	}

	for _, e := range entries {
		tc, ok := q.svc.TimeControl(e.TimeControl)
		if !ok {
			continue
		}
		g, err := q.tryMatch(ctx, e.PlayerID, tc)
		if err != nil {
			obslog.L().Warn("queue sweep match",
				zap.String("player", e.PlayerID), zap.Error(err))
			continue
		}
		if g != nil {
			continue
		}
		if now.Sub(e.JoinedAt) < q.cfg.BotFallbackAfter {
			continue
		}
		q.fallbackToBot(ctx, e)
	}
}

func (q *Queue) fallbackToBot(ctx context.Context, e domain.QueueEntry) {
	if err := q.repo.RemoveFromQueue(ctx, e.PlayerID, e.TimeControl); err != nil {
		obslog.L().Warn("queue fallback dequeue",
			zap.String("player", e.PlayerID), zap.Error(err))
		return
	}
	g, err := q.svc.StartBotGame(ctx, e.PlayerID, e.TimeControl, "")
	if err != nil {
		obslog.L().Warn("queue bot fallback",
			zap.String("player", e.PlayerID), zap.Error(err))
		return
	}
	obslog.L().Info("queue fell back to bot",
		zap.String("player", e.PlayerID),
		zap.String("game_id", g.ID))
}

func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		}
	}
}

// ratingTolerance widens the acceptable rating gap the longer a
// player has waited.
func ratingTolerance(wait time.Duration) int {
	if wait < 0 {
		wait = 0
	}
	steps := int(wait / toleranceStepEvery)
	delta := toleranceBase + toleranceStep*steps
	if delta > toleranceMax {
		return toleranceMax
	}
	return delta
}
