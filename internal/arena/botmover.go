package arena

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darksquare/arena/internal/domain"
	"github.com/darksquare/arena/internal/engine"
	"github.com/darksquare/arena/internal/obslog"
	"github.com/darksquare/arena/internal/rules"
)

// MoveEngine produces a UCI move for a position at a target strength.
// The concrete implementation shells out to Stockfish; tests stub it.
type MoveEngine interface {
	BestMove(ctx context.Context, req engine.MoveRequest) (string, error)
}

// Per-class ceilings on engine think time, in milliseconds. The bot
// should feel snappy in bullet and may think longer in slow games.
var classBudgetMs = map[string]int64{
	"bullet":    300,
	"blitz":     900,
	"rapid":     2000,
	"classical": 3500,
}

const defaultClassBudgetMs = 1200

type BotMoverConfig struct {
	// DelayMin/DelayMax bound the cosmetic pause before a bot reply.
	// The pause is presentation only and is never charged to the
	// bot's clock.
	DelayMin time.Duration
	DelayMax time.Duration
	// MoveTimeout caps one scheduled move end to end.
	MoveTimeout time.Duration
}

type BotMover struct {
	svc *Service
	eng MoveEngine
	cfg BotMoverConfig

	baseCtx context.Context
	wg      sync.WaitGroup

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewBotMover(ctx context.Context, svc *Service, eng MoveEngine, cfg BotMoverConfig) *BotMover {
	if cfg.DelayMin <= 0 {
		cfg.DelayMin = 1200 * time.Millisecond
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin + 1400*time.Millisecond
	}
	if cfg.MoveTimeout <= 0 {
		cfg.MoveTimeout = 30 * time.Second
	}
	return &BotMover{
		svc:     svc,
		eng:     eng,
		cfg:     cfg,
		baseCtx: ctx,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Schedule queues one bot reply for the game. Safe to call from a
// commit path; the work happens on its own goroutine.
func (m *BotMover) Schedule(gameID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-m.baseCtx.Done():
			return
		case <-time.After(m.replyDelay()):
		}

		ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.MoveTimeout)
		defer cancel()
		if err := m.MakeMove(ctx, gameID); err != nil {
			obslog.L().Warn("bot move failed", zap.String("game_id", gameID), zap.Error(err))
		}
	}()
}

// Wait blocks until all scheduled moves have drained.
func (m *BotMover) Wait() {
	m.wg.Wait()
}

// MakeMove plays one engine move if a bot is on turn. The engine
// search runs outside any game lock; the write-back transaction
// revalidates against the snapshot version and gives up to a
// concurrent transition rather than overwriting it.
func (m *BotMover) MakeMove(ctx context.Context, gameID string) error {
	for attempt := 0; attempt < 2; attempt++ {
		g, err := m.svc.Snapshot(ctx, gameID)
		if err != nil {
			return err
		}
		if g.Status != domain.StatusActive || !g.HasBot {
			return nil
		}
		mover, err := rules.SideToMove(g.FEN, g.PlyIndex)
		if err != nil {
			return err
		}
		botID := g.PlayerFor(mover)
		profile, ok := m.svc.Bot(botID)
		if !ok {
			// Human to move; nothing to do.
			return nil
		}

		remain := g.ClockFor(mover)
		mv, err := m.eng.BestMove(ctx, engine.MoveRequest{
			FEN:             g.FEN,
			TargetElo:       profile.Rating,
			SideRemainingMs: remain,
			BudgetMs:        botBudgetMs(g.TimeControl.TimeClass, remain),
		})
		if err != nil {
			return m.failGame(ctx, gameID, err)
		}

		_, err = m.svc.BotMove(ctx, gameID, botID, mv, g.Version)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrVersionConflict):
			// The game moved under us; take a fresh snapshot once.
			continue
		case errors.Is(err, ErrNotActive), errors.Is(err, ErrWrongTurn), errors.Is(err, ErrTimedOut):
			// A concurrent transition already resolved the position.
			return nil
		case errors.Is(err, rules.ErrIllegalMove):
			return m.failGame(ctx, gameID, err)
		default:
			return err
		}
	}
	return nil
}

// failGame closes the game as an engine failure so a broken engine
// can never leave a human stuck on the clock.
func (m *BotMover) failGame(ctx context.Context, gameID string, cause error) error {
	obslog.L().Error("engine could not move, closing game",
		zap.String("game_id", gameID), zap.Error(cause))
	if _, err := m.svc.FinishEngineFailure(ctx, gameID); err != nil && !errors.Is(err, ErrNotActive) {
		return errors.Join(cause, err)
	}
	return nil
}

func (m *BotMover) replyDelay() time.Duration {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	spread := m.cfg.DelayMax - m.cfg.DelayMin
	if spread <= 0 {
		return m.cfg.DelayMin
	}
	return m.cfg.DelayMin + time.Duration(m.rand.Int63n(int64(spread)))
}

// botBudgetMs bounds engine think time by the class ceiling and the
// bot's own remaining clock.
func botBudgetMs(timeClass string, sideRemainingMs int64) int64 {
	base, ok := classBudgetMs[timeClass]
	if !ok {
		base = defaultClassBudgetMs
	}
	budget := sideRemainingMs / 40
	if budget > base {
		budget = base
	}
	if budget < 120 {
		budget = 120
	}
	return budget
}
