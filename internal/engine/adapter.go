// Package engine turns a rating target into concrete engine play. At
// and above the limiter floor Stockfish's own UCI_Elo handicap is
// used; below it the engine is run shallow with MultiPV and a weak
// move is synthesized from the candidate list.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/darksquare/arena/internal/engine/uci"
	"github.com/darksquare/arena/internal/obslog"
)

const (
	// limiterFloor is the lowest rating UCI_LimitStrength accepts.
	limiterFloor = 1320

	minTargetElo = 200
	maxTargetElo = 3000

	minMoveTimeMs = 150
	maxMoveTimeMs = 4000

	weakMultiPV = 4
)

var ErrNoBestMove = errors.New("engine: no best move produced")

// MoveRequest describes one engine move. SideRemainingMs is the
// mover's clock and bounds how long the search may run; BudgetMs, when
// positive, overrides the derived cap.
type MoveRequest struct {
	FEN             string
	Moves           []string
	TargetElo       int
	SideRemainingMs int64
	BudgetMs        int64
}

type Adapter struct {
	pool  *uci.Pool
	grace time.Duration

	randMu sync.Mutex
	rand   *rand.Rand
}

func New(binaryPath string, sessionsMax int, stopGrace time.Duration) (*Adapter, error) {
	pool, err := uci.NewPool(uci.PoolConfig{
		BinaryPath:         binaryPath,
		SessionsPerProfile: sessionsMax,
	})
	if err != nil {
		return nil, err
	}
	if stopGrace <= 0 {
		stopGrace = 2 * time.Second
	}
	return &Adapter{
		pool:  pool,
		grace: stopGrace,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (a *Adapter) Close() error {
	return a.pool.Close()
}

// BestMove returns the chosen move in UCI notation.
func (a *Adapter) BestMove(ctx context.Context, req MoveRequest) (string, error) {
	target := clampTarget(req.TargetElo)
	capMs := hardCapMs(req.BudgetMs, req.SideRemainingMs)

	if target >= limiterFloor {
		return a.limitedMove(ctx, req, target, capMs)
	}
	return a.weakMove(ctx, req, target, capMs)
}

// PositionAfter replays moves from fen on a live engine and returns
// the resulting FEN. Used as a startup self-check and when a stored
// position needs to be cross-checked against the engine's view.
func (a *Adapter) PositionAfter(ctx context.Context, fen string, moves []string) (string, error) {
	opt := uci.Options{Threads: 1, HashMB: 16, MultiPV: 1}
	session, err := a.pool.Acquire(ctx, opt)
	if err != nil {
		return "", err
	}
	var sessionErr error
	defer func() { a.pool.Release(session, sessionErr) }()

	out, err := session.DumpFEN(ctx, fen, moves)
	if err != nil {
		sessionErr = err
		return "", err
	}
	return out, nil
}

func (a *Adapter) limitedMove(ctx context.Context, req MoveRequest, target int, capMs int64) (string, error) {
	opt := uci.Options{
		Threads:    1,
		HashMB:     64,
		MultiPV:    1,
		SkillLevel: 20,
		Elo:        target,
	}
	resp, err := a.search(ctx, opt, uci.SearchRequest{
		FEN:       req.FEN,
		Moves:     req.Moves,
		Limits:    uci.Limits{MoveTimeMillis: moveTimeMs(target, capMs)},
		StopGrace: a.grace,
	})
	if err != nil {
		return "", err
	}
	if resp.BestMove == "" {
		return "", ErrNoBestMove
	}
	return resp.BestMove, nil
}

func (a *Adapter) weakMove(ctx context.Context, req MoveRequest, target int, capMs int64) (string, error) {
	opt := uci.Options{
		Threads:    1,
		HashMB:     16,
		MultiPV:    weakMultiPV,
		SkillLevel: weakSkillLevel(target),
	}
	resp, err := a.search(ctx, opt, uci.SearchRequest{
		FEN:       req.FEN,
		Moves:     req.Moves,
		Limits:    weakLimits(target, capMs),
		StopGrace: a.grace,
	})
	if err != nil {
		return "", err
	}

	a.randMu.Lock()
	mv := pickWeakMove(resp.Candidates, target, a.rand)
	a.randMu.Unlock()

	if mv == "" {
		if resp.BestMove == "" {
			return "", ErrNoBestMove
		}
		return resp.BestMove, nil
	}
	return mv, nil
}

func (a *Adapter) search(ctx context.Context, opt uci.Options, req uci.SearchRequest) (uci.SearchResponse, error) {
	session, err := a.pool.Acquire(ctx, opt)
	if err != nil {
		return uci.SearchResponse{}, fmt.Errorf("acquire engine session: %w", err)
	}
	var sessionErr error
	defer func() { a.pool.Release(session, sessionErr) }()

	if err := session.NewGame(ctx); err != nil {
		sessionErr = err
		return uci.SearchResponse{}, err
	}

	resp, err := session.Search(ctx, req)
	if err != nil {
		sessionErr = err
		obslog.L().Warn("engine search failed",
			zap.Int("elo", opt.Elo),
			zap.Int("skill", opt.SkillLevel),
			zap.Error(err))
		return uci.SearchResponse{}, err
	}
	return resp, nil
}

func clampTarget(elo int) int {
	if elo < minTargetElo {
		return minTargetElo
	}
	if elo > maxTargetElo {
		return maxTargetElo
	}
	return elo
}

// hardCapMs bounds search time by the mover's remaining clock so a
// deep think cannot flag the bot. An explicit budget wins when set.
func hardCapMs(budgetMs, sideRemainingMs int64) int64 {
	if budgetMs > 0 {
		if budgetMs < minMoveTimeMs {
			return minMoveTimeMs
		}
		return budgetMs
	}
	derived := sideRemainingMs / 120
	if derived > maxMoveTimeMs {
		derived = maxMoveTimeMs
	}
	if derived < minMoveTimeMs {
		derived = minMoveTimeMs
	}
	return derived
}

func moveTimeMs(target int, capMs int64) int {
	ms := int64(300 + (target-limiterFloor)/20)
	if ms > capMs {
		ms = capMs
	}
	if ms < minMoveTimeMs {
		ms = minMoveTimeMs
	}
	return int(ms)
}

// weakLimits bounds the shallow search by the same time budget the
// limited path honors, so a weak bot cannot outspend its clock
// either.
func weakLimits(target int, capMs int64) uci.Limits {
	return uci.Limits{
		Depth:          weakDepth(target),
		MoveTimeMillis: int(capMs),
	}
}

func weakDepth(target int) int {
	switch {
	case target <= 600:
		return 1
	case target <= 900:
		return 2
	default:
		return 3
	}
}

func weakSkillLevel(target int) int {
	skill := target / 150
	if skill < 0 {
		skill = 0
	}
	if skill > 20 {
		skill = 20
	}
	return skill
}
