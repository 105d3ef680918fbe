// Package arena holds the game state machine, the matchmaking queue,
// and the background workers that keep timed games honest.
package arena

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/darksquare/arena/internal/clock"
	"github.com/darksquare/arena/internal/domain"
	"github.com/darksquare/arena/internal/obslog"
	"github.com/darksquare/arena/internal/rating"
	"github.com/darksquare/arena/internal/rules"
)

// BotScheduler is notified after a commit leaves a bot on move.
type BotScheduler interface {
	Schedule(gameID string)
}

// DrawOffers stores the single outstanding draw offer per game.
type DrawOffers interface {
	Offer(ctx context.Context, gameID, playerID string) error
	// Outstanding returns the offering player's id, or "" when no
	// offer is pending.
	Outstanding(ctx context.Context, gameID string) (string, error)
	Clear(ctx context.Context, gameID string) error
}

type Service struct {
	repo    Repository
	clk     clock.Clock
	catalog map[string]domain.TimeControl
	bots    map[string]domain.BotProfile
	offers  DrawOffers

	schedMu   sync.RWMutex
	scheduler BotScheduler

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewService(repo Repository, clk clock.Clock, timeControls []domain.TimeControl, bots []domain.BotProfile, offers DrawOffers) *Service {
	catalog := make(map[string]domain.TimeControl, len(timeControls))
	for _, tc := range timeControls {
		catalog[tc.Slug] = tc
	}
	roster := make(map[string]domain.BotProfile, len(bots))
	for _, b := range bots {
		roster[b.ID] = b
	}
	return &Service{
		repo:    repo,
		clk:     clk,
		catalog: catalog,
		bots:    roster,
		offers:  offers,
		rand:    rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// SetBotScheduler wires the bot mover in after construction; the two
// reference each other.
func (s *Service) SetBotScheduler(b BotScheduler) {
	s.schedMu.Lock()
	s.scheduler = b
	s.schedMu.Unlock()
}

func (s *Service) TimeControl(slug string) (domain.TimeControl, bool) {
	tc, ok := s.catalog[slug]
	return tc, ok
}

func (s *Service) Bot(id string) (domain.BotProfile, bool) {
	b, ok := s.bots[id]
	return b, ok
}

// MoveResult reports the post-move game state. Move is nil when the
// mover's flag fell first and the submitted move was discarded.
type MoveResult struct {
	Game *domain.Game
	Move *domain.GameMove
}

// ApplyMove validates and applies one move for playerID.
// expectedVersion must match the stored lock version or the move is
// rejected with ErrVersionConflict. When the mover's
// clock ran out before the move arrived, the game is finished as a
// timeout loss, the move is discarded, and ErrTimedOut is returned
// together with the final state.
func (s *Service) ApplyMove(ctx context.Context, gameID, playerID, uciMove string, expectedVersion int64) (*MoveResult, error) {
	return s.applyMove(ctx, gameID, playerID, uciMove, expectedVersion, true)
}

// BotMove applies an engine move without charging wall time to the
// bot's clock: think time and the cosmetic reply delay are the
// server's own latency, not the bot playing slowly. The increment is
// still credited.
func (s *Service) BotMove(ctx context.Context, gameID, playerID, uciMove string, expectedVersion int64) (*MoveResult, error) {
	return s.applyMove(ctx, gameID, playerID, uciMove, expectedVersion, false)
}

func (s *Service) applyMove(ctx context.Context, gameID, playerID, uciMove string, expectedVersion int64, chargeElapsed bool) (*MoveResult, error) {
	var (
		res      MoveResult
		flagFell bool
	)

	err := s.repo.InTx(ctx, func(tx Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		s.hydrate(g)

		if g.Status != domain.StatusActive {
			return ErrNotActive
		}
		if g.Version != expectedVersion {
			return ErrVersionConflict
		}

		mover, err := rules.SideToMove(g.FEN, g.PlyIndex)
		if err != nil {
			return err
		}
		if g.PlayerFor(mover) != playerID {
			if !g.IsParticipant(playerID) {
				return ErrNotParticipant
			}
			return ErrWrongTurn
		}

		now := s.clk.Now()
		remain := g.ClockFor(mover)
		if chargeElapsed && g.LastMoveAt != nil {
			remain -= now.Sub(*g.LastMoveAt).Milliseconds()
		}
		if remain <= 0 {
			// Flag fell first: the game ends on time and the
			// submitted move never happened.
			g.SetClock(mover, 0)
			if err := s.finishLocked(ctx, tx, g, now, resultForWinner(mover.Opponent()), domain.ReasonTimeout); err != nil {
				return err
			}
			flagFell = true
			res.Game = g
			return nil
		}

		applied, err := rules.Apply(g.FEN, uciMove)
		if err != nil {
			return err
		}

		g.SetClock(mover, remain+g.TimeControl.IncrementMs)
		g.FEN = applied.FENAfter
		g.PlyIndex++
		g.LastMoveAt = &now
		g.UpdatedAt = now

		mv := &domain.GameMove{
			GameID:       g.ID,
			Ply:          g.PlyIndex,
			ByPlayer:     playerID,
			UCI:          uciMove,
			SAN:          applied.SAN,
			FENAfter:     applied.FENAfter,
			WhiteMsAfter: g.WhiteMs,
			BlackMsAfter: g.BlackMs,
			CreatedAt:    now,
		}
		if err := tx.AppendMove(ctx, mv); err != nil {
			return err
		}

		switch applied.Terminal {
		case rules.TerminalCheckmate:
			if err := s.finishLocked(ctx, tx, g, now, resultForWinner(mover), domain.ReasonCheckmate); err != nil {
				return err
			}
		case rules.TerminalDraw:
			if err := s.finishLocked(ctx, tx, g, now, domain.ResultDraw, domain.ReasonDraw); err != nil {
				return err
			}
		default:
			if err := tx.UpdateGame(ctx, g); err != nil {
				return err
			}
		}

		res.Game = g
		res.Move = mv
		return nil
	})
	if err != nil {
		return nil, err
	}

	if flagFell {
		s.clearOffer(ctx, gameID)
		return &res, ErrTimedOut
	}

	// Any completed move voids a pending draw offer.
	s.clearOffer(ctx, gameID)

	if res.Game.Status == domain.StatusActive {
		s.maybeScheduleBot(res.Game)
	}
	return &res, nil
}

func (s *Service) Resign(ctx context.Context, gameID, playerID string) (*domain.Game, error) {
	var out *domain.Game
	err := s.repo.InTx(ctx, func(tx Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		s.hydrate(g)
		if g.Status != domain.StatusActive {
			return ErrNotActive
		}
		color, ok := g.ColorOf(playerID)
		if !ok {
			return ErrNotParticipant
		}
		if err := s.finishLocked(ctx, tx, g, s.clk.Now(), resultForWinner(color.Opponent()), domain.ReasonResign); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.clearOffer(ctx, gameID)
	return out, nil
}

func (s *Service) OfferDraw(ctx context.Context, gameID, playerID string) error {
	if s.offers == nil {
		return ErrNoDrawOffer
	}
	g, err := s.Snapshot(ctx, gameID)
	if err != nil {
		return err
	}
	if g.Status != domain.StatusActive {
		return ErrNotActive
	}
	if !g.IsParticipant(playerID) {
		return ErrNotParticipant
	}
	return s.offers.Offer(ctx, gameID, playerID)
}

// AcceptDraw finishes the game as agreed only when the opponent has
// an outstanding offer.
func (s *Service) AcceptDraw(ctx context.Context, gameID, playerID string) (*domain.Game, error) {
	if s.offers == nil {
		return nil, ErrNoDrawOffer
	}
	offerer, err := s.offers.Outstanding(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if offerer == "" || offerer == playerID {
		return nil, ErrNoDrawOffer
	}

	var out *domain.Game
	err = s.repo.InTx(ctx, func(tx Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		s.hydrate(g)
		if g.Status != domain.StatusActive {
			return ErrNotActive
		}
		if !g.IsParticipant(playerID) {
			return ErrNotParticipant
		}
		if g.PlayerFor(domain.White) != offerer && g.PlayerFor(domain.Black) != offerer {
			return ErrNoDrawOffer
		}
		if err := s.finishLocked(ctx, tx, g, s.clk.Now(), domain.ResultDraw, domain.ReasonDraw); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.clearOffer(ctx, gameID)
	return out, nil
}

// FinishEngineFailure closes a bot game whose engine could not
// produce a move. Nobody earned the result, so it is recorded as a
// draw and ratings are left untouched.
func (s *Service) FinishEngineFailure(ctx context.Context, gameID string) (*domain.Game, error) {
	var out *domain.Game
	err := s.repo.InTx(ctx, func(tx Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		s.hydrate(g)
		if g.Status != domain.StatusActive {
			return ErrNotActive
		}
		if err := s.finishLocked(ctx, tx, g, s.clk.Now(), domain.ResultDraw, domain.ReasonEngineFailure); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.clearOffer(ctx, gameID)
	return out, nil
}

// SweepGame re-checks one game under its row lock and finishes it if
// the side to move has run out of time. It is the same transition a
// late move triggers, so a racing move and the sweep cannot both
// finish the game.
func (s *Service) SweepGame(ctx context.Context, gameID string) (bool, error) {
	flagged := false
	err := s.repo.InTx(ctx, func(tx Tx) error {
		g, err := tx.GameForUpdate(ctx, gameID)
		if err != nil {
			return err
		}
		s.hydrate(g)
		if g.Status != domain.StatusActive || g.LastMoveAt == nil {
			return nil
		}
		mover, err := rules.SideToMove(g.FEN, g.PlyIndex)
		if err != nil {
			return err
		}
		now := s.clk.Now()
		remain := g.ClockFor(mover) - now.Sub(*g.LastMoveAt).Milliseconds()
		if remain > 0 {
			return nil
		}
		g.SetClock(mover, 0)
		if err := s.finishLocked(ctx, tx, g, now, resultForWinner(mover.Opponent()), domain.ReasonTimeout); err != nil {
			return err
		}
		flagged = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if flagged {
		s.clearOffer(ctx, gameID)
	}
	return flagged, nil
}

func (s *Service) Snapshot(ctx context.Context, gameID string) (*domain.Game, error) {
	g, err := s.repo.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	s.hydrate(g)
	return g, nil
}

func (s *Service) MovesSince(ctx context.Context, gameID string, afterPly int) ([]domain.GameMove, error) {
	return s.repo.MovesSince(ctx, gameID, afterPly)
}

func (s *Service) ActiveGameForPlayer(ctx context.Context, playerID string) (*domain.Game, error) {
	g, err := s.repo.ActiveGameForPlayer(ctx, playerID)
	if err != nil || g == nil {
		return g, err
	}
	s.hydrate(g)
	return g, nil
}

// StartBotGame creates a game against a roster bot. An empty botID
// picks the bot rated closest to the player. If the player already
// has an active game, that game is returned instead.
func (s *Service) StartBotGame(ctx context.Context, playerID, tcSlug, botID string) (*domain.Game, error) {
	tc, ok := s.catalog[tcSlug]
	if !ok {
		return nil, ErrUnknownTimeControl
	}

	if g, err := s.ActiveGameForPlayer(ctx, playerID); err != nil {
		return nil, err
	} else if g != nil {
		return g, nil
	}

	var bot domain.BotProfile
	if botID != "" {
		bot, ok = s.bots[botID]
		if !ok {
			return nil, ErrUnknownBot
		}
	} else {
		rec, err := s.repo.Rating(ctx, playerID, tc.TimeClass)
		if err != nil {
			return nil, err
		}
		bot, ok = s.closestBot(rec.Rating)
		if !ok {
			return nil, ErrUnknownBot
		}
	}

	var out *domain.Game
	err := s.repo.InTx(ctx, func(tx Tx) error {
		g := s.newGame(playerID, bot.ID, tc, true)
		if err := tx.CreateGame(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	obslog.L().Info("bot game created",
		zap.String("game_id", out.ID),
		zap.String("player", playerID),
		zap.String("bot", bot.ID),
		zap.String("time_control", tc.Slug))

	s.maybeScheduleBot(out)
	return out, nil
}

func (s *Service) closestBot(playerRating int) (domain.BotProfile, bool) {
	var (
		best  domain.BotProfile
		found bool
	)
	for _, b := range s.bots {
		if !found {
			best, found = b, true
			continue
		}
		d, bd := abs(b.Rating-playerRating), abs(best.Rating-playerRating)
		if d < bd || (d == bd && b.ID < best.ID) {
			best = b
		}
	}
	return best, found
}

func (s *Service) newGame(a, b string, tc domain.TimeControl, hasBot bool) *domain.Game {
	now := s.clk.Now()
	white, black := a, b
	s.randMu.Lock()
	if s.rand.Intn(2) == 1 {
		white, black = b, a
	}
	s.randMu.Unlock()

	return &domain.Game{
		ID:          uuid.NewString(),
		TimeControl: tc,
		WhiteID:     white,
		BlackID:     black,
		HasBot:      hasBot,
		Status:      domain.StatusActive,
		FEN:         domain.StartposFEN,
		WhiteMs:     tc.InitialMs(),
		BlackMs:     tc.InitialMs(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// finishLocked is the single active-to-finished transition. Every
// termination path (checkmate, resignation, timeout, draw, engine
// failure) funnels through it, so ratings settle exactly once per
// game. Both new ratings are computed from the pre-update pair.
func (s *Service) finishLocked(ctx context.Context, tx Tx, g *domain.Game, now time.Time, result domain.Result, reason domain.Reason) error {
	g.Status = domain.StatusFinished
	g.Result = result
	g.Reason = reason
	g.UpdatedAt = now

	if reason != domain.ReasonEngineFailure {
		white, err := tx.RatingForUpdate(ctx, g.WhiteID, g.TimeControl.TimeClass)
		if err != nil {
			return err
		}
		black, err := tx.RatingForUpdate(ctx, g.BlackID, g.TimeControl.TimeClass)
		if err != nil {
			return err
		}
		newWhite, newBlack := rating.Update(white.Rating, black.Rating, white.Games, black.Games, scoreForWhite(result))
		white.Rating, white.Games = newWhite, white.Games+1
		black.Rating, black.Games = newBlack, black.Games+1
		if err := tx.SaveRating(ctx, white); err != nil {
			return err
		}
		if err := tx.SaveRating(ctx, black); err != nil {
			return err
		}
	}

	if err := tx.UpdateGame(ctx, g); err != nil {
		return err
	}

	obslog.L().Info("game finished",
		zap.String("game_id", g.ID),
		zap.String("result", string(result)),
		zap.String("reason", string(reason)))
	return nil
}

func (s *Service) maybeScheduleBot(g *domain.Game) {
	if !g.HasBot || g.Status != domain.StatusActive {
		return
	}
	mover, err := rules.SideToMove(g.FEN, g.PlyIndex)
	if err != nil {
		return
	}
	if _, ok := s.bots[g.PlayerFor(mover)]; !ok {
		return
	}
	s.schedMu.RLock()
	sched := s.scheduler
	s.schedMu.RUnlock()
	if sched != nil {
		sched.Schedule(g.ID)
	}
}

func (s *Service) clearOffer(ctx context.Context, gameID string) {
	if s.offers == nil {
		return
	}
	if err := s.offers.Clear(ctx, gameID); err != nil {
		obslog.L().Warn("clear draw offer", zap.String("game_id", gameID), zap.Error(err))
	}
}

func (s *Service) hydrate(g *domain.Game) {
	if tc, ok := s.catalog[g.TimeControl.Slug]; ok {
		g.TimeControl = tc
	}
}

func resultForWinner(c domain.Color) domain.Result {
	if c == domain.White {
		return domain.ResultWhiteWins
	}
	return domain.ResultBlackWins
}

func scoreForWhite(r domain.Result) float64 {
	switch r {
	case domain.ResultWhiteWins:
		return 1
	case domain.ResultBlackWins:
		return 0
	default:
		return 0.5
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
