package arena

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/darksquare/arena/internal/domain"
	"github.com/darksquare/arena/internal/rules"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	testBlitz  = domain.TimeControl{Slug: "blitz-3-2", InitialSec: 180, IncrementMs: 2000, TimeClass: "blitz"}
	testBullet = domain.TimeControl{Slug: "bullet-1-0", InitialSec: 60, IncrementMs: 0, TimeClass: "bullet"}
	testBots   = []domain.BotProfile{
		{ID: "bot-low", Name: "Low", Rating: 800},
		{ID: "bot-high", Name: "High", Rating: 2000},
	}
)

func newTestService(t *testing.T, offers DrawOffers) (*Service, *MemRepository, *fakeClock) {
	t.Helper()
	repo := NewMemRepository()
	clk := newFakeClock()
	svc := NewService(repo, clk, []domain.TimeControl{testBlitz, testBullet}, testBots, offers)
	return svc, repo, clk
}

func newRedisOffers(t *testing.T) DrawOffers {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisDrawOffers(rdb, time.Minute)
}

func startGame(t *testing.T, repo *MemRepository, clk *fakeClock, tc domain.TimeControl, white, black string, hasBot bool) *domain.Game {
	t.Helper()
	now := clk.Now()
	g := &domain.Game{
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
	err := repo.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateGame(context.Background(), g)
	})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	return g
}

// playMove applies a move through the public path at the game's
// current lock version.
func playMove(t *testing.T, svc *Service, gameID, player, mv string) (*MoveResult, error) {
	t.Helper()
	g, err := svc.Snapshot(context.Background(), gameID)
	if err != nil {
		t.Fatalf("snapshot before move: %v", err)
	}
	return svc.ApplyMove(context.Background(), gameID, player, mv, g.Version)
}

func TestFirstMoveNotChargedForWait(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	// Give white almost nothing and let plenty of wall time pass
	// before the first move: with no reference move yet, none of it
	// is charged.
	g.WhiteMs = 500
	if err := repo.InTx(ctx, func(tx Tx) error { return tx.UpdateGame(ctx, g) }); err != nil {
		t.Fatalf("seed clock: %v", err)
	}
	clk.Advance(5 * time.Second)

	res, err := playMove(t, svc, g.ID, "alice", "e2e4")
	if err != nil {
		t.Fatalf("first move must not flag: %v", err)
	}
	if res.Game.Status != domain.StatusActive {
		t.Fatalf("game must stay active, got %s", res.Game.Status)
	}
	if res.Game.WhiteMs != 500+testBlitz.IncrementMs {
		t.Fatalf("white clock: got %d, want %d", res.Game.WhiteMs, 500+testBlitz.IncrementMs)
	}
	if res.Game.LastMoveAt == nil {
		t.Fatal("first move must set the clock reference")
	}
}

func TestMoveChargesElapsedAndAddsIncrement(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); err != nil {
		t.Fatalf("white move: %v", err)
	}
	clk.Advance(3 * time.Second)

	res, err := playMove(t, svc, g.ID, "bob", "e7e5")
	if err != nil {
		t.Fatalf("black move: %v", err)
	}
	want := testBlitz.InitialMs() - 3000 + testBlitz.IncrementMs
	if res.Game.BlackMs != want {
		t.Fatalf("black clock: got %d, want %d", res.Game.BlackMs, want)
	}
	if res.Move.BlackMsAfter != want {
		t.Fatalf("move record clock: got %d, want %d", res.Move.BlackMsAfter, want)
	}
	if res.Game.PlyIndex != 2 {
		t.Fatalf("ply index: got %d, want 2", res.Game.PlyIndex)
	}
}

func TestLateMoveFlagsAndIsDiscarded(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); err != nil {
		t.Fatalf("white move: %v", err)
	}

	// Black has 200ms but replies five seconds later.
	g2, _ := svc.Snapshot(ctx, g.ID)
	g2.BlackMs = 200
	if err := repo.InTx(ctx, func(tx Tx) error { return tx.UpdateGame(ctx, g2) }); err != nil {
		t.Fatalf("seed clock: %v", err)
	}
	clk.Advance(5 * time.Second)

	res, err := playMove(t, svc, g.ID, "bob", "e7e5")
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if res.Game.Status != domain.StatusFinished || res.Game.Result != domain.ResultWhiteWins || res.Game.Reason != domain.ReasonTimeout {
		t.Fatalf("final state: %s %s %s", res.Game.Status, res.Game.Result, res.Game.Reason)
	}
	if res.Move != nil {
		t.Fatal("the late move must be discarded")
	}
	if res.Game.BlackMs != 0 {
		t.Fatalf("flagged clock must read zero, got %d", res.Game.BlackMs)
	}

	moves, _ := svc.MovesSince(ctx, g.ID, 0)
	if len(moves) != 1 {
		t.Fatalf("move list must only hold the first move, got %d", len(moves))
	}

	white, _ := repo.Rating(ctx, "alice", "blitz")
	black, _ := repo.Rating(ctx, "bob", "blitz")
	if white.Rating != 1520 || black.Rating != 1480 {
		t.Fatalf("ratings after timeout: %d / %d", white.Rating, black.Rating)
	}
}

func TestTurnAndParticipantChecks(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if _, err := playMove(t, svc, g.ID, "bob", "e7e5"); !errors.Is(err, ErrWrongTurn) {
		t.Fatalf("expected ErrWrongTurn, got %v", err)
	}
	if _, err := playMove(t, svc, g.ID, "mallory", "e2e4"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestStaleVersionRejected(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	res, err := svc.ApplyMove(ctx, g.ID, "alice", "e2e4", g.Version)
	if err != nil {
		t.Fatalf("matching version must pass: %v", err)
	}

	// A client still holding the pre-move snapshot must be rejected.
	if _, err := svc.ApplyMove(ctx, g.ID, "bob", "e7e5", g.Version); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if _, err := svc.ApplyMove(ctx, g.ID, "bob", "e7e5", res.Game.Version); err != nil {
		t.Fatalf("fresh version must pass: %v", err)
	}

	// There is no version wildcard: a caller who skips the check
	// entirely is rejected like any other mismatch.
	if _, err := svc.ApplyMove(ctx, g.ID, "alice", "g1f3", -1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("negative version must conflict, got %v", err)
	}
}

func TestIllegalMoveLeavesNoTrace(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if _, err := playMove(t, svc, g.ID, "alice", "e2e5"); !errors.Is(err, rules.ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}

	after, err := svc.Snapshot(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Version != g.Version || after.PlyIndex != 0 || after.FEN != domain.StartposFEN {
		t.Fatalf("rejected move must not mutate the game: %+v", after)
	}
	if after.WhiteMs != testBlitz.InitialMs() {
		t.Fatalf("rejected move must not touch the clock: %d", after.WhiteMs)
	}
	moves, _ := svc.MovesSince(ctx, g.ID, 0)
	if len(moves) != 0 {
		t.Fatalf("rejected move must not be recorded, got %d", len(moves))
	}
}

func TestCheckmateSettlesRatingsOnce(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	script := []struct {
		player string
		mv     string
	}{
		{"alice", "f2f3"},
		{"bob", "e7e5"},
		{"alice", "g2g4"},
		{"bob", "d8h4"},
	}
	var final *domain.Game
	for _, step := range script {
		res, err := playMove(t, svc, g.ID, step.player, step.mv)
		if err != nil {
			t.Fatalf("apply %s: %v", step.mv, err)
		}
		final = res.Game
	}

	if final.Status != domain.StatusFinished || final.Result != domain.ResultBlackWins || final.Reason != domain.ReasonCheckmate {
		t.Fatalf("final state: %s %s %s", final.Status, final.Result, final.Reason)
	}

	white, _ := repo.Rating(ctx, "alice", "blitz")
	black, _ := repo.Rating(ctx, "bob", "blitz")
	if black.Rating != 1520 || white.Rating != 1480 {
		t.Fatalf("ratings: white %d black %d", white.Rating, black.Rating)
	}
	if white.Games != 1 || black.Games != 1 {
		t.Fatalf("game counts: white %d black %d", white.Games, black.Games)
	}

	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("finished game must reject moves, got %v", err)
	}
}

func TestResign(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	out, err := svc.Resign(ctx, g.ID, "alice")
	if err != nil {
		t.Fatalf("resign: %v", err)
	}
	if out.Result != domain.ResultBlackWins || out.Reason != domain.ReasonResign {
		t.Fatalf("resign outcome: %s %s", out.Result, out.Reason)
	}
	if _, err := svc.Resign(ctx, g.ID, "bob"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("double resign must fail, got %v", err)
	}

	black, _ := repo.Rating(ctx, "bob", "blitz")
	if black.Rating != 1520 {
		t.Fatalf("winner rating: %d", black.Rating)
	}
}

func TestDrawOfferAndAccept(t *testing.T) {
	svc, repo, clk := newTestService(t, newRedisOffers(t))
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if _, err := svc.AcceptDraw(ctx, g.ID, "bob"); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("accept without offer: got %v", err)
	}

	if err := svc.OfferDraw(ctx, g.ID, "alice"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := svc.AcceptDraw(ctx, g.ID, "alice"); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("accepting own offer must fail, got %v", err)
	}

	out, err := svc.AcceptDraw(ctx, g.ID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out.Result != domain.ResultDraw || out.Reason != domain.ReasonDraw {
		t.Fatalf("draw outcome: %s %s", out.Result, out.Reason)
	}

	white, _ := repo.Rating(ctx, "alice", "blitz")
	black, _ := repo.Rating(ctx, "bob", "blitz")
	if white.Rating != 1500 || black.Rating != 1500 {
		t.Fatalf("even draw must not move ratings: %d / %d", white.Rating, black.Rating)
	}
}

func TestMoveVoidsDrawOffer(t *testing.T) {
	svc, repo, clk := newTestService(t, newRedisOffers(t))
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if err := svc.OfferDraw(ctx, g.ID, "alice"); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := svc.AcceptDraw(ctx, g.ID, "bob"); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("offer must be void after a move, got %v", err)
	}
}

func TestEngineFailureDrawSkipsRatings(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bot-low", true)

	out, err := svc.FinishEngineFailure(ctx, g.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if out.Result != domain.ResultDraw || out.Reason != domain.ReasonEngineFailure {
		t.Fatalf("outcome: %s %s", out.Result, out.Reason)
	}

	human, _ := repo.Rating(ctx, "alice", "blitz")
	if human.Rating != domain.DefaultRating || human.Games != 0 {
		t.Fatalf("engine failure must not settle ratings: %+v", human)
	}
}

type captureScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (c *captureScheduler) Schedule(gameID string) {
	c.mu.Lock()
	c.ids = append(c.ids, gameID)
	c.mu.Unlock()
}

func (c *captureScheduler) scheduled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestHumanMoveSchedulesBotReply(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	sched := &captureScheduler{}
	svc.SetBotScheduler(sched)
	g := startGame(t, repo, clk, testBlitz, "alice", "bot-low", true)

	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := sched.scheduled(); len(got) != 1 || got[0] != g.ID {
		t.Fatalf("bot reply must be scheduled once, got %v", got)
	}
}

func TestBotMoveNotChargedForThinkTime(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bot-low", true)

	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); err != nil {
		t.Fatalf("human move: %v", err)
	}
	// The engine thinks and the cosmetic delay runs for 10 seconds of
	// wall time; none of it is the bot playing slowly.
	clk.Advance(10 * time.Second)

	cur, err := svc.Snapshot(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.BotMove(ctx, g.ID, "bot-low", "e7e5", cur.Version)
	if err != nil {
		t.Fatalf("bot move: %v", err)
	}
	want := testBlitz.InitialMs() + testBlitz.IncrementMs
	if res.Game.BlackMs != want {
		t.Fatalf("bot clock: got %d, want %d", res.Game.BlackMs, want)
	}
}

func TestStartBotGamePicksClosestBot(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	g, err := svc.StartBotGame(ctx, "alice", testBlitz.Slug, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	opponent := g.WhiteID
	if opponent == "alice" {
		opponent = g.BlackID
	}
	// Default rating 1500 sits closer to the 2000 bot than the 800 one.
	if opponent != "bot-high" {
		t.Fatalf("closest bot: got %s", opponent)
	}
	if !g.HasBot || g.Status != domain.StatusActive {
		t.Fatalf("bot game state: %+v", g)
	}

	again, err := svc.StartBotGame(ctx, "alice", testBlitz.Slug, "")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if again.ID != g.ID {
		t.Fatal("an active game must be returned instead of a new one")
	}

	if _, err := svc.StartBotGame(ctx, "carol", "unknown-tc", ""); !errors.Is(err, ErrUnknownTimeControl) {
		t.Fatalf("unknown time control: got %v", err)
	}
	if _, err := svc.StartBotGame(ctx, "carol", testBlitz.Slug, "bot-nope"); !errors.Is(err, ErrUnknownBot) {
		t.Fatalf("unknown bot: got %v", err)
	}
}
