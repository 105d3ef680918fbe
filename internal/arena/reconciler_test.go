package arena

import (
	"context"
	"testing"
	"time"

	"github.com/darksquare/arena/internal/domain"
)

func newTestReconciler(t *testing.T) (*Reconciler, *Service, *MemRepository, *fakeClock) {
	t.Helper()
	svc, repo, clk := newTestService(t, nil)
	rec := NewReconciler(repo, svc, clk, 2*time.Second, 0)
	return rec, svc, repo, clk
}

func TestSweepFlagsOverdueGame(t *testing.T) {
	rec, svc, repo, clk := newTestReconciler(t)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); err != nil {
		t.Fatal(err)
	}
	g2, _ := svc.Snapshot(ctx, g.ID)
	g2.BlackMs = 200
	if err := repo.InTx(ctx, func(tx Tx) error { return tx.UpdateGame(ctx, g2) }); err != nil {
		t.Fatal(err)
	}
	clk.Advance(5 * time.Second)

	flagged, err := rec.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("flagged: got %d, want 1", flagged)
	}

	final, _ := svc.Snapshot(ctx, g.ID)
	if final.Status != domain.StatusFinished || final.Result != domain.ResultWhiteWins || final.Reason != domain.ReasonTimeout {
		t.Fatalf("final state: %s %s %s", final.Status, final.Result, final.Reason)
	}
	if final.BlackMs != 0 {
		t.Fatalf("flagged clock must read zero, got %d", final.BlackMs)
	}

	// Same finish transition as a late move: ratings settle here too.
	white, _ := repo.Rating(ctx, "alice", "blitz")
	if white.Rating != 1520 {
		t.Fatalf("winner rating: %d", white.Rating)
	}
}

func TestSweepLeavesHealthyGamesAlone(t *testing.T) {
	rec, svc, repo, clk := newTestReconciler(t)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Second)

	flagged, err := rec.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if flagged != 0 {
		t.Fatalf("healthy game flagged: %d", flagged)
	}
	after, _ := svc.Snapshot(ctx, g.ID)
	if after.Status != domain.StatusActive {
		t.Fatalf("game must stay active, got %s", after.Status)
	}
}

func TestSweepIgnoresGamesAwaitingFirstMove(t *testing.T) {
	rec, _, repo, clk := newTestReconciler(t)
	ctx := context.Background()
	startGame(t, repo, clk, testBullet, "alice", "bob", false)

	// Far longer than the whole bullet clock, but without a first
	// move there is no reference point and nothing to charge.
	clk.Advance(10 * time.Minute)

	flagged, err := rec.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if flagged != 0 {
		t.Fatalf("game without a first move flagged: %d", flagged)
	}
}

func TestSweepGraceDefersBorderlineGames(t *testing.T) {
	svc, repo, clk := newTestService(t, nil)
	rec := NewReconciler(repo, svc, clk, 2*time.Second, 10*time.Second)
	ctx := context.Background()
	g := startGame(t, repo, clk, testBlitz, "alice", "bob", false)

	if _, err := playMove(t, svc, g.ID, "alice", "e2e4"); err != nil {
		t.Fatal(err)
	}
	g2, _ := svc.Snapshot(ctx, g.ID)
	g2.BlackMs = 200
	if err := repo.InTx(ctx, func(tx Tx) error { return tx.UpdateGame(ctx, g2) }); err != nil {
		t.Fatal(err)
	}

	// Overdue by ~5s: inside the grace window, left for a late move
	// to resolve.
	clk.Advance(5 * time.Second)
	if flagged, _ := rec.SweepOnce(ctx); flagged != 0 {
		t.Fatalf("grace window violated: %d", flagged)
	}

	clk.Advance(10 * time.Second)
	if flagged, _ := rec.SweepOnce(ctx); flagged != 1 {
		t.Fatal("past the grace window the game must be flagged")
	}
}
