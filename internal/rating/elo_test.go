package rating

import "testing"

func TestUpdateEvenMatchWin(t *testing.T) {
	a, b := Update(1500, 1500, 0, 0, 1.0)
	if a != 1520 || b != 1480 {
		t.Fatalf("expected (1520, 1480), got (%d, %d)", a, b)
	}
}

func TestUpdateDrawEvenRatingsUnchanged(t *testing.T) {
	a, b := Update(1500, 1500, 0, 0, 0.5)
	if a != 1500 || b != 1500 {
		t.Fatalf("expected ratings unchanged on even draw, got (%d, %d)", a, b)
	}
}

func TestUpdateEstablishedKFactor(t *testing.T) {
	a, b := Update(1500, 1500, 30, 30, 1.0)
	if a != 1510 || b != 1490 {
		t.Fatalf("expected (1510, 1490) with K=20, got (%d, %d)", a, b)
	}
}

func TestUpdateMixedKFactors(t *testing.T) {
	// A provisional (K=40), B established (K=20).
	a, b := Update(1500, 1500, 0, 100, 0.0)
	if a != 1480 || b != 1510 {
		t.Fatalf("expected (1480, 1510), got (%d, %d)", a, b)
	}
}

func TestUpdateUsesPreUpdateRatings(t *testing.T) {
	// Upset win by the lower-rated side; both deltas derive from the same
	// pre-update gap, so they mirror when K matches.
	a, b := Update(1400, 1600, 50, 50, 1.0)
	da, db := a-1400, b-1600
	if da <= 10 {
		t.Fatalf("upset win should award more than half of K, got +%d", da)
	}
	if da != -db {
		t.Fatalf("paired deltas should mirror with equal K, got +%d / %d", da, db)
	}
}

func TestUpdateLopsidedExpectedWin(t *testing.T) {
	// A 400-point favorite winning gains little.
	a, _ := Update(1900, 1500, 100, 100, 1.0)
	if gain := a - 1900; gain < 1 || gain > 3 {
		t.Fatalf("favorite win should gain 1-3 points, got %d", gain)
	}
}
