// Package rating implements the paired Elo update applied at a game's
// finishing transition.
package rating

import "math"

const (
	provisionalGames   = 30
	kFactorProvisional = 40
	kFactorEstablished = 20
)

// Update computes both post-game ratings from the pre-game ratings, each
// side's games-played count, and A's score (1, 0.5 or 0). Both sides are
// updated from the pre-update values, never sequentially chained.
func Update(ratingA, ratingB, gamesA, gamesB int, scoreA float64) (int, int) {
	scoreB := 1.0 - scoreA
	expectedA := expectedScore(ratingA, ratingB)
	expectedB := 1.0 - expectedA

	newA := ratingA + int(math.Round(kFor(gamesA)*(scoreA-expectedA)))
	newB := ratingB + int(math.Round(kFor(gamesB)*(scoreB-expectedB)))
	return newA, newB
}

func expectedScore(ra, rb int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(rb-ra)/400.0))
}

func kFor(games int) float64 {
	if games < provisionalGames {
		return kFactorProvisional
	}
	return kFactorEstablished
}
