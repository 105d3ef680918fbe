package engine

import (
	"math"
	"math/rand"

	"github.com/darksquare/arena/internal/engine/uci"
)

// Weak-play synthesis. Candidates arrive best-first from a MultiPV
// search; the chance of ignoring the ranking entirely and the
// flatness of the ranked weights both grow as the target drops.

func weakness(target int) float64 {
	w := float64(1200-target) / 1000
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

func randomMoveChance(target int) float64 {
	p := 0.15 + 0.65*weakness(target)
	if target <= 600 {
		p += 0.35
	}
	if p > 0.95 {
		p = 0.95
	}
	return p
}

// rankWeights assigns geometric weights to ranked candidates. The
// decay ratio rises with weakness, flattening the distribution toward
// uniform for the weakest targets.
func rankWeights(n, target int) []float64 {
	ratio := 0.25 + 0.6*weakness(target)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = math.Pow(ratio, float64(i))
	}
	return weights
}

func pickWeakMove(candidates []uci.Candidate, target int, r *rand.Rand) string {
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0].Move
	}

	if r.Float64() < randomMoveChance(target) {
		return candidates[r.Intn(len(candidates))].Move
	}

	weights := rankWeights(len(candidates), target)
	total := 0.0
	for _, w := range weights {
		total += w
	}
	threshold := r.Float64() * total
	for i, w := range weights {
		threshold -= w
		if threshold <= 0 {
			return candidates[i].Move
		}
	}
	return candidates[len(candidates)-1].Move
}
