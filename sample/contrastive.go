package sample

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ContrastiveParams are the contrastive-search coefficients. Alpha
// blends model confidence against the degeneration penalty; K is how
// many candidate continuations each logical row expands into per step.
type ContrastiveParams struct {
	Alpha float64
	K     int
}

// cosineSimilarity calculates the cosine of the angle between two
// vectors, ranging from -1 to 1 where 1 means identical direction.
func cosineSimilarity(a, b *mat.VecDense) float64 {
	norms := mat.Norm(a, 2) * mat.Norm(b, 2)
	if norms == 0 {
		return 0
	}
	return mat.Dot(a, b) / norms
}

// DegenerationPenalty is the largest cosine similarity between a
// candidate's hidden state and any of the sequence's past hidden
// states. A candidate that points back toward earlier context scores
// high and gets suppressed.
func DegenerationPenalty(candidate []float64, past [][]float64) float64 {
	cv := mat.NewVecDense(len(candidate), candidate)
	maxSim := -1.0
	for _, h := range past {
		if len(h) != len(candidate) {
			continue
		}
		if sim := cosineSimilarity(cv, mat.NewVecDense(len(h), h)); sim > maxSim {
			maxSim = sim
		}
	}
	return maxSim
}

// SelectContrastive picks, from one logical row's K candidates, the one
// maximizing (1-alpha)*prob - alpha*penalty. probs and hidden are
// parallel, one entry per candidate; past holds the row's hidden states
// from all prior positions.
func SelectContrastive(probs []float64, hidden [][]float64, past [][]float64, alpha float64) (int, error) {
	if len(probs) == 0 {
		return -1, errors.New("no candidates to score")
	}
	if len(hidden) != len(probs) {
		return -1, fmt.Errorf("candidate shape mismatch: %d hidden states for %d probabilities", len(hidden), len(probs))
	}
	if alpha < 0 || alpha > 1 {
		return -1, fmt.Errorf("alpha must be in [0,1], got %v", alpha)
	}

	best := 0
	bestScore := float64(0)
	for i := range probs {
		penalty := DegenerationPenalty(hidden[i], past)
		score := (1-alpha)*probs[i] - alpha*penalty
		if i == 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return best, nil
}
