// Package sample implements the token-selection policies applied to
// model logits: greedy argmax and weighted sampling behind a shared
// Sampler interface, with the logit transforms (repetition penalty,
// temperature, top-p, top-k, typical-p) composed as a pipeline.
package sample

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type Transform interface {
	Apply([]float64) ([]float64, error)
}

type Sampler interface {
	Sample(logits []float32, transforms ...Transform) (int32, error)
}

func softmax(logits []float64) []float64 {
	// subtract the max first so exp can't overflow
	maxLogit := slices.Max(logits)
	var sum float64
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
		sum += probs[i]
	}
	floats.Scale(1/sum, probs)
	return probs
}

func applyAll(logits []float32, transforms []Transform) ([]float64, error) {
	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	var err error
	for _, t := range transforms {
		logits64, err = t.Apply(logits64)
		if err != nil {
			return nil, err
		}
	}
	return logits64, nil
}

// RepetitionPenalty downweights tokens the sequence has already
// emitted: positive logits are divided by the penalty, negative ones
// multiplied (so the logit always moves away from selection).
type RepetitionPenalty struct {
	Penalty float64
	Context []int32
}

func (r RepetitionPenalty) Apply(logits []float64) ([]float64, error) {
	if r.Penalty <= 0 {
		return nil, errors.New("repetition penalty must be positive")
	}
	if r.Penalty == 1 {
		return logits, nil
	}
	for _, tok := range r.Context {
		i := int(tok)
		if i < 0 || i >= len(logits) {
			continue
		}
		if logits[i] > 0 {
			logits[i] /= r.Penalty
		} else {
			logits[i] *= r.Penalty
		}
	}
	return logits, nil
}

type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t < 0 || t > 2 {
		return nil, errors.New("temperature must be between 0 and 2")
	}
	temp := math.Max(float64(t), 1e-7)

	// subtracting max logit to avoid under/overflow
	maxLogit := slices.Max(logits)
	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / temp
	}

	return logits, nil
}

type logitMap struct {
	index int
	logit float64
}

func logitMapComparator(a, b logitMap) int {
	return -cmp.Compare(a.logit, b.logit)
}

type TopK int

func (k TopK) Apply(logits []float64) ([]float64, error) {
	if k <= 0 {
		return nil, errors.New("k must be greater than 0")
	}
	if int(k) >= len(logits) {
		return logits, nil
	}

	q := pq.NewWith(logitMapComparator)
	for i, logit := range logits {
		q.Enqueue(logitMap{index: i, logit: logit})
	}

	keep := make(map[int]struct{}, k)
	for range k {
		lm, _ := q.Dequeue()
		keep[lm.index] = struct{}{}
	}

	for i := range logits {
		if _, ok := keep[i]; !ok {
			logits[i] = math.Inf(-1)
		}
	}

	return logits, nil
}

type TopP float64

func (p TopP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, errors.New("p must be between 0 and 1")
	}

	probs := softmax(logits)
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}

	// sort in descending order of probability
	slices.SortFunc(indices, func(i, j int) int {
		return cmp.Compare(probs[j], probs[i])
	})

	var cumSum float64
	for i, idx := range indices {
		cumSum += probs[idx]
		if cumSum > float64(p) {
			for _, drop := range indices[i+1:] {
				logits[drop] = math.Inf(-1)
			}
			break
		}
	}
	return logits, nil
}

// TypicalP keeps the locally typical tokens: those whose surprisal is
// closest to the entropy of the distribution, up to cumulative mass p.
type TypicalP float64

func (p TypicalP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, errors.New("p must be between 0 and 1")
	}

	probs := softmax(logits)

	var entropy float64
	for _, pr := range probs {
		if pr > 0 {
			entropy -= pr * math.Log(pr)
		}
	}

	shifted := make([]float64, len(probs))
	for i, pr := range probs {
		if pr > 0 {
			shifted[i] = math.Abs(-math.Log(pr) - entropy)
		} else {
			shifted[i] = math.Inf(1)
		}
	}

	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	// ascending distance from the entropy
	slices.SortFunc(indices, func(i, j int) int {
		return cmp.Compare(shifted[i], shifted[j])
	})

	var cumSum float64
	last := len(indices) - 1
	for i, idx := range indices {
		cumSum += probs[idx]
		if cumSum >= float64(p) {
			last = i
			break
		}
	}
	for _, drop := range indices[last+1:] {
		logits[drop] = math.Inf(-1)
	}
	return logits, nil
}

type greedy struct{}

// Greedy returns the sampler that picks the argmax token after the
// transform chain has run.
func Greedy() Sampler {
	return greedy{}
}

func (greedy) Sample(logits []float32, transforms ...Transform) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("no logits to sample")
	}
	logits64, err := applyAll(logits, transforms)
	if err != nil {
		return -1, err
	}
	return int32(floats.MaxIdx(logits64)), nil
}

type weighted struct {
	src rand.Source
}

// Weighted returns the stochastic sampler. A non-nil seed pins the
// random source so test runs are reproducible.
func Weighted(seed *int64) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(uint64(*seed))
	}
	return weighted{src: src}
}

func (s weighted) Sample(logits []float32, transforms ...Transform) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("no logits to sample")
	}
	logits64, err := applyAll(logits, transforms)
	if err != nil {
		return -1, err
	}

	kept := make([]float64, 0, len(logits64))
	indices := make([]int, 0, len(logits64))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) {
			kept = append(kept, logit)
			indices = append(indices, i)
		}
	}
	if len(kept) == 0 {
		return -1, errors.New("no valid logits after transforms")
	}

	probs := softmax(kept)
	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return int32(indices[idx]), nil
	}
	return -1, errors.New("weighted sampler found no valid token")
}
