// Package scheduler implements continuous batching for autoregressive
// decoding: requests are admitted into rectangular left-padded batches,
// stepped together through the model backend, and peeled off as they
// finish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/seqsched/seqsched/api"
	"github.com/seqsched/seqsched/kvcache"
	"github.com/seqsched/seqsched/layout"
	"github.com/seqsched/seqsched/ml"
	"github.com/seqsched/seqsched/sample"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrIncompatiblePolicy = errors.New("incompatible decoding policy")
)

// SeqBatcher is one live batch: a token grid plus the per-row state
// needed to step every row one token at a time. Rows stay until the
// stopping criterion marks them for exit and collectAndTrim removes
// them.
//
// Between steps the cache covers every grid column except the last
// appended one; the contrastive variant instead keeps the cache flush
// with the grid and carries the last logits forward, since its next
// token is chosen by candidate expansion rather than a fresh forward
// over the last column.
type SeqBatcher struct {
	variant Variant
	backend ml.Backend
	kind    ml.ModelKind
	sampler sample.Sampler

	grid      *layout.Grid
	offsets   []int
	uids      []int64
	configs   []api.SearchConfig
	generated []int
	cache     *ml.CacheState

	candidateK int
	lastLogits [][]float32
	pastHidden [][][]float64

	exitSet map[int]struct{}
}

// InitForward builds a batch from freshly admitted rows and runs the
// prefill pass. rows must be rectangular and parallel with uids and
// configs. A non-nil prefix prepends precomputed prompt state; prefix
// admission is single-row and the row must carry no left padding.
func InitForward(ctx context.Context, backend ml.Backend, kind ml.ModelKind, variant Variant, rows [][]int32, uids []int64, configs []api.SearchConfig, prefix *kvcache.Entry, seed *int64) (*SeqBatcher, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows: %w", ErrInvalidRequest)
	}
	if len(uids) != len(rows) || len(configs) != len(rows) {
		return nil, fmt.Errorf("%d rows, %d uids, %d configs: %w", len(rows), len(uids), len(configs), ErrInvalidRequest)
	}

	b := &SeqBatcher{
		variant:   variant,
		backend:   backend,
		kind:      kind,
		uids:      slices.Clone(uids),
		configs:   slices.Clone(configs),
		generated: make([]int, len(rows)),
		exitSet:   make(map[int]struct{}),
	}
	if variant == Sampling {
		b.sampler = sample.Weighted(seed)
	} else {
		b.sampler = sample.Greedy()
	}
	if variant == Contrastive {
		b.candidateK = configs[0].ContrastiveK
		for i := range configs {
			if configs[i].ContrastiveK != b.candidateK {
				return nil, fmt.Errorf("contrastive_k differs within batch: %w", ErrIncompatiblePolicy)
			}
		}
	}

	var batch ml.Batch
	if prefix == nil {
		grid, err := layout.NewGrid(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", err, ErrInvalidRequest)
		}
		padIDs := make([]int32, len(configs))
		for i := range configs {
			padIDs[i] = configs[i].PadTokenID
		}
		offsets, err := layout.Offsets(grid, padIDs)
		if err != nil {
			return nil, err
		}
		b.grid = grid
		b.offsets = offsets
		batch = ml.Batch{
			TokenIDs:      gridRows(grid),
			PositionIDs:   layout.PositionIDs(grid.Rows(), grid.Cols(), offsets, 0, 1),
			AttentionMask: layout.AttentionMask(offsets, grid.Cols(), 1),
			Kind:          kind,
		}
	} else {
		var err error
		if batch, err = b.initWithPrefix(rows, prefix); err != nil {
			return nil, err
		}
	}

	out, err := backend.Forward(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}
	b.cache = out.Cache

	if variant == Contrastive {
		b.lastLogits = cloneLogits(out.Logits)
		b.pastHidden = make([][][]float64, len(rows))
		for i, h := range out.HiddenStates {
			b.pastHidden[i] = [][]float64{slices.Clone(h)}
		}
		return b, nil
	}

	// default variants sample the first generated token straight from
	// the prefill logits
	tokens := make([]int32, b.grid.Rows())
	for i := range tokens {
		if tokens[i], err = b.pickToken(i, out.Logits[i]); err != nil {
			return nil, err
		}
	}
	if err := b.grid.AppendColumn(tokens); err != nil {
		return nil, err
	}
	for i, tok := range tokens {
		b.generated[i] = 1
		b.checkStopping(i, tok)
	}
	return b, nil
}

// initWithPrefix lays the batch out as prefix prompt followed by the
// row's own tokens, with the prefill pass covering only the row part.
// An empty row re-runs the final prefix token so there are logits to
// sample from.
func (b *SeqBatcher) initWithPrefix(rows [][]int32, prefix *kvcache.Entry) (ml.Batch, error) {
	if len(rows) != 1 {
		return ml.Batch{}, fmt.Errorf("prefix admission takes one row, got %d: %w", len(rows), ErrInvalidRequest)
	}
	row := rows[0]
	if len(row) > 0 && row[0] == b.configs[0].PadTokenID {
		return ml.Batch{}, fmt.Errorf("prefix admission row must not be padded: %w", ErrInvalidRequest)
	}
	promptLen := len(prefix.Prompt)
	if promptLen == 0 || prefix.State == nil || prefix.State.Rows != 1 {
		return ml.Batch{}, fmt.Errorf("malformed prefix entry: %w", ErrInvalidRequest)
	}

	full := make([]int32, 0, promptLen+len(row))
	full = append(full, prefix.Prompt...)
	full = append(full, row...)
	grid, err := layout.NewGrid([][]int32{full})
	if err != nil {
		return ml.Batch{}, err
	}
	b.grid = grid
	b.offsets = []int{0}

	input := row
	cache := prefix.State.Clone()
	past := promptLen
	if len(input) == 0 {
		input = prefix.Prompt[promptLen-1:]
		past = promptLen - 1
		if cache, err = cache.Trim([]int{0}, past); err != nil {
			return ml.Batch{}, err
		}
	}
	return ml.Batch{
		TokenIDs:      [][]int32{slices.Clone(input)},
		PositionIDs:   layout.PositionIDs(1, len(input), b.offsets, past, 1),
		AttentionMask: layout.AttentionMask(b.offsets, past+len(input), 1),
		Cache:         cache,
		Kind:          b.kind,
	}, nil
}

// Len is the number of live rows.
func (b *SeqBatcher) Len() int {
	if b.grid == nil {
		return 0
	}
	return b.grid.Rows()
}

// UIDs returns the live request uids in row order.
func (b *SeqBatcher) UIDs() []int64 {
	return slices.Clone(b.uids)
}

// AddBatch merges another batch into this one. The incoming rows come
// first, right-aligned into the combined width. Both batches must use
// the same decoding-policy variant and have no rows pending collection.
func (b *SeqBatcher) AddBatch(other *SeqBatcher) error {
	if other.variant != b.variant {
		return fmt.Errorf("cannot merge %s into %s: %w", other.variant, b.variant, ErrIncompatiblePolicy)
	}
	if b.variant == Contrastive && other.candidateK != b.candidateK {
		return fmt.Errorf("contrastive_k differs across batches: %w", ErrIncompatiblePolicy)
	}
	if len(b.exitSet) > 0 || len(other.exitSet) > 0 {
		return errors.New("cannot merge with rows pending collection")
	}
	if other.Len() == 0 {
		return nil
	}
	if b.Len() == 0 {
		b.adopt(other)
		return nil
	}

	merged := layout.Merge(b.grid, other.grid, 0)
	cache, err := ml.MergeCaches(b.cache, other.cache)
	if err != nil {
		return err
	}

	cols := merged.Cols()
	offsets := make([]int, 0, other.Len()+b.Len())
	for _, off := range other.offsets {
		offsets = append(offsets, off+cols-other.grid.Cols())
	}
	for _, off := range b.offsets {
		offsets = append(offsets, off+cols-b.grid.Cols())
	}

	b.grid = merged
	b.cache = cache
	b.offsets = offsets
	b.uids = append(slices.Clone(other.uids), b.uids...)
	b.configs = append(slices.Clone(other.configs), b.configs...)
	b.generated = append(slices.Clone(other.generated), b.generated...)
	if b.variant == Contrastive {
		b.lastLogits = append(cloneLogits(other.lastLogits), b.lastLogits...)
		b.pastHidden = append(slices.Clone(other.pastHidden), b.pastHidden...)
	}
	return nil
}

func (b *SeqBatcher) adopt(other *SeqBatcher) {
	b.grid = other.grid
	b.cache = other.cache
	b.offsets = other.offsets
	b.uids = other.uids
	b.configs = other.configs
	b.generated = other.generated
	b.lastLogits = other.lastLogits
	b.pastHidden = other.pastHidden
	b.candidateK = other.candidateK
}

// Step advances every live row by one token and reports the new token
// per request uid. On error no state has changed.
func (b *SeqBatcher) Step(ctx context.Context) (api.StepTokens, error) {
	if b.Len() == 0 {
		return api.StepTokens{}, nil
	}
	if b.variant == Contrastive {
		return b.stepContrastive(ctx)
	}
	return b.stepDefault(ctx)
}

func (b *SeqBatcher) stepDefault(ctx context.Context) (api.StepTokens, error) {
	n := b.grid.Rows()
	cols := b.grid.Cols()
	past := b.cache.SeqLen

	lastCol := make([][]int32, n)
	for i := range lastCol {
		lastCol[i] = []int32{b.grid.At(i, cols-1)}
	}

	out, err := b.backend.Forward(ctx, ml.Batch{
		TokenIDs:      lastCol,
		PositionIDs:   layout.PositionIDs(n, 1, b.offsets, past, 1),
		AttentionMask: layout.AttentionMask(b.offsets, cols, 1),
		Cache:         b.cache,
		Kind:          b.kind,
	})
	if err != nil {
		return nil, fmt.Errorf("decode step: %w", err)
	}

	tokens := make([]int32, n)
	for i := range tokens {
		if tokens[i], err = b.pickToken(i, out.Logits[i]); err != nil {
			return nil, err
		}
	}

	b.cache = out.Cache
	if err := b.grid.AppendColumn(tokens); err != nil {
		return nil, err
	}
	step := make(api.StepTokens, n)
	for i, tok := range tokens {
		b.generated[i]++
		step[b.uids[i]] = tok
		b.checkStopping(i, tok)
	}
	return step, nil
}

// stepContrastive expands each logical row into candidateK candidate
// rows, scores each candidate's probability against its degeneration
// penalty, and collapses back to the winner.
func (b *SeqBatcher) stepContrastive(ctx context.Context) (api.StepTokens, error) {
	n := b.grid.Rows()
	k := b.candidateK
	past := b.cache.SeqLen

	candTokens := make([][]int32, 0, n*k)
	candProbs := make([][]float64, n)
	for i := range n {
		tokens, probs, err := b.topCandidates(i)
		if err != nil {
			return nil, err
		}
		candProbs[i] = probs
		for _, tok := range tokens {
			candTokens = append(candTokens, []int32{tok})
		}
	}

	out, err := b.backend.Forward(ctx, ml.Batch{
		TokenIDs:      candTokens,
		PositionIDs:   layout.PositionIDs(n, 1, b.offsets, past, k),
		AttentionMask: layout.AttentionMask(b.offsets, past+1, k),
		Cache:         b.cache.Replicate(k),
		Kind:          b.kind,
	})
	if err != nil {
		return nil, fmt.Errorf("candidate expansion: %w", err)
	}

	chosen := make([]int32, n)
	selected := make([]int, n)
	for i := range n {
		hidden := out.HiddenStates[i*k : (i+1)*k]
		choice, err := sample.SelectContrastive(candProbs[i], hidden, b.pastHidden[i], b.configs[i].Alpha)
		if err != nil {
			return nil, err
		}
		chosen[i] = candTokens[i*k+choice][0]
		selected[i] = i*k + choice
	}

	cache, err := out.Cache.SelectRows(selected)
	if err != nil {
		return nil, err
	}
	b.cache = cache
	if err := b.grid.AppendColumn(chosen); err != nil {
		return nil, err
	}
	step := make(api.StepTokens, n)
	for i, tok := range chosen {
		b.lastLogits[i] = slices.Clone(out.Logits[selected[i]])
		b.pastHidden[i] = append(b.pastHidden[i], slices.Clone(out.HiddenStates[selected[i]]))
		b.generated[i]++
		step[b.uids[i]] = tok
		b.checkStopping(i, tok)
	}
	return step, nil
}

// topCandidates takes a row's carried logits, applies its repetition
// penalty, and returns the candidateK most probable tokens with their
// probabilities.
func (b *SeqBatcher) topCandidates(row int) ([]int32, []float64, error) {
	cfg := &b.configs[row]
	logits := make([]float64, len(b.lastLogits[row]))
	for i, v := range b.lastLogits[row] {
		logits[i] = float64(v)
	}
	if cfg.RepetitionPenalty != 1 {
		penalty := sample.RepetitionPenalty{Penalty: cfg.RepetitionPenalty, Context: b.rowTokens(row)}
		var err error
		if logits, err = penalty.Apply(logits); err != nil {
			return nil, nil, err
		}
	}

	probs := softmax64(logits)
	k := min(b.candidateK, len(probs))
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, c int) int {
		if probs[a] > probs[c] {
			return -1
		}
		if probs[a] < probs[c] {
			return 1
		}
		return a - c
	})

	tokens := make([]int32, k)
	topProbs := make([]float64, k)
	for i := range k {
		tokens[i] = int32(order[i])
		topProbs[i] = probs[order[i]]
	}
	return tokens, topProbs, nil
}

// pickToken runs one row's decoding policy over its logits slice.
func (b *SeqBatcher) pickToken(row int, logits []float32) (int32, error) {
	cfg := &b.configs[row]
	var transforms []sample.Transform
	if cfg.RepetitionPenalty != 1 {
		transforms = append(transforms, sample.RepetitionPenalty{Penalty: cfg.RepetitionPenalty, Context: b.rowTokens(row)})
	}
	if b.variant == Sampling {
		if cfg.Temperature > 0 && cfg.Temperature != 1 {
			transforms = append(transforms, sample.Temperature(cfg.Temperature))
		}
		if cfg.TopP > 0 && cfg.TopP < 1 {
			transforms = append(transforms, sample.TopP(cfg.TopP))
		}
		if cfg.TopK > 0 {
			transforms = append(transforms, sample.TopK(cfg.TopK))
		}
		if cfg.TypicalP > 0 && cfg.TypicalP < 1 {
			transforms = append(transforms, sample.TypicalP(cfg.TypicalP))
		}
	}
	return b.sampler.Sample(logits, transforms...)
}

// rowTokens is the row's real (unpadded) token span, prompt plus
// everything generated so far.
func (b *SeqBatcher) rowTokens(row int) []int32 {
	return b.grid.Row(row)[b.offsets[row]:]
}

func (b *SeqBatcher) checkStopping(row int, tok int32) {
	cfg := &b.configs[row]
	if tok == cfg.EOSTokenID || b.generated[row] >= cfg.MaxNewTokens {
		b.exitSet[row] = struct{}{}
	}
}

// CollectAndTrim removes every finished row, returning its full token
// sequence (prompt included), and compacts the survivors: shared
// left padding no longer needed is dropped from grid and cache alike.
func (b *SeqBatcher) CollectAndTrim() map[int64][]int32 {
	if len(b.exitSet) == 0 {
		return nil
	}

	results := make(map[int64][]int32, len(b.exitSet))
	var keep []int
	for i := range b.grid.Rows() {
		if _, done := b.exitSet[i]; done {
			results[b.uids[i]] = slices.Clone(b.rowTokens(i))
		} else {
			keep = append(keep, i)
		}
	}
	b.exitSet = make(map[int]struct{})

	if len(keep) == 0 {
		b.grid = nil
		b.cache = nil
		b.offsets = nil
		b.uids = nil
		b.configs = nil
		b.generated = nil
		b.lastLogits = nil
		b.pastHidden = nil
		return results
	}

	minOff := math.MaxInt
	for _, i := range keep {
		minOff = min(minOff, b.offsets[i])
	}

	grid, err := layout.Trim(b.grid, keep, b.grid.Cols()-minOff)
	if err != nil {
		panic(err)
	}
	cache, err := b.cache.Trim(keep, b.cache.SeqLen-minOff)
	if err != nil {
		panic(err)
	}
	b.grid = grid
	b.cache = cache

	offsets := make([]int, 0, len(keep))
	uids := make([]int64, 0, len(keep))
	configs := make([]api.SearchConfig, 0, len(keep))
	generated := make([]int, 0, len(keep))
	var lastLogits [][]float32
	var pastHidden [][][]float64
	for _, i := range keep {
		offsets = append(offsets, b.offsets[i]-minOff)
		uids = append(uids, b.uids[i])
		configs = append(configs, b.configs[i])
		generated = append(generated, b.generated[i])
		if b.variant == Contrastive {
			lastLogits = append(lastLogits, b.lastLogits[i])
			pastHidden = append(pastHidden, b.pastHidden[i])
		}
	}
	b.offsets = offsets
	b.uids = uids
	b.configs = configs
	b.generated = generated
	b.lastLogits = lastLogits
	b.pastHidden = pastHidden
	return results
}

// Split partitions the batch's rows by position into independent
// batches. The partitions must be disjoint and cover every row; the
// receiver is consumed.
func (b *SeqBatcher) Split(partitions [][]int) ([]*SeqBatcher, error) {
	if len(b.exitSet) > 0 {
		return nil, errors.New("cannot split with rows pending collection")
	}
	seen := make(map[int]struct{})
	total := 0
	for _, part := range partitions {
		if len(part) == 0 {
			return nil, fmt.Errorf("empty partition: %w", ErrInvalidRequest)
		}
		for _, i := range part {
			if i < 0 || i >= b.Len() {
				return nil, fmt.Errorf("partition row %d out of range: %w", i, ErrInvalidRequest)
			}
			if _, dup := seen[i]; dup {
				return nil, fmt.Errorf("partition row %d repeated: %w", i, ErrInvalidRequest)
			}
			seen[i] = struct{}{}
			total++
		}
	}
	if total != b.Len() {
		return nil, fmt.Errorf("partitions cover %d of %d rows: %w", total, b.Len(), ErrInvalidRequest)
	}

	out := make([]*SeqBatcher, 0, len(partitions))
	for _, part := range partitions {
		grid, err := layout.Trim(b.grid, part, b.grid.Cols())
		if err != nil {
			return nil, err
		}
		cache, err := b.cache.SelectRows(part)
		if err != nil {
			return nil, err
		}
		nb := &SeqBatcher{
			variant:    b.variant,
			backend:    b.backend,
			kind:       b.kind,
			sampler:    b.sampler,
			grid:       grid,
			cache:      cache,
			candidateK: b.candidateK,
			exitSet:    make(map[int]struct{}),
		}
		for _, i := range part {
			nb.offsets = append(nb.offsets, b.offsets[i])
			nb.uids = append(nb.uids, b.uids[i])
			nb.configs = append(nb.configs, b.configs[i])
			nb.generated = append(nb.generated, b.generated[i])
			if b.variant == Contrastive {
				nb.lastLogits = append(nb.lastLogits, b.lastLogits[i])
				nb.pastHidden = append(nb.pastHidden, b.pastHidden[i])
			}
		}
		out = append(out, nb)
	}

	b.grid = nil
	b.cache = nil
	b.offsets = nil
	b.uids = nil
	b.configs = nil
	b.generated = nil
	b.lastLogits = nil
	b.pastHidden = nil
	return out, nil
}

func gridRows(g *layout.Grid) [][]int32 {
	rows := make([][]int32, g.Rows())
	for i := range rows {
		rows[i] = slices.Clone(g.Row(i))
	}
	return rows
}

func cloneLogits(logits [][]float32) [][]float32 {
	out := make([][]float32, len(logits))
	for i, row := range logits {
		out[i] = slices.Clone(row)
	}
	return out
}

func softmax64(logits []float64) []float64 {
	maxLogit := slices.Max(logits)
	var sum float64
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
