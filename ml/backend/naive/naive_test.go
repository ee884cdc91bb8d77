package naive

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/seqsched/seqsched/layout"
	"github.com/seqsched/seqsched/ml"
)

func newBackend(t *testing.T) ml.Backend {
	t.Helper()
	b, err := ml.NewBackend("naive", ml.ModelConfig{VocabSize: 32, HiddenSize: 8, NumLayers: 2})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func prefillBatch(tokens [][]int32, offsets []int) ml.Batch {
	rows, cols := len(tokens), len(tokens[0])
	return ml.Batch{
		TokenIDs:      tokens,
		PositionIDs:   layout.PositionIDs(rows, cols, offsets, 0, 1),
		AttentionMask: layout.AttentionMask(offsets, cols, 1),
	}
}

func TestForwardDeterministic(t *testing.T) {
	b := newBackend(t)
	batch := prefillBatch([][]int32{{3, 1, 4, 1, 5}}, []int{0})

	first, err := b.Forward(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Forward(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first.Logits, second.Logits); diff != "" {
		t.Errorf("same input produced different logits:\n%s", diff)
	}
}

func TestForwardIncrementalMatchesPrefill(t *testing.T) {
	b := newBackend(t)
	tokens := []int32{3, 1, 4, 1, 5, 9}

	// one shot over the whole prompt
	full, err := b.Forward(context.Background(), prefillBatch([][]int32{tokens}, []int{0}))
	if err != nil {
		t.Fatal(err)
	}

	// prefix then one incremental column
	prefix, err := b.Forward(context.Background(), prefillBatch([][]int32{tokens[:5]}, []int{0}))
	if err != nil {
		t.Fatal(err)
	}
	step, err := b.Forward(context.Background(), ml.Batch{
		TokenIDs:      [][]int32{{tokens[5]}},
		PositionIDs:   layout.PositionIDs(1, 1, []int{0}, 5, 1),
		AttentionMask: layout.AttentionMask([]int{0}, 6, 1),
		Cache:         prefix.Cache,
	})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(full.Logits, step.Logits); diff != "" {
		t.Errorf("incremental decode diverged from prefill:\n%s", diff)
	}
	if step.Cache.SeqLen != 6 {
		t.Errorf("expected cache over 6 positions, got %d", step.Cache.SeqLen)
	}
}

func TestForwardIgnoresMaskedColumns(t *testing.T) {
	b := newBackend(t)

	plain, err := b.Forward(context.Background(), prefillBatch([][]int32{{7, 8, 9}}, []int{0}))
	if err != nil {
		t.Fatal(err)
	}

	// same row left-padded by two masked columns
	padded, err := b.Forward(context.Background(), prefillBatch(
		[][]int32{{0, 0, 7, 8, 9}}, []int{2},
	))
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(plain.Logits, padded.Logits); diff != "" {
		t.Errorf("left padding changed the logits:\n%s", diff)
	}
}

func TestForwardDoesNotMutateInputCache(t *testing.T) {
	b := newBackend(t)
	prefix, err := b.Forward(context.Background(), prefillBatch([][]int32{{1, 2, 3}}, []int{0}))
	if err != nil {
		t.Fatal(err)
	}
	before := prefix.Cache.Clone()

	_, err = b.Forward(context.Background(), ml.Batch{
		TokenIDs:      [][]int32{{4}},
		PositionIDs:   layout.PositionIDs(1, 1, []int{0}, 3, 1),
		AttentionMask: layout.AttentionMask([]int{0}, 4, 1),
		Cache:         prefix.Cache,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, prefix.Cache); diff != "" {
		t.Errorf("forward mutated its input cache:\n%s", diff)
	}
}

func TestForwardShapeErrors(t *testing.T) {
	b := newBackend(t)

	if _, err := b.Forward(context.Background(), ml.Batch{}); err == nil {
		t.Error("expected error for empty batch")
	}

	// mask too narrow
	_, err := b.Forward(context.Background(), ml.Batch{
		TokenIDs:      [][]int32{{1, 2}},
		PositionIDs:   [][]int32{{0, 1}},
		AttentionMask: [][]int32{{1}},
	})
	if err == nil {
		t.Error("expected error for short mask")
	}
}
