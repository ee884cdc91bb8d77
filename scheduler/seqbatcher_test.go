package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqsched/seqsched/api"
	"github.com/seqsched/seqsched/ml"
	_ "github.com/seqsched/seqsched/ml/backend/naive"
)

func testBackend(t *testing.T) ml.Backend {
	t.Helper()
	backend, err := ml.NewBackend("naive", ml.ModelConfig{VocabSize: 64, HiddenSize: 8, NumLayers: 2})
	require.NoError(t, err)
	return backend
}

func testConfig(maxNew int) api.SearchConfig {
	cfg := api.DefaultSearchConfig()
	cfg.MaxNewTokens = maxNew
	return cfg
}

func configsFor(n, maxNew int) []api.SearchConfig {
	out := make([]api.SearchConfig, n)
	for i := range out {
		out[i] = testConfig(maxNew)
	}
	return out
}

func initGreedy(t *testing.T, backend ml.Backend, rows [][]int32, uids []int64, maxNew int) *SeqBatcher {
	t.Helper()
	b, err := InitForward(context.Background(), backend, ml.CausalDecoder, Greedy, rows, uids, configsFor(len(rows), maxNew), nil, nil)
	require.NoError(t, err)
	return b
}

func TestInitForwardPrefillsAndAppends(t *testing.T) {
	backend := testBackend(t)
	pad := api.DefaultSearchConfig().PadTokenID

	rows := [][]int32{
		{pad, pad, 7, 8},
		{1, 2, 3, 4},
	}
	b := initGreedy(t, backend, rows, []int64{1, 2}, 10)

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []int{2, 0}, b.offsets)
	assert.Equal(t, 5, b.grid.Cols())
	assert.Equal(t, 4, b.cache.SeqLen)
	assert.Equal(t, []int{1, 1}, b.generated)
}

func TestInitForwardValidates(t *testing.T) {
	backend := testBackend(t)

	_, err := InitForward(context.Background(), backend, ml.CausalDecoder, Greedy, nil, nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = InitForward(context.Background(), backend, ml.CausalDecoder, Greedy, [][]int32{{1}}, []int64{1, 2}, configsFor(1, 5), nil, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	// ragged rows
	_, err = InitForward(context.Background(), backend, ml.CausalDecoder, Greedy, [][]int32{{1, 2}, {3}}, []int64{1, 2}, configsFor(2, 5), nil, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStepAppendsOneTokenPerRow(t *testing.T) {
	backend := testBackend(t)
	b := initGreedy(t, backend, [][]int32{{3, 4, 5}, {6, 7, 8}}, []int64{10, 11}, 20)

	cols := b.grid.Cols()
	step, err := b.Step(context.Background())
	require.NoError(t, err)

	assert.Len(t, step, 2)
	assert.Contains(t, step, int64(10))
	assert.Contains(t, step, int64(11))
	assert.Equal(t, cols+1, b.grid.Cols())
	assert.Equal(t, b.grid.Cols()-1, b.cache.SeqLen)
	assert.Equal(t, []int{2, 2}, b.generated)
}

func TestStepDeterministic(t *testing.T) {
	backend := testBackend(t)
	row := []int32{9, 10, 11, 12}

	run := func() []int32 {
		b := initGreedy(t, backend, [][]int32{row}, []int64{1}, 8)
		for range 5 {
			_, err := b.Step(context.Background())
			require.NoError(t, err)
		}
		return b.rowTokens(0)
	}

	assert.Equal(t, run(), run())
}

func TestAddBatchAlignsOffsets(t *testing.T) {
	backend := testBackend(t)

	a := initGreedy(t, backend, [][]int32{{1, 2, 3, 4, 5, 6, 7, 8}}, []int64{1}, 30)
	b := initGreedy(t, backend, [][]int32{{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27}}, []int64{2}, 30)

	// a is 9 wide after its first append, b is 19 wide
	require.NoError(t, a.AddBatch(b))

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 19, a.grid.Cols())
	assert.Equal(t, []int{0, 10}, a.offsets)
	assert.Equal(t, []int64{2, 1}, a.uids)
	assert.Equal(t, a.grid.Cols()-1, a.cache.SeqLen)

	// the merged batch steps as one
	step, err := a.Step(context.Background())
	require.NoError(t, err)
	assert.Len(t, step, 2)
}

func TestAddBatchRejectsVariantMismatch(t *testing.T) {
	backend := testBackend(t)

	a := initGreedy(t, backend, [][]int32{{1, 2}}, []int64{1}, 5)
	b, err := InitForward(context.Background(), backend, ml.CausalDecoder, Sampling, [][]int32{{3, 4}}, []int64{2}, configsFor(1, 5), nil, nil)
	require.NoError(t, err)

	require.ErrorIs(t, a.AddBatch(b), ErrIncompatiblePolicy)
}

func TestCollectAndTrimDropsSharedPadding(t *testing.T) {
	backend := testBackend(t)

	a := initGreedy(t, backend, [][]int32{{1, 2, 3, 4, 5, 6, 7, 8}}, []int64{1}, 30)
	b := initGreedy(t, backend, [][]int32{{10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27}}, []int64{2}, 30)
	require.NoError(t, a.AddBatch(b))

	// finish the wide row; the narrow one keeps going
	a.exitSet[0] = struct{}{}
	results := a.CollectAndTrim()

	require.Len(t, results, 1)
	assert.Len(t, results[2], 19)
	assert.Equal(t, []int32{10, 11, 12}, results[2][:3])

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, []int{0}, a.offsets)
	assert.Equal(t, 9, a.grid.Cols())
	assert.Equal(t, 8, a.cache.SeqLen)
	assert.Empty(t, a.exitSet)
	assert.Equal(t, []int64{1}, a.uids)
}

func TestCollectAndTrimResultsIncludePrompt(t *testing.T) {
	backend := testBackend(t)
	prompt := []int32{5, 6, 7}

	b := initGreedy(t, backend, [][]int32{prompt}, []int64{1}, 3)
	for len(b.exitSet) == 0 {
		_, err := b.Step(context.Background())
		require.NoError(t, err)
	}

	results := b.CollectAndTrim()
	require.Len(t, results, 1)
	assert.Len(t, results[1], len(prompt)+3)
	assert.Equal(t, prompt, results[1][:len(prompt)])
	assert.Equal(t, 0, b.Len())
}

func TestSplitPartitionsRows(t *testing.T) {
	backend := testBackend(t)

	b := initGreedy(t, backend, [][]int32{{1, 2}, {3, 4}, {5, 6}}, []int64{1, 2, 3}, 10)
	parts, err := b.Split([][]int{{0, 2}, {1}})
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, []int64{1, 3}, parts[0].uids)
	assert.Equal(t, []int64{2}, parts[1].uids)
	assert.Equal(t, 0, b.Len())

	// both halves remain steppable
	for _, p := range parts {
		step, err := p.Step(context.Background())
		require.NoError(t, err)
		assert.Len(t, step, p.Len())
	}
}

func TestSplitValidatesPartitions(t *testing.T) {
	backend := testBackend(t)

	b := initGreedy(t, backend, [][]int32{{1, 2}, {3, 4}}, []int64{1, 2}, 10)

	_, err := b.Split([][]int{{0}})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = b.Split([][]int{{0, 1}, {1}})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = b.Split([][]int{{0, 5}})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestContrastiveStepExpandsAndCollapses(t *testing.T) {
	backend := testBackend(t)

	cfg := testConfig(4)
	cfg.ContrastiveK = 3
	b, err := InitForward(context.Background(), backend, ml.CausalDecoder, Contrastive, [][]int32{{7, 8, 9}}, []int64{1}, []api.SearchConfig{cfg}, nil, nil)
	require.NoError(t, err)

	// contrastive prefill carries logits instead of appending
	assert.Equal(t, 3, b.grid.Cols())
	assert.Equal(t, 3, b.cache.SeqLen)
	assert.Equal(t, []int{0}, b.generated)
	require.Len(t, b.lastLogits, 1)

	step, err := b.Step(context.Background())
	require.NoError(t, err)
	assert.Len(t, step, 1)
	assert.Equal(t, 4, b.grid.Cols())
	assert.Equal(t, 4, b.cache.SeqLen)
	assert.Equal(t, []int{1}, b.generated)
	assert.Len(t, b.pastHidden[0], 2)
}

func TestContrastiveDeterministic(t *testing.T) {
	backend := testBackend(t)

	run := func() []int32 {
		cfg := testConfig(5)
		cfg.ContrastiveK = 2
		b, err := InitForward(context.Background(), backend, ml.CausalDecoder, Contrastive, [][]int32{{11, 12, 13}}, []int64{1}, []api.SearchConfig{cfg}, nil, nil)
		require.NoError(t, err)
		for len(b.exitSet) == 0 {
			_, err := b.Step(context.Background())
			require.NoError(t, err)
		}
		return b.CollectAndTrim()[1]
	}

	assert.Equal(t, run(), run())
}
