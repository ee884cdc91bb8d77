// Package naive is the built-in pure-Go execution engine. It is not a
// language model: logits, hidden states and cache contents are cheap
// deterministic functions of the context, which is exactly what the
// scheduler's bookkeeping needs from a backend and nothing more. The
// real engines plug in through the same ml.Register hook.
package naive

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/seqsched/seqsched/ml"
)

func init() {
	ml.Register("naive", New)
}

type Backend struct {
	config ml.ModelConfig

	// embed is the deterministic vocab x dim pseudo-embedding table;
	// logits are its product with a row's hidden state.
	embed *mat.Dense
}

func New(config ml.ModelConfig) (ml.Backend, error) {
	b := &Backend{config: config}
	data := make([]float64, config.VocabSize*config.HiddenSize)
	for v := range config.VocabSize {
		for d := range config.HiddenSize {
			data[v*config.HiddenSize+d] = math.Sin(float64(v+1) * float64(d+1) * 0.61803)
		}
	}
	b.embed = mat.NewDense(config.VocabSize, config.HiddenSize, data)
	return b, nil
}

func (b *Backend) Config() ml.ModelConfig { return b.config }

func (b *Backend) embedding(token int32, position int32) []float64 {
	dim := b.config.HiddenSize
	e := make([]float64, dim)
	v := int(token) % b.config.VocabSize
	if v < 0 {
		v += b.config.VocabSize
	}
	for d := range dim {
		e[d] = b.embed.At(v, d) + 0.01*math.Cos(float64(position+1)*float64(d+1)*0.41421)
	}
	return e
}

func (b *Backend) Forward(ctx context.Context, batch ml.Batch) (*ml.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := len(batch.TokenIDs)
	if rows == 0 {
		return nil, fmt.Errorf("naive: empty batch")
	}
	cols := len(batch.TokenIDs[0])

	past := 0
	cache := batch.Cache
	if cache != nil {
		if cache.Rows != rows {
			return nil, fmt.Errorf("naive: cache has %d rows, batch has %d", cache.Rows, rows)
		}
		past = cache.SeqLen
	} else {
		cache = ml.NewCacheState(b.config.NumLayers, rows, 0, b.config.HiddenSize)
	}

	for i := range rows {
		if len(batch.TokenIDs[i]) != cols || len(batch.PositionIDs[i]) != cols {
			return nil, fmt.Errorf("naive: ragged batch row %d", i)
		}
		if len(batch.AttentionMask[i]) != past+cols {
			return nil, fmt.Errorf("naive: mask row %d spans %d columns, want %d", i, len(batch.AttentionMask[i]), past+cols)
		}
	}

	next, err := appendColumns(cache, cols)
	if err != nil {
		return nil, err
	}

	dim := b.config.HiddenSize
	logits := make([][]float32, rows)
	hidden := make([][]float64, rows)
	for i := range rows {
		// context summary resumes from whatever the cache holds;
		// masked columns left zeros behind, so they contribute nothing
		ctxSum := make([]float64, dim)
		for p := range past {
			cell := next.KeyCell(0, i, p)
			for d := range dim {
				ctxSum[d] += float64(cell[d])
			}
		}

		h := make([]float64, dim)
		for j := range cols {
			if batch.AttentionMask[i][past+j] == 0 {
				continue
			}
			e := b.embedding(batch.TokenIDs[i][j], batch.PositionIDs[i][j])
			for d := range dim {
				ctxSum[d] += e[d]
				h[d] = math.Tanh(0.25*ctxSum[d] + e[d])
			}
			for layer := range next.Layers {
				scale := float32(1) / float32(layer+1)
				kc := next.KeyCell(layer, i, past+j)
				vc := next.ValueCell(layer, i, past+j)
				for d := range dim {
					kc[d] = float32(e[d]) * scale
					vc[d] = float32(h[d]) * scale
				}
			}
		}

		hv := mat.NewVecDense(dim, h)
		out := mat.NewVecDense(b.config.VocabSize, nil)
		out.MulVec(b.embed, hv)
		row := make([]float32, b.config.VocabSize)
		for v := range b.config.VocabSize {
			row[v] = float32(out.AtVec(v))
		}
		logits[i] = row
		hidden[i] = h
	}

	return &ml.Output{Logits: logits, HiddenStates: hidden, Cache: next}, nil
}

// appendColumns widens a cache by cols zeroed positions on the right.
func appendColumns(c *ml.CacheState, cols int) (*ml.CacheState, error) {
	out := ml.NewCacheState(len(c.Layers), c.Rows, c.SeqLen+cols, c.Dim)
	for li := range c.Layers {
		for r := range c.Rows {
			for p := range c.SeqLen {
				copy(out.KeyCell(li, r, p), c.KeyCell(li, r, p))
				copy(out.ValueCell(li, r, p), c.ValueCell(li, r, p))
			}
		}
	}
	return out, nil
}
