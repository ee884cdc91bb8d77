package ml

import (
	"fmt"
	"slices"
)

// CacheState is the backend's attention cache for one batch: per layer,
// a key and a value buffer laid out row-major as [row][position][dim].
// The scheduler treats the contents as opaque but owns the batch shape:
// rows attach, detach, replicate and trim here in lockstep with the
// token grid. Buffers are copied on every reshape so no two states
// alias storage.
type CacheState struct {
	Layers []CacheLayer

	Rows   int
	SeqLen int
	Dim    int
}

type CacheLayer struct {
	Keys   []float32
	Values []float32
}

// NewCacheState allocates a zeroed cache.
func NewCacheState(layers, rows, seqLen, dim int) *CacheState {
	c := &CacheState{
		Layers: make([]CacheLayer, layers),
		Rows:   rows,
		SeqLen: seqLen,
		Dim:    dim,
	}
	for i := range c.Layers {
		c.Layers[i] = CacheLayer{
			Keys:   make([]float32, rows*seqLen*dim),
			Values: make([]float32, rows*seqLen*dim),
		}
	}
	return c
}

func (c *CacheState) Clone() *CacheState {
	out := &CacheState{
		Layers: make([]CacheLayer, len(c.Layers)),
		Rows:   c.Rows,
		SeqLen: c.SeqLen,
		Dim:    c.Dim,
	}
	for i, l := range c.Layers {
		out.Layers[i] = CacheLayer{
			Keys:   slices.Clone(l.Keys),
			Values: slices.Clone(l.Values),
		}
	}
	return out
}

// rowSlice returns the [row][pos] dim-wide cell within a buffer.
func (c *CacheState) cell(buf []float32, row, pos int) []float32 {
	start := (row*c.SeqLen + pos) * c.Dim
	return buf[start : start+c.Dim]
}

// KeyCell exposes one key cell read-only to backends.
func (c *CacheState) KeyCell(layer, row, pos int) []float32 {
	return c.cell(c.Layers[layer].Keys, row, pos)
}

// ValueCell exposes one value cell read-only to backends.
func (c *CacheState) ValueCell(layer, row, pos int) []float32 {
	return c.cell(c.Layers[layer].Values, row, pos)
}

// MergeCaches right-aligns two caches into one, mirroring the token
// grid merge: b's rows first, both sides left-padded with zeros to the
// wider sequence length. Zero columns sit under masked positions, so
// backends never read them.
func MergeCaches(a, b *CacheState) (*CacheState, error) {
	if len(a.Layers) != len(b.Layers) || a.Dim != b.Dim {
		return nil, fmt.Errorf("cache shape mismatch: %d/%d layers, dim %d/%d",
			len(a.Layers), len(b.Layers), a.Dim, b.Dim)
	}
	seqLen := max(a.SeqLen, b.SeqLen)
	out := NewCacheState(len(a.Layers), a.Rows+b.Rows, seqLen, a.Dim)
	for li := range out.Layers {
		row := 0
		for _, src := range []*CacheState{b, a} {
			pad := seqLen - src.SeqLen
			for r := range src.Rows {
				for p := range src.SeqLen {
					copy(out.cell(out.Layers[li].Keys, row, pad+p), src.cell(src.Layers[li].Keys, r, p))
					copy(out.cell(out.Layers[li].Values, row, pad+p), src.cell(src.Layers[li].Values, r, p))
				}
				row++
			}
		}
	}
	return out, nil
}

// Trim selects keepRows (by position, in order) and keeps the rightmost
// keepSeqLen positions of each.
func (c *CacheState) Trim(keepRows []int, keepSeqLen int) (*CacheState, error) {
	if keepSeqLen < 0 || keepSeqLen > c.SeqLen {
		return nil, fmt.Errorf("cache trim: keep %d of %d positions", keepSeqLen, c.SeqLen)
	}
	out := NewCacheState(len(c.Layers), len(keepRows), keepSeqLen, c.Dim)
	drop := c.SeqLen - keepSeqLen
	for li := range c.Layers {
		for i, r := range keepRows {
			if r < 0 || r >= c.Rows {
				return nil, fmt.Errorf("cache trim: row %d out of range [0,%d)", r, c.Rows)
			}
			for p := range keepSeqLen {
				copy(out.cell(out.Layers[li].Keys, i, p), c.cell(c.Layers[li].Keys, r, drop+p))
				copy(out.cell(out.Layers[li].Values, i, p), c.cell(c.Layers[li].Values, r, drop+p))
			}
		}
	}
	return out, nil
}

// Replicate repeats every row k times contiguously, the cache-side
// counterpart of the layout replicate used for candidate expansion.
func (c *CacheState) Replicate(k int) *CacheState {
	rows := make([]int, 0, c.Rows*k)
	for r := range c.Rows {
		for range k {
			rows = append(rows, r)
		}
	}
	out, _ := c.Trim(rows, c.SeqLen)
	return out
}

// SelectRows keeps the given rows at full sequence length, used to
// collapse a candidate expansion back to one row per logical sequence.
func (c *CacheState) SelectRows(rows []int) (*CacheState, error) {
	return c.Trim(rows, c.SeqLen)
}
