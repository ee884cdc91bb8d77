// Package layout implements the ragged-to-rectangular bookkeeping for
// left-padded generation batches: offsets, position ids, attention
// masks, and the merge/trim operations that reshape token grids as
// requests come and go.
package layout

import (
	"fmt"
	"slices"
)

// padValue is the generic fill used when a merge widens a grid. The
// real pad token of each row is whatever sits below its offset; merged
// columns are masked out by the attention mask, so the fill value never
// reaches the model.
const padValue int32 = 0

// Grid is a dense rows x cols token grid. Each row is an independently
// owned buffer: merge and trim copy row content into buffers owned by
// the result, so two grids never alias storage.
type Grid struct {
	rows [][]int32
	cols int
}

// NewGrid copies rows into a new grid. All rows must share one width.
func NewGrid(rows [][]int32) (*Grid, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("grid needs at least one row")
	}
	cols := len(rows[0])
	g := &Grid{rows: make([][]int32, len(rows)), cols: cols}
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("ragged input: row %d has %d columns, want %d", i, len(row), cols)
		}
		g.rows[i] = slices.Clone(row)
	}
	return g, nil
}

func (g *Grid) Rows() int { return len(g.rows) }
func (g *Grid) Cols() int { return g.cols }

// Row returns a read-only view of row i. Callers must not retain it
// across mutations of the grid.
func (g *Grid) Row(i int) []int32 { return g.rows[i] }

func (g *Grid) At(i, j int) int32 { return g.rows[i][j] }

// Clone deep-copies the grid.
func (g *Grid) Clone() *Grid {
	out := &Grid{rows: make([][]int32, len(g.rows)), cols: g.cols}
	for i, row := range g.rows {
		out.rows[i] = slices.Clone(row)
	}
	return out
}

// AppendColumn grows every row rightward by one token. Generation only
// ever grows a grid this way.
func (g *Grid) AppendColumn(vals []int32) error {
	if len(vals) != len(g.rows) {
		return fmt.Errorf("append column: %d values for %d rows", len(vals), len(g.rows))
	}
	for i := range g.rows {
		g.rows[i] = append(g.rows[i], vals[i])
	}
	g.cols++
	return nil
}

// Offsets counts, per row, the leading pad columns before the row's
// real tokens. padIDs is parallel to the rows (configs may disagree on
// the pad token).
func Offsets(g *Grid, padIDs []int32) ([]int, error) {
	if len(padIDs) != g.Rows() {
		return nil, fmt.Errorf("offsets: %d pad ids for %d rows", len(padIDs), g.Rows())
	}
	offsets := make([]int, g.Rows())
	for i, row := range g.rows {
		n := 0
		for n < len(row) && row[n] == padIDs[i] {
			n++
		}
		offsets[i] = n
	}
	return offsets, nil
}

// PositionIDs computes the position grid for a batch step: the position
// of column j in row i is max(j-offsets[i], 0) + pastLen. Padded
// columns get position 0, which is harmless since the mask hides them.
// replicate repeats each row's positions that many times contiguously,
// for policies that expand one logical sequence into several candidate
// rows within a step.
func PositionIDs(batchSize, seqLen int, offsets []int, pastLen, replicate int) [][]int32 {
	out := make([][]int32, 0, batchSize*replicate)
	for i := range batchSize {
		row := make([]int32, seqLen)
		for j := range seqLen {
			p := j - offsets[i]
			if p < 0 {
				p = 0
			}
			row[j] = int32(p + pastLen)
		}
		for range replicate {
			out = append(out, slices.Clone(row))
		}
	}
	return out
}

// AttentionMask is 0 for columns below a row's offset and 1 everywhere
// else, replicated like PositionIDs.
func AttentionMask(offsets []int, seqLen, replicate int) [][]int32 {
	out := make([][]int32, 0, len(offsets)*replicate)
	for _, off := range offsets {
		row := make([]int32, seqLen)
		for j := off; j < seqLen; j++ {
			row[j] = 1
		}
		for range replicate {
			out = append(out, slices.Clone(row))
		}
	}
	return out
}

// Merge right-aligns two grids into one. The result is
// max(a.Cols(), b.Cols()+growthSlack) columns wide; growthSlack
// pre-allocates room so the next few generation steps don't force the
// wider grid to regrow. b's rows come first (merge places the incoming
// batch ahead of the resident one), each left-filled with the generic
// pad value. Row buffers are copied, never shared with the inputs.
func Merge(a, b *Grid, growthSlack int) *Grid {
	cols := max(a.cols, b.cols+growthSlack)
	out := &Grid{rows: make([][]int32, 0, a.Rows()+b.Rows()), cols: cols}
	for _, src := range []*Grid{b, a} {
		pad := cols - src.cols
		for _, row := range src.rows {
			dst := make([]int32, cols)
			for j := range pad {
				dst[j] = padValue
			}
			copy(dst[pad:], row)
			out.rows = append(out.rows, dst)
		}
	}
	return out
}

// Trim selects keepRows (by position, in the given order) and keeps
// only the rightmost keepCols columns, dropping left-hand padding that
// no remaining row needs.
func Trim(g *Grid, keepRows []int, keepCols int) (*Grid, error) {
	if keepCols < 1 || keepCols > g.cols {
		return nil, fmt.Errorf("trim: keep %d of %d columns", keepCols, g.cols)
	}
	if len(keepRows) == 0 {
		return nil, fmt.Errorf("trim: no rows kept")
	}
	out := &Grid{rows: make([][]int32, 0, len(keepRows)), cols: keepCols}
	for _, r := range keepRows {
		if r < 0 || r >= len(g.rows) {
			return nil, fmt.Errorf("trim: row %d out of range [0,%d)", r, len(g.rows))
		}
		out.rows = append(out.rows, slices.Clone(g.rows[r][g.cols-keepCols:]))
	}
	return out, nil
}
