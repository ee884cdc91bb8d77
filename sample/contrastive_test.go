package sample

import (
	"testing"
)

func TestDegenerationPenalty(t *testing.T) {
	past := [][]float64{
		{1, 0, 0},
		{0, 1, 0},
	}

	// a candidate aligned with a past state is maximally penalized
	if got := DegenerationPenalty([]float64{2, 0, 0}, past); got != 1 {
		t.Errorf("expected penalty 1 for aligned candidate, got %v", got)
	}

	// orthogonal candidate
	if got := DegenerationPenalty([]float64{0, 0, 5}, past); got != 0 {
		t.Errorf("expected penalty 0 for orthogonal candidate, got %v", got)
	}
}

func TestSelectContrastive(t *testing.T) {
	past := [][]float64{{1, 0}}

	// candidate 0 is confident but points straight back at history;
	// candidate 1 is less likely but novel
	probs := []float64{0.8, 0.6}
	hidden := [][]float64{
		{3, 0},
		{0, 3},
	}

	got, err := SelectContrastive(probs, hidden, past, 0.6)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("expected novel candidate 1, got %d", got)
	}

	// with alpha 0 only confidence counts
	got, err = SelectContrastive(probs, hidden, past, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("expected confident candidate 0, got %d", got)
	}
}

func TestSelectContrastiveErrors(t *testing.T) {
	if _, err := SelectContrastive(nil, nil, nil, 0.5); err == nil {
		t.Error("expected error for no candidates")
	}
	if _, err := SelectContrastive([]float64{1}, nil, nil, 0.5); err == nil {
		t.Error("expected error for shape mismatch")
	}
	if _, err := SelectContrastive([]float64{1}, [][]float64{{1}}, nil, 2); err == nil {
		t.Error("expected error for alpha out of range")
	}
}
