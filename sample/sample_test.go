package sample

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGreedy(t *testing.T) {
	got, err := Greedy().Sample([]float32{1, 2, 4, 3})
	if err != nil {
		t.Fatal(err)
	}
	if got != 2 {
		t.Errorf("expected token 2, got %d", got)
	}

	if _, err := Greedy().Sample(nil); err == nil {
		t.Error("expected error for empty logits")
	}
}

func TestGreedyWithRepetitionPenalty(t *testing.T) {
	// token 2 has the top logit but has already been emitted; with a
	// strong penalty the runner-up wins
	got, err := Greedy().Sample(
		[]float32{1, 2, 4, 3},
		RepetitionPenalty{Penalty: 10, Context: []int32{2}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Errorf("expected token 3, got %d", got)
	}
}

func TestRepetitionPenaltyNegativeLogit(t *testing.T) {
	logits, err := RepetitionPenalty{Penalty: 2, Context: []int32{0, 1, 99}}.
		Apply([]float64{-1, 4, 0})
	if err != nil {
		t.Fatal(err)
	}
	// negative logits multiply, positive divide, out-of-range ignored
	if diff := cmp.Diff([]float64{-2, 2, 0}, logits); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}
}

func TestWeightedSeeded(t *testing.T) {
	seed := int64(42)
	first, err := Weighted(&seed).Sample([]float32{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		got, err := Weighted(&seed).Sample([]float32{1, 2, 3, 4})
		if err != nil {
			t.Fatal(err)
		}
		if got != first {
			t.Fatalf("seeded sampler not deterministic: %d then %d", first, got)
		}
	}
}

func TestWeightedMaskedLogits(t *testing.T) {
	negInf := float32(math.Inf(-1))
	got, err := Weighted(nil).Sample([]float32{negInf, 2, negInf, negInf})
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("expected the only valid token 1, got %d", got)
	}

	if _, err := Weighted(nil).Sample([]float32{negInf, negInf}); err == nil {
		t.Error("expected error when every token is masked")
	}
}

func TestTopK(t *testing.T) {
	logits, err := TopK(2).Apply([]float64{1, 4, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{math.Inf(-1), 4, math.Inf(-1), 3}
	if diff := cmp.Diff(want, logits); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	// k beyond vocab is a no-op
	logits, err = TopK(10).Apply([]float64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2}, logits); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	if _, err := TopK(0).Apply([]float64{1}); err == nil {
		t.Error("expected error for k=0")
	}
}

func TestTopP(t *testing.T) {
	// one dominant token: a small p keeps only it
	logits, err := TopP(0.5).Apply([]float64{0, 10, 1})
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(logits[0], -1) || !math.IsInf(logits[2], -1) {
		t.Errorf("expected tail tokens masked, got %v", logits)
	}
	if math.IsInf(logits[1], -1) {
		t.Error("dominant token must survive top-p")
	}

	if _, err := TopP(1.5).Apply([]float64{1}); err == nil {
		t.Error("expected error for p out of range")
	}
}

func TestTypicalP(t *testing.T) {
	logits, err := TypicalP(0.9).Apply([]float64{2, 2, 2, -8})
	if err != nil {
		t.Fatal(err)
	}
	// the three typical tokens survive, the outlier is masked
	for i := range 3 {
		if math.IsInf(logits[i], -1) {
			t.Errorf("token %d should survive typical-p filtering", i)
		}
	}
	if !math.IsInf(logits[3], -1) {
		t.Error("outlier token should be masked")
	}
}

func TestTemperature(t *testing.T) {
	logits, err := Temperature(0.5).Apply([]float64{1, 3})
	if err != nil {
		t.Fatal(err)
	}
	// max-shifted then scaled: (1-3)/0.5, (3-3)/0.5
	if diff := cmp.Diff([]float64{-4, 0}, logits); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	if _, err := Temperature(3).Apply([]float64{1}); err == nil {
		t.Error("expected error for temperature out of range")
	}
}

func TestTransformOrder(t *testing.T) {
	var callOrder []int
	mk := func(id int) Transform {
		return transformFunc(func(l []float64) ([]float64, error) {
			callOrder = append(callOrder, id)
			return l, nil
		})
	}

	if _, err := Greedy().Sample([]float32{1, 2}, mk(1), mk(2), mk(3)); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
}

type transformFunc func([]float64) ([]float64, error)

func (f transformFunc) Apply(l []float64) ([]float64, error) { return f(l) }
