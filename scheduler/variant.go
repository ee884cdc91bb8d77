package scheduler

import (
	"fmt"

	"github.com/seqsched/seqsched/api"
)

// Variant is the decoding-policy family a batch runs under. Rows only
// ever batch with rows of the same variant; a request's variant is
// fixed at admission.
type Variant int

const (
	// Greedy picks the argmax token each step.
	Greedy Variant = iota

	// Sampling draws from the transformed distribution each step.
	Sampling

	// Contrastive expands top-k candidates and rescores them against
	// the row's past hidden states.
	Contrastive
)

func (v Variant) String() string {
	switch v {
	case Sampling:
		return "sampling"
	case Contrastive:
		return "contrastive"
	default:
		return "greedy"
	}
}

// ParseVariant maps a wire name to a variant. The empty string means
// derive the variant per request from its config.
func ParseVariant(s string) (Variant, bool, error) {
	switch s {
	case "":
		return Greedy, false, nil
	case "greedy":
		return Greedy, true, nil
	case "sampling":
		return Sampling, true, nil
	case "contrastive":
		return Contrastive, true, nil
	default:
		return Greedy, false, fmt.Errorf("unknown decoding variant %q: %w", s, ErrInvalidRequest)
	}
}

// variantFor derives a request's variant from its config. Contrastive
// is never derived; it must be selected explicitly.
func variantFor(cfg *api.SearchConfig) Variant {
	if cfg.Sampling() {
		return Sampling
	}
	return Greedy
}
