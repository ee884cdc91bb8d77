// Package api defines the request-level types shared by the scheduler
// core and the HTTP surface.
package api

import (
	"errors"
	"fmt"
)

var ErrUnsupportedFeature = errors.New("unsupported feature")

// SearchConfig holds the per-request decoding parameters. It is immutable
// after the request has been admitted; the scheduler keeps one shared
// default for requests that don't specify their own.
type SearchConfig struct {
	// MaxNewTokens bounds how many tokens may be generated for the
	// request. It is the only lifetime bound within the scheduler.
	MaxNewTokens int `json:"max_new_tokens"`

	// DoSample selects stochastic decoding even when no sampling
	// knob is set.
	DoSample bool `json:"do_sample"`

	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	TypicalP    float64 `json:"typical_p"`
	Temperature float64 `json:"temperature"`

	// RepetitionPenalty > 1 downweights tokens the request has
	// already emitted. 1 disables it.
	RepetitionPenalty float64 `json:"repetition_penalty"`

	PadTokenID int32 `json:"pad_token_id"`
	EOSTokenID int32 `json:"eos_token_id"`

	// UsePrefixCache opts the request into the process-wide reusable
	// prefix cache: consulted on admission, populated after prefill.
	UsePrefixCache bool `json:"use_prefix_cache"`

	// BeamSize other than 1 is rejected: beam search is unsupported.
	BeamSize int `json:"beam_size"`

	// Contrastive search coefficients. Only read by the contrastive
	// scheduler variant.
	Alpha        float64 `json:"alpha"`
	ContrastiveK int     `json:"contrastive_k"`
}

// DefaultSearchConfig mirrors the defaults of the reference serving
// stack: GPT-2 style pad/eos ids and a 30 token generation budget.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		MaxNewTokens:      30,
		TopP:              1,
		TypicalP:          1,
		Temperature:       1,
		RepetitionPenalty: 1,
		PadTokenID:        50256,
		EOSTokenID:        50256,
		BeamSize:          1,
		Alpha:             0.6,
		ContrastiveK:      4,
	}
}

// Validate reports whether the config describes a request the scheduler
// can run at all. It is checked before admission so a rejected config
// never mutates scheduler state.
func (c *SearchConfig) Validate() error {
	if c.BeamSize > 1 {
		return fmt.Errorf("beam search (beam_size=%d): %w", c.BeamSize, ErrUnsupportedFeature)
	}
	if c.MaxNewTokens <= 0 {
		return fmt.Errorf("max_new_tokens must be positive, got %d", c.MaxNewTokens)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative, got %v", c.Temperature)
	}
	if c.RepetitionPenalty <= 0 {
		return fmt.Errorf("repetition_penalty must be positive, got %v", c.RepetitionPenalty)
	}
	if c.ContrastiveK < 1 {
		return fmt.Errorf("contrastive_k must be at least 1, got %d", c.ContrastiveK)
	}
	return nil
}

// Sampling reports whether the config asks for stochastic decoding:
// either explicitly via do_sample or implicitly by setting any sampling
// knob to an effective value.
func (c *SearchConfig) Sampling() bool {
	if c.DoSample {
		return true
	}
	if c.TopK > 0 {
		return true
	}
	if c.TopP > 0 && c.TopP < 1 {
		return true
	}
	if c.TypicalP > 0 && c.TypicalP < 1 {
		return true
	}
	if c.Temperature > 0 && c.Temperature != 1 {
		return true
	}
	return false
}

// GenerateRequest admits one or more generation requests. Rows and UIDs
// are parallel; Configs, when present, is parallel too.
type GenerateRequest struct {
	Rows    [][]int32      `json:"rows"`
	UIDs    []int64        `json:"uids"`
	Configs []SearchConfig `json:"configs,omitempty"`

	// Variant selects the decoding-policy variant; empty means derive
	// it from each request's config ("greedy" or "sampling").
	Variant string `json:"variant,omitempty"`

	// PrefixIDs maps a request uid to a named prefix-cache slot to
	// consult before prefill.
	PrefixIDs map[int64]string `json:"prefix_ids,omitempty"`
}

// StepRequest drives the decode loop for up to N steps.
type StepRequest struct {
	N int `json:"n"`
}

// StepTokens is one step's newly produced token per request.
type StepTokens map[int64]int32

// ResultsResponse maps request uids to their full token sequences.
type ResultsResponse struct {
	Results map[int64][]int32 `json:"results"`
}

// WarmRequest precomputes and persists prefix-cache state for a prompt.
type WarmRequest struct {
	Prompt []int32 `json:"prompt"`
	SlotID string  `json:"slot_id,omitempty"`
}

type WarmResponse struct {
	SlotID string `json:"slot_id"`
}
