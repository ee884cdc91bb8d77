// Package ml defines the contract between the scheduler and the model
// backend: the packed batch it consumes, the logits and cache state it
// returns, and the registry execution engines install themselves into.
package ml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var ErrUnsupportedBackend = errors.New("unsupported execution engine")

// ModelKind is the closed set of model families the scheduler can
// drive. It is derived once at admission and carried explicitly with
// the batch, never re-derived from model metadata mid-flight.
type ModelKind int

const (
	CausalDecoder ModelKind = iota
	EncoderDecoder
)

func (k ModelKind) String() string {
	switch k {
	case EncoderDecoder:
		return "encoder-decoder"
	default:
		return "causal-decoder"
	}
}

var (
	causalSuffixes  = []string{"CausalLM", "GPT2LMHeadModel"}
	encoderSuffixes = []string{"ConditionalGeneration"}
)

// KindForArchitecture maps an architecture name to its model kind by
// suffix. Unrecognized architectures get a warning and the causal
// default rather than an error.
func KindForArchitecture(arch string) ModelKind {
	for _, s := range causalSuffixes {
		if strings.HasSuffix(arch, s) {
			return CausalDecoder
		}
	}
	for _, s := range encoderSuffixes {
		if strings.HasSuffix(arch, s) {
			return EncoderDecoder
		}
	}
	slog.Warn("unrecognized model architecture, assuming causal decoder", "architecture", arch)
	return CausalDecoder
}

// ModelConfig describes the model an engine should stand up.
type ModelConfig struct {
	Architecture string
	VocabSize    int
	HiddenSize   int
	NumLayers    int
}

func (c ModelConfig) withDefaults() ModelConfig {
	if c.VocabSize == 0 {
		c.VocabSize = 256
	}
	if c.HiddenSize == 0 {
		c.HiddenSize = 16
	}
	if c.NumLayers == 0 {
		c.NumLayers = 2
	}
	return c
}

// Batch is one packed forward-pass input. All row-indexed fields share
// one row order. Cache is nil for a fresh prefill; otherwise the mask
// spans the cached columns plus the input columns.
type Batch struct {
	TokenIDs      [][]int32
	PositionIDs   [][]int32
	AttentionMask [][]int32
	Cache         *CacheState
	Kind          ModelKind
}

// Output is the backend's answer: next-token logits and the hidden
// state of the last real position for every row, plus the cache
// advanced past the consumed columns. The input cache is not mutated.
type Output struct {
	Logits       [][]float32
	HiddenStates [][]float64
	Cache        *CacheState
}

// Backend runs the model forward pass. Implementations must be safe to
// call sequentially; the scheduler never invokes one concurrently on
// shared state.
type Backend interface {
	Forward(ctx context.Context, batch Batch) (*Output, error)
	Config() ModelConfig
}

var backends = make(map[string]func(ModelConfig) (Backend, error))

// Register installs an execution engine constructor under a name.
// Engines call this from their package init.
func Register(name string, fn func(ModelConfig) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic(fmt.Sprintf("backend: %s already registered", name))
	}
	backends[name] = fn
}

// NewBackend instantiates the named execution engine.
func NewBackend(engine string, config ModelConfig) (Backend, error) {
	fn, ok := backends[engine]
	if !ok {
		return nil, fmt.Errorf("%q: %w", engine, ErrUnsupportedBackend)
	}
	return fn(config.withDefaults())
}
