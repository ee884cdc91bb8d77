package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/seqsched/seqsched/api"
	"github.com/seqsched/seqsched/envconfig"
	"github.com/seqsched/seqsched/kvcache"
	"github.com/seqsched/seqsched/ml"
)

// stepOrder fixes the order batches are stepped in, so a run over the
// same admissions is reproducible.
var stepOrder = []Variant{Greedy, Sampling, Contrastive}

// Scheduler owns the live batches and the finished-results store. It
// admits requests, drives the decode loop, and hands back results keyed
// by request uid. It is not safe for concurrent use; the serving layer
// serializes access.
type Scheduler struct {
	backend       ml.Backend
	kind          ml.ModelKind
	defaultConfig api.SearchConfig

	// PrefixStore backs use_prefix_cache requests. Replaceable before
	// the first admission.
	PrefixStore *kvcache.Store

	// Seed, when set, pins the sampling variant's random source.
	Seed *int64

	batchers map[Variant][]*SeqBatcher
	results  *orderedmap.OrderedMap[int64, []int32]
	seen     map[int64]struct{}
}

func NewScheduler(backend ml.Backend, kind ml.ModelKind, defaultConfig api.SearchConfig) *Scheduler {
	return &Scheduler{
		backend:       backend,
		kind:          kind,
		defaultConfig: defaultConfig,
		PrefixStore:   kvcache.NewStore(envconfig.PrefixCapacity),
		batchers:      make(map[Variant][]*SeqBatcher),
		results:       orderedmap.New[int64, []int32](),
		seen:          make(map[int64]struct{}),
	}
}

// pending is one validated admission waiting to be batched.
type pending struct {
	row    []int32
	uid    int64
	config api.SearchConfig
	prefix *kvcache.Entry
	cache  bool // populate the prefix store after prefill
}

// AddRequest validates and admits the request's rows. Structural
// problems reject the whole call before any state changes; per-row
// problems (an unusable config, a duplicate uid) reject only that row,
// and the joined errors are returned alongside the admissions that did
// go through.
func (s *Scheduler) AddRequest(ctx context.Context, req *api.GenerateRequest) error {
	if len(req.Rows) == 0 {
		return fmt.Errorf("no rows: %w", ErrInvalidRequest)
	}
	if len(req.UIDs) != len(req.Rows) {
		return fmt.Errorf("%d uids for %d rows: %w", len(req.UIDs), len(req.Rows), ErrInvalidRequest)
	}
	if len(req.Configs) > 0 && len(req.Configs) != len(req.Rows) {
		return fmt.Errorf("%d configs for %d rows: %w", len(req.Configs), len(req.Rows), ErrInvalidRequest)
	}
	variant, forced, err := ParseVariant(req.Variant)
	if err != nil {
		return err
	}

	var rejected []error
	var admitted []pending
	for i, row := range req.Rows {
		uid := req.UIDs[i]
		cfg := s.defaultConfig
		if len(req.Configs) > 0 {
			cfg = req.Configs[i]
		}

		if _, dup := s.seen[uid]; dup {
			rejected = append(rejected, fmt.Errorf("uid %d already scheduled: %w", uid, ErrInvalidRequest))
			continue
		}
		if err := cfg.Validate(); err != nil {
			rejected = append(rejected, fmt.Errorf("uid %d: %w", uid, err))
			continue
		}

		p := pending{row: row, uid: uid, config: cfg}
		if slot, ok := req.PrefixIDs[uid]; ok {
			if entry, hit := s.PrefixStore.Get(slot); hit {
				p.prefix = entry
			} else {
				slog.Warn("prefix slot miss, running full prefill", "uid", uid, "slot", slot)
			}
		} else if cfg.UsePrefixCache {
			if entry, hit := s.PrefixStore.Get(kvcache.Key(row)); hit {
				// the entry covers the whole row, so the remaining
				// continuation is empty
				p.prefix = entry
				p.row = nil
			} else {
				p.cache = true
			}
		}
		if len(row) == 0 && p.prefix == nil {
			rejected = append(rejected, fmt.Errorf("uid %d: empty row without a prefix: %w", uid, ErrInvalidRequest))
			continue
		}
		admitted = append(admitted, p)
	}

	if err := s.admit(ctx, variant, forced, admitted); err != nil {
		rejected = append(rejected, err)
	}
	return errors.Join(rejected...)
}

// admit groups the pending rows into batches and merges each into the
// registry. Prefix-backed rows are admitted individually; the rest are
// padded to a common width per variant.
func (s *Scheduler) admit(ctx context.Context, variant Variant, forced bool, admitted []pending) error {
	groups := make(map[Variant][]pending)
	for _, p := range admitted {
		v := variant
		if !forced {
			v = variantFor(&p.config)
		}
		groups[v] = append(groups[v], p)
	}

	for _, v := range stepOrder {
		group := groups[v]
		if len(group) == 0 {
			continue
		}

		var plain []pending
		for _, p := range group {
			if p.prefix != nil {
				b, err := InitForward(ctx, s.backend, s.kind, v, [][]int32{p.row}, []int64{p.uid}, []api.SearchConfig{p.config}, p.prefix, s.Seed)
				if err != nil {
					return err
				}
				if err := s.register(v, b); err != nil {
					return err
				}
				s.seen[p.uid] = struct{}{}
			} else {
				plain = append(plain, p)
			}
		}
		if len(plain) == 0 {
			continue
		}

		rows := make([][]int32, len(plain))
		uids := make([]int64, len(plain))
		configs := make([]api.SearchConfig, len(plain))
		width := 0
		for i, p := range plain {
			width = max(width, len(p.row))
			uids[i] = p.uid
			configs[i] = p.config
		}
		for i, p := range plain {
			rows[i] = leftPad(p.row, width, p.config.PadTokenID)
		}

		b, err := InitForward(ctx, s.backend, s.kind, v, rows, uids, configs, nil, s.Seed)
		if err != nil {
			return err
		}
		for i, p := range plain {
			if p.cache {
				s.populatePrefix(b, i, p.row)
			}
		}
		slog.Debug("admitted batch", "variant", v.String(), "rows", len(plain), "width", width)
		if err := s.register(v, b); err != nil {
			return err
		}
		for _, p := range plain {
			s.seen[p.uid] = struct{}{}
		}
	}
	return nil
}

// register merges a new batch into one of the variant's resident
// batches, or installs it on its own. Finished rows are collected first
// so the merge precondition holds. A batch no resident can absorb
// (contrastive with a different candidate count) stays its own
// resident; the step loop drives every resident.
func (s *Scheduler) register(v Variant, b *SeqBatcher) error {
	if len(b.exitSet) > 0 {
		s.collect(b)
	}
	if b.Len() == 0 {
		return nil
	}
	for i, target := range s.batchers[v] {
		if len(target.exitSet) > 0 {
			s.collect(target)
		}
		if target.Len() == 0 {
			s.batchers[v][i] = b
			return nil
		}
		err := target.AddBatch(b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrIncompatiblePolicy) {
			return err
		}
	}
	s.batchers[v] = append(s.batchers[v], b)
	return nil
}

// populatePrefix snapshots row i's prefill cache state into the prefix
// store, keyed by the row's literal tokens.
func (s *Scheduler) populatePrefix(b *SeqBatcher, i int, row []int32) {
	st, err := b.cache.SelectRows([]int{i})
	if err != nil {
		slog.Warn("prefix snapshot failed", "uid", b.uids[i], "error", err)
		return
	}
	if off := b.offsets[i]; off > 0 {
		if st, err = st.Trim([]int{0}, st.SeqLen-off); err != nil {
			slog.Warn("prefix snapshot failed", "uid", b.uids[i], "error", err)
			return
		}
	}
	s.PrefixStore.Put(kvcache.Key(row), &kvcache.Entry{Prompt: slices.Clone(row), State: st})
}

// IncrementForward runs up to n decode steps, yielding each step's new
// token per live request. Iteration stops early when no live rows
// remain, when a step fails, or when the consumer breaks.
func (s *Scheduler) IncrementForward(ctx context.Context, n int) iter.Seq2[api.StepTokens, error] {
	return func(yield func(api.StepTokens, error) bool) {
		for range n {
			if s.TotalSeqs() == 0 {
				return
			}
			step := api.StepTokens{}
			for _, v := range stepOrder {
				var kept []*SeqBatcher
				for _, b := range s.batchers[v] {
					st, err := b.Step(ctx)
					if err != nil {
						yield(nil, err)
						return
					}
					maps.Copy(step, st)
					if len(b.exitSet) > 0 {
						s.collect(b)
					}
					if b.Len() > 0 {
						kept = append(kept, b)
					}
				}
				if kept == nil {
					delete(s.batchers, v)
				} else {
					s.batchers[v] = kept
				}
			}
			if !yield(step, nil) {
				return
			}
		}
	}
}

func (s *Scheduler) collect(b *SeqBatcher) {
	for uid, tokens := range b.CollectAndTrim() {
		s.results.Set(uid, tokens)
		slog.Debug("request finished", "uid", uid, "tokens", len(tokens))
	}
}

// WarmPrefix precomputes prefill state for a prompt and stores it under
// both its literal key and, when given, a named slot.
func (s *Scheduler) WarmPrefix(ctx context.Context, prompt []int32, slot string) (*kvcache.Entry, error) {
	if err := s.PrefixStore.Warm(ctx, s.backend, s.kind, [][]int32{prompt}); err != nil {
		return nil, err
	}
	entry, ok := s.PrefixStore.Get(kvcache.Key(prompt))
	if !ok {
		return nil, errors.New("warmed prefix missing from store")
	}
	if slot != "" {
		s.PrefixStore.Put(slot, entry)
	}
	return entry, nil
}

// TotalSeqs is the number of live rows across all batches.
func (s *Scheduler) TotalSeqs() int {
	n := 0
	for _, list := range s.batchers {
		for _, b := range list {
			n += b.Len()
		}
	}
	return n
}

// Results returns the finished sequences collected so far without
// clearing them.
func (s *Scheduler) Results() map[int64][]int32 {
	out := make(map[int64][]int32, s.results.Len())
	for pair := s.results.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = slices.Clone(pair.Value)
	}
	return out
}

// CollectResults returns the finished sequences and resets the store.
func (s *Scheduler) CollectResults() map[int64][]int32 {
	out := s.Results()
	s.results = orderedmap.New[int64, []int32]()
	return out
}

// SeqBatcherSplit splits the batch at index within a variant's list
// into per-partition batches, splicing them in place.
func (s *Scheduler) SeqBatcherSplit(v Variant, index int, partitions [][]int) error {
	list := s.batchers[v]
	if index < 0 || index >= len(list) {
		return fmt.Errorf("no %s batch at index %d: %w", v, index, ErrInvalidRequest)
	}
	parts, err := list[index].Split(partitions)
	if err != nil {
		return err
	}
	spliced := make([]*SeqBatcher, 0, len(list)-1+len(parts))
	spliced = append(spliced, list[:index]...)
	spliced = append(spliced, parts...)
	spliced = append(spliced, list[index+1:]...)
	s.batchers[v] = spliced
	return nil
}

func leftPad(row []int32, width int, padID int32) []int32 {
	if len(row) >= width {
		return slices.Clone(row)
	}
	out := make([]int32, width)
	for i := range width - len(row) {
		out[i] = padID
	}
	copy(out[width-len(row):], row)
	return out
}
