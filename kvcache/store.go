// Package kvcache holds the process-wide prefix cache: precomputed
// backend cache state for known prompt prefixes, reusable at admission
// to skip redundant prefill work.
package kvcache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"

	"github.com/seqsched/seqsched/layout"
	"github.com/seqsched/seqsched/ml"
)

const DefaultCapacity = 16

// Entry is one reusable prefix: the prompt tokens it covers and a
// single-row cache snapshot from running prefill over them.
type Entry struct {
	Prompt []int32
	State  *ml.CacheState
}

// Store is a capacity-bounded prompt-to-cache map with least-recently
// used eviction. It is the only state shared across sequence batches,
// so every operation takes the one store lock.
type Store struct {
	mu       sync.Mutex
	capacity int
	entries  *linkedhashmap.Map[string, *Entry]
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		entries:  linkedhashmap.New[string, *Entry](),
	}
}

// Key derives the store key for a literal prompt token sequence.
// Explicit external ids share the same namespace.
func Key(prompt []int32) string {
	var sb strings.Builder
	for i, t := range prompt {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	}
	return sb.String()
}

// Get looks up an entry and marks it most recently used. A miss returns
// (nil, false); callers fall back to a full prefill.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Get(key)
	if !ok {
		return nil, false
	}
	// re-insert to move the key to the back of the recency order
	s.entries.Remove(key)
	s.entries.Put(key, e)
	return e, true
}

// Put inserts or refreshes an entry, evicting the least recently used
// entries once over capacity.
func (s *Store) Put(key string, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Remove(key)
	s.entries.Put(key, e)
	for s.entries.Size() > s.capacity {
		oldest := s.entries.Keys()[0]
		s.entries.Remove(oldest)
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Size()
}

// Capacity is the configured entry limit.
func (s *Store) Capacity() int {
	return s.capacity
}

// Warm runs a prefill pass over each prompt row and stores the
// resulting cache snapshots under their literal prompt keys. Rows are
// processed one at a time; they may have different lengths.
func (s *Store) Warm(ctx context.Context, backend ml.Backend, kind ml.ModelKind, prompts [][]int32) error {
	for _, prompt := range prompts {
		entry, err := warmOne(ctx, backend, kind, prompt)
		if err != nil {
			return err
		}
		s.Put(Key(prompt), entry)
	}
	return nil
}

func warmOne(ctx context.Context, backend ml.Backend, kind ml.ModelKind, prompt []int32) (*Entry, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("cannot warm an empty prompt")
	}
	offsets := []int{0}
	out, err := backend.Forward(ctx, ml.Batch{
		TokenIDs:      [][]int32{prompt},
		PositionIDs:   layout.PositionIDs(1, len(prompt), offsets, 0, 1),
		AttentionMask: layout.AttentionMask(offsets, len(prompt), 1),
		Kind:          kind,
	})
	if err != nil {
		return nil, fmt.Errorf("prefix warm prefill: %w", err)
	}
	return &Entry{Prompt: prompt, State: out.Cache}, nil
}
