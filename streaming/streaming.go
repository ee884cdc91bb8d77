// Package streaming adapts the scheduler's pull-based step loop into a
// push-based stream: a producer goroutine feeds values through a
// bounded channel, and closing the channel is the completion sentinel
// the consumer side relies on.
package streaming

import (
	"context"
	"iter"
)

// DefaultBuffer is how many values the producer may run ahead of the
// consumer before blocking.
const DefaultBuffer = 8

// Stream is a single-producer single-consumer value stream. The
// producer is done when the channel closes; any producer error is
// available through Err once the stream is drained.
type Stream[T any] struct {
	ch   chan T
	done chan struct{}
	err  error
}

// New starts produce on its own goroutine. produce emits values through
// emit, which reports false when the consumer is gone or the context
// was cancelled; produce should return promptly on false.
func New[T any](ctx context.Context, buffer int, produce func(emit func(T) bool) error) *Stream[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Stream[T]{
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
	}

	emit := func(v T) bool {
		select {
		case s.ch <- v:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(s.done)
		defer close(s.ch)
		s.err = produce(emit)
		if s.err == nil {
			s.err = ctx.Err()
		}
	}()
	return s
}

// Seq iterates the stream's values. Breaking out does not stop the
// producer by itself; cancel the stream's context for that.
func (s *Stream[T]) Seq() iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range s.ch {
			if !yield(v) {
				return
			}
		}
	}
}

// Err reports the producer's error. It blocks until the producer has
// finished.
func (s *Stream[T]) Err() error {
	<-s.done
	return s.err
}
