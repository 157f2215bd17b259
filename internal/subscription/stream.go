package subscription

import (
	"context"
	"iter"
	"slices"
)

// Subscription is an untyped stream of events for one Request. It must be
// closed, or its context cancelled, or simply dropped, to release its keys.
type Subscription struct {
	s *subscriber
}

// Next returns the next event. A *LaggedError is returned once after an
// overflow and the subscription stays usable; any other error is terminal.
func (sub *Subscription) Next(ctx context.Context) (Event, error) {
	return sub.s.buf.Pop(ctx)
}

// Close ends the subscription and releases its registry references.
// Safe to call more than once and from any goroutine.
func (sub *Subscription) Close() {
	sub.s.finish(ErrStreamClosed, false, true)
}

// Keys returns the keys this subscription still holds.
func (sub *Subscription) Keys() []Key {
	sub.s.mu.Lock()
	keys := make([]Key, 0, len(sub.s.keys))
	for k := range sub.s.keys {
		keys = append(keys, k)
	}
	sub.s.mu.Unlock()

	slices.SortFunc(keys, func(a, b Key) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return keys
}

// Stats returns the delivery buffer statistics.
func (sub *Subscription) Stats() BufferStats {
	return sub.s.buf.Stats()
}

// Stream is a typed view over a Subscription. Events that convert reports as
// not applicable are skipped.
type Stream[T any] struct {
	sub     *Subscription
	convert func(Event) (T, bool)
}

// NewStream wraps sub with a converter.
func NewStream[T any](sub *Subscription, convert func(Event) (T, bool)) *Stream[T] {
	return &Stream[T]{sub: sub, convert: convert}
}

// Messages is the converter for streams that take the message payload as is.
func Messages[T any](ev Event) (T, bool) {
	v, ok := ev.Message.(T)
	return v, ok
}

// Next returns the next message, or an error. See Subscription.Next.
func (st *Stream[T]) Next(ctx context.Context) (T, error) {
	for {
		ev, err := st.sub.Next(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		if v, ok := st.convert(ev); ok {
			return v, nil
		}
	}
}

// All yields messages until a terminal error, which is yielded last.
// Lag notifications are yielded as errors without ending the sequence.
// Breaking out of the loop leaves the stream open.
func (st *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := st.Next(ctx)
			if err != nil {
				if !yield(v, err) || !IsLagged(err) {
					return
				}
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Close ends the stream. See Subscription.Close.
func (st *Stream[T]) Close() {
	st.sub.Close()
}

// Subscription returns the underlying subscription.
func (st *Stream[T]) Subscription() *Subscription {
	return st.sub
}
