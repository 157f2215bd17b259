package subscription

import (
	"context"
	"sync"
)

// Buffer is a bounded FIFO ring used as a stream's delivery queue. Pushing
// into a full buffer overwrites the oldest item and counts it as lagged, so a
// slow reader never blocks the fan-out.
type Buffer[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	count    int
	capacity int
	lagged   uint64
	closed   bool
	err      error

	// ready holds at most one wakeup for a blocked reader.
	ready chan struct{}
	done  chan struct{}

	// Stats
	totalPushed  int64
	totalPopped  int64
	totalDropped int64
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count        int
	Capacity     int
	TotalPushed  int64
	TotalPopped  int64
	TotalDropped int64
}

// NewBuffer creates a buffer holding at most capacity items.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends item, dropping the oldest item when full.
// Returns false if the buffer is closed.
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}

	tail := (b.head + b.count) % b.capacity
	if b.count == b.capacity {
		// Overwrite oldest
		b.head = (b.head + 1) % b.capacity
		b.lagged++
		b.totalDropped++
	} else {
		b.count++
	}
	b.buf[tail] = item
	b.totalPushed++
	b.mu.Unlock()

	b.wake()
	return true
}

// Pop waits for the next item. A pending lag is reported first as a
// *LaggedError; the following call continues with the oldest retained item.
// Once closed and drained, Pop returns the close error.
func (b *Buffer[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		b.mu.Lock()
		if b.lagged > 0 {
			n := b.lagged
			b.lagged = 0
			b.mu.Unlock()
			return zero, &LaggedError{Count: n}
		}
		if b.count > 0 {
			item := b.buf[b.head]
			b.buf[b.head] = zero // Clear reference for GC
			b.head = (b.head + 1) % b.capacity
			b.count--
			b.totalPopped++
			b.mu.Unlock()
			return item, nil
		}
		if b.closed {
			err := b.err
			b.mu.Unlock()
			return zero, err
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-b.ready:
		case <-b.done:
		}
	}
}

// CloseWithError closes the buffer. Readers drain remaining items and then
// receive err. Only the first close sets the error.
func (b *Buffer[T]) CloseWithError(err error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	b.err = err
	close(b.done)
	b.mu.Unlock()
	return true
}

// Terminate closes the buffer and discards anything still queued, so the
// next read returns err immediately.
func (b *Buffer[T]) Terminate(err error) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.head, b.count, b.lagged = 0, 0, 0
	b.closed = true
	b.err = err
	close(b.done)
	b.mu.Unlock()
	return true
}

// Closed reports whether the buffer has been closed.
func (b *Buffer[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the current number of items in the buffer.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:        b.count,
		Capacity:     b.capacity,
		TotalPushed:  b.totalPushed,
		TotalPopped:  b.totalPopped,
		TotalDropped: b.totalDropped,
	}
}

func (b *Buffer[T]) wake() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
