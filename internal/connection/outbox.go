package connection

import (
	"sync"

	"github.com/rickgao/polymarket-data/internal/subscription"
)

// outbox is an unbounded FIFO of directives waiting for the session writer.
// It only accepts directives while a session is live, so directives issued
// while disconnected are left to the next replay.
type outbox struct {
	mu        sync.Mutex
	queue     []subscription.Directive
	accepting bool

	// ready holds at most one wakeup for the writer.
	ready chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

func (o *outbox) push(d subscription.Directive) error {
	o.mu.Lock()
	if !o.accepting {
		o.mu.Unlock()
		return ErrNotConnected
	}
	o.queue = append(o.queue, d)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) drain() []subscription.Directive {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.queue
	o.queue = nil
	return out
}

// open starts accepting directives for a new session.
func (o *outbox) open() {
	o.mu.Lock()
	o.queue = nil
	o.accepting = true
	o.mu.Unlock()
}

// shut stops accepting and discards anything not yet written.
func (o *outbox) shut() {
	o.mu.Lock()
	o.queue = nil
	o.accepting = false
	o.mu.Unlock()
}
