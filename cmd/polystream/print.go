package main

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rickgao/polymarket-data/internal/subscription"
)

// printedEvent is one JSON line written by the stream command.
type printedEvent struct {
	Channel    string    `json:"channel"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
	Message    any       `json:"message"`
}

// eventPrinter writes events as JSON lines. Safe for concurrent use.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) print(ch subscription.Channel, ev subscription.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(printedEvent{
		Channel:    ch.String(),
		EventType:  ev.Kind.String(),
		ReceivedAt: ev.ReceivedAt.UTC(),
		Message:    ev.Message,
	})
}
