package subscription

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Sender delivers directives to the wire. Send must not block; an error means
// the directive was not sent now and the registry state covers it on replay.
type Sender interface {
	Send(d Directive) error
}

// RegistryStats counts directive traffic emitted by a registry.
type RegistryStats struct {
	Entries      int
	Subscribes   int64
	Unsubscribes int64
	Replays      int64
	SendFailures int64
}

// Registry is a reference-counted map of topic keys. Every mutation and the
// directive it produces happen under one lock, so operations on the same key
// are totally ordered on the wire.
type Registry struct {
	sender Sender
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Key]*entry

	subscribes   atomic.Int64
	unsubscribes atomic.Int64
	replays      atomic.Int64
	sendFailures atomic.Int64
}

type entry struct {
	refs     int
	features Features
}

// NewRegistry creates an empty registry that emits directives through sender.
func NewRegistry(sender Sender, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sender:  sender,
		logger:  logger,
		entries: make(map[Key]*entry),
	}
}

// Subscribe takes one reference on each target and returns one handle per
// distinct target. A subscribe directive is emitted for keys that are new or
// whose feature set grew. An empty target list is valid only on the user
// channel, where it means every market.
func (r *Registry) Subscribe(channel Channel, ids []string, features Features) ([]*Handle, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		if channel != ChannelUser {
			return nil, ErrEmptyTargets
		}
		ids = []string{""}
	}
	if channel == ChannelMarket && slices.Contains(ids, "") {
		return nil, ErrEmptyTargets
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]*Handle, 0, len(ids))
	pending := make(map[Features][]string)
	var order []Features

	for _, id := range ids {
		key := Key{Channel: channel, ID: id}
		e, ok := r.entries[key]
		switch {
		case !ok:
			e = &entry{refs: 1, features: features}
			r.entries[key] = e
		case !e.features.Contains(features):
			e.refs++
			e.features |= features
		default:
			e.refs++
			handles = append(handles, &Handle{registry: r, key: key})
			continue
		}

		if _, seen := pending[e.features]; !seen {
			order = append(order, e.features)
		}
		pending[e.features] = append(pending[e.features], id)
		handles = append(handles, &Handle{registry: r, key: key})
	}

	for _, f := range order {
		r.emit(Directive{
			Operation: OpSubscribe,
			Channel:   channel,
			Targets:   wireTargets(pending[f]),
			Features:  f,
		})
		r.subscribes.Add(1)
	}

	return handles, nil
}

// release drops one reference on key and emits an unsubscribe directive when
// it was the last one.
func (r *Registry) release(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}

	delete(r.entries, key)
	if key.ID == "" && r.hasChannelLocked(key.Channel) {
		// A target-less unsubscribe would drop the surviving markets too.
		// The server keeps the wider subscription until the next replay.
		r.logger.Debug("wildcard released with live markets, unsubscribe withheld",
			"channel", key.Channel,
		)
		return
	}
	r.emit(Directive{
		Operation: OpUnsubscribe,
		Channel:   key.Channel,
		Targets:   wireTargets([]string{key.ID}),
	})
	r.unsubscribes.Add(1)
}

func (r *Registry) hasChannelLocked(ch Channel) bool {
	for key := range r.entries {
		if key.Channel == ch {
			return true
		}
	}
	return false
}

// ReplayAll re-emits a subscribe directive for every live key, carrying the
// full accumulated feature set. It returns the number of directives sent.
func (r *Registry) ReplayAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	type group struct {
		channel  Channel
		features Features
	}
	groups := make(map[group][]string)
	for key, e := range r.entries {
		g := group{channel: key.Channel, features: e.features}
		groups[g] = append(groups[g], key.ID)
	}

	keys := make([]group, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	slices.SortFunc(keys, func(a, b group) int {
		if a.channel != b.channel {
			return int(a.channel) - int(b.channel)
		}
		return int(a.features) - int(b.features)
	})

	for _, g := range keys {
		ids := groups[g]
		slices.Sort(ids)
		r.emit(Directive{
			Operation: OpSubscribe,
			Channel:   g.channel,
			Targets:   wireTargets(ids),
			Features:  g.features,
		})
	}

	r.replays.Add(1)
	if len(keys) > 0 {
		r.logger.Debug("replayed subscriptions", "entries", len(r.entries), "directives", len(keys))
	}
	return len(keys)
}

// Refs returns the current reference count for key.
func (r *Registry) Refs(key Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Entries returns a snapshot of all live entries ordered by key.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for key, e := range r.entries {
		out = append(out, Entry{Key: key, Refs: e.refs, Features: e.features})
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if a.Key.Channel != b.Key.Channel {
			return int(a.Key.Channel) - int(b.Key.Channel)
		}
		switch {
		case a.Key.ID < b.Key.ID:
			return -1
		case a.Key.ID > b.Key.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stats returns directive counters.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Entries:      r.Len(),
		Subscribes:   r.subscribes.Load(),
		Unsubscribes: r.unsubscribes.Load(),
		Replays:      r.replays.Load(),
		SendFailures: r.sendFailures.Load(),
	}
}

// clear drops every entry without emitting directives. Used once the
// connection is gone for good.
func (r *Registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.entries)
}

// emit must be called with r.mu held.
func (r *Registry) emit(d Directive) {
	if err := r.sender.Send(d); err != nil {
		r.sendFailures.Add(1)
		r.logger.Debug("directive deferred",
			"operation", d.Operation,
			"channel", d.Channel,
			"targets", len(d.Targets),
			"error", err,
		)
		return
	}
	r.logger.Debug("directive sent",
		"operation", d.Operation,
		"channel", d.Channel,
		"targets", len(d.Targets),
		"features", d.Features,
	)
}

// Handle owns one reference on one registry entry.
type Handle struct {
	registry *Registry
	key      Key
	released atomic.Bool
}

// Key returns the key this handle references.
func (h *Handle) Key() Key {
	return h.key
}

// Release drops the reference. Only the first call has an effect; it reports
// whether this call performed the release.
func (h *Handle) Release() bool {
	if !h.released.CompareAndSwap(false, true) {
		return false
	}
	h.registry.release(h.key)
	return true
}

// disarm marks the handle released without touching the registry.
func (h *Handle) disarm() {
	h.released.Store(true)
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// wireTargets encodes the wildcard id as an empty target list, which the
// server reads as every market.
func wireTargets(ids []string) []string {
	if slices.Contains(ids, "") {
		return nil
	}
	return ids
}
