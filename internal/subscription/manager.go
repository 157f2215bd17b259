package subscription

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-stream delivery buffer used when none is configured.
const DefaultBufferSize = 1024

// Transport is the connection side of a manager. Start is called on the first
// subscribe and must be idempotent.
type Transport interface {
	Sender
	Start(h Handler)
}

// Handler receives callbacks from the connection.
type Handler interface {
	// Dispatch fans parsed events out to matching streams. It never blocks.
	Dispatch(events []Event)

	// ReplayAll re-sends every live subscription after a reconnect.
	ReplayAll()

	// CloseAll ends every stream with err. The manager rejects new
	// subscriptions afterwards.
	CloseAll(err error)
}

// Request describes one logical subscription.
type Request struct {
	Channel  Channel
	IDs      []string
	Kinds    Kind
	Features Features
}

// ManagerStats contains runtime statistics.
type ManagerStats struct {
	Streams   int
	Delivered int64
	Discarded int64
	Registry  RegistryStats
}

// Manager ties the subscription registry to the streams it backs. It is the
// Handler of exactly one connection.
type Manager struct {
	transport  Transport
	registry   *Registry
	logger     *slog.Logger
	bufferSize int

	mu       sync.RWMutex
	routes   map[Key]map[*subscriber]struct{}
	subs     map[*subscriber]struct{}
	seq      uint64
	closeErr error
	interest atomic.Uint32

	delivered atomic.Int64
	discarded atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBufferSize sets the per-stream buffer capacity.
func WithBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// NewManager creates a manager whose directives go through transport.
func NewManager(transport Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:  transport,
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
		routes:     make(map[Key]map[*subscriber]struct{}),
		subs:       make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.registry = NewRegistry(transport, m.logger)
	return m
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Interest returns the union of kinds requested by live streams.
func (m *Manager) Interest() Kind {
	return Kind(m.interest.Load())
}

// Subscribe registers a stream for req. Routes are installed before the
// subscribe directive goes out, so an initial snapshot cannot be missed.
// Cancelling ctx closes the stream; so does dropping it.
func (m *Manager) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	if req.Kinds == KindNone {
		return nil, ErrNoKinds
	}
	ids := dedupe(req.IDs)
	if len(ids) == 0 {
		if req.Channel != ChannelUser {
			return nil, ErrEmptyTargets
		}
		ids = []string{""}
	}

	s := &subscriber{
		m:       m,
		channel: req.Channel,
		kinds:   req.Kinds,
		buf:     NewBuffer[Event](m.bufferSize),
		keys:    make(map[Key]struct{}, len(ids)),
		handles: make(map[Key]*Handle, len(ids)),
	}
	for _, id := range ids {
		s.keys[Key{Channel: req.Channel, ID: id}] = struct{}{}
	}

	m.mu.Lock()
	if m.closeErr != nil {
		err := m.closeErr
		m.mu.Unlock()
		return nil, err
	}
	m.seq++
	s.seq = m.seq
	for key := range s.keys {
		set, ok := m.routes[key]
		if !ok {
			set = make(map[*subscriber]struct{})
			m.routes[key] = set
		}
		set[s] = struct{}{}
	}
	m.subs[s] = struct{}{}
	m.recomputeInterestLocked()
	m.mu.Unlock()

	m.transport.Start(m)

	m.mu.RLock()
	err := m.closeErr
	m.mu.RUnlock()
	if err != nil {
		s.finish(err, false, false)
		return nil, err
	}

	handles, err := m.registry.Subscribe(req.Channel, ids, req.Features)
	if err != nil {
		s.finish(err, false, false)
		return nil, err
	}
	s.attach(handles)

	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			s.finish(context.Cause(ctx), false, true)
		})
		s.mu.Lock()
		s.stop = stop
		s.mu.Unlock()
	}

	sub := &Subscription{s: s}
	runtime.AddCleanup(sub, func(s *subscriber) {
		s.finish(ErrStreamClosed, false, true)
	}, s)

	m.logger.Debug("stream opened",
		"channel", req.Channel,
		"targets", len(ids),
		"kinds", req.Kinds,
		"features", req.Features,
	)
	return sub, nil
}

// Unsubscribe releases one reference per id, taken from the most recently
// opened stream holding that id. A stream left without ids ends with
// ErrUnsubscribed. An empty id list is a validation error.
func (m *Manager) Unsubscribe(channel Channel, ids []string) error {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return ErrEmptyTargets
	}

	for _, id := range ids {
		key := Key{Channel: channel, ID: id}

		m.mu.Lock()
		var newest *subscriber
		for s := range m.routes[key] {
			if newest == nil || s.seq > newest.seq {
				newest = s
			}
		}
		if newest != nil {
			m.removeRouteLocked(key, newest)
		}
		m.mu.Unlock()

		if newest == nil {
			m.logger.Debug("unsubscribe for unknown key", "key", key)
			continue
		}
		newest.dropKey(key)
	}
	return nil
}

// Dispatch delivers events to every matching stream.
func (m *Manager) Dispatch(events []Event) {
	for _, ev := range events {
		if ev.Failure != nil {
			m.fail(*ev.Failure)
			continue
		}

		targets := m.match(ev)
		if len(targets) == 0 {
			m.discarded.Add(1)
			continue
		}
		for _, s := range targets {
			if s.buf.Push(ev) {
				m.delivered.Add(1)
			}
		}
	}
}

// ReplayAll re-sends every live subscription.
func (m *Manager) ReplayAll() {
	m.registry.ReplayAll()
}

// CloseAll ends every stream with err and forgets all registry state.
func (m *Manager) CloseAll(err error) {
	m.mu.Lock()
	if m.closeErr != nil {
		m.mu.Unlock()
		return
	}
	m.closeErr = err
	subs := make([]*subscriber, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.finish(err, true, false)
	}
	m.registry.clear()

	m.logger.Info("all streams closed", "streams", len(subs), "reason", err)
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	streams := len(m.subs)
	m.mu.RUnlock()

	return ManagerStats{
		Streams:   streams,
		Delivered: m.delivered.Load(),
		Discarded: m.discarded.Load(),
		Registry:  m.registry.Stats(),
	}
}

func (m *Manager) match(ev Event) []*subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*subscriber
	add := func(set map[*subscriber]struct{}) {
		for s := range set {
			if s.kinds&ev.Kind == 0 {
				continue
			}
			dup := false
			for _, o := range out {
				if o == s {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, s)
			}
		}
	}

	for _, key := range ev.Keys {
		add(m.routes[key])
	}
	if ev.Kind&KindUser != 0 {
		add(m.routes[Key{Channel: ChannelUser}])
	}
	return out
}

func (m *Manager) fail(f Failure) {
	m.mu.RLock()
	var targets []*subscriber
	if len(f.Keys) == 0 {
		for s := range m.subs {
			if s.channel == f.Channel {
				targets = append(targets, s)
			}
		}
	} else {
		seen := make(map[*subscriber]struct{})
		for _, key := range f.Keys {
			for s := range m.routes[key] {
				if _, ok := seen[s]; !ok {
					seen[s] = struct{}{}
					targets = append(targets, s)
				}
			}
		}
	}
	m.mu.RUnlock()

	m.logger.Warn("server rejected subscription",
		"channel", f.Channel,
		"keys", len(f.Keys),
		"streams", len(targets),
		"error", f.Err,
	)
	for _, s := range targets {
		s.finish(f.Err, true, true)
	}
}

func (m *Manager) detach(s *subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, set := range m.routes {
		if _, ok := set[s]; ok {
			m.removeRouteLocked(key, s)
		}
	}
	delete(m.subs, s)
	m.recomputeInterestLocked()
}

func (m *Manager) removeRouteLocked(key Key, s *subscriber) {
	set := m.routes[key]
	delete(set, s)
	if len(set) == 0 {
		delete(m.routes, key)
	}
}

func (m *Manager) recomputeInterestLocked() {
	var k Kind
	for s := range m.subs {
		k |= s.kinds
	}
	m.interest.Store(uint32(k))
}

// subscriber is the manager-side state of one stream. The manager only ever
// references subscribers, never the caller-facing Subscription, so a dropped
// Subscription can be collected and its cleanup can release the handles.
type subscriber struct {
	m       *Manager
	channel Channel
	kinds   Kind
	seq     uint64
	buf     *Buffer[Event]

	mu      sync.Mutex
	keys    map[Key]struct{}
	handles map[Key]*Handle
	done    bool
	stop    func() bool
}

func (s *subscriber) attach(handles []*Handle) {
	var orphans []*Handle

	s.mu.Lock()
	for _, h := range handles {
		if _, ok := s.keys[h.Key()]; ok && !s.done {
			s.handles[h.Key()] = h
		} else {
			orphans = append(orphans, h)
		}
	}
	s.mu.Unlock()

	for _, h := range orphans {
		h.Release()
	}
}

func (s *subscriber) dropKey(key Key) {
	s.mu.Lock()
	h := s.handles[key]
	delete(s.handles, key)
	delete(s.keys, key)
	remaining := len(s.keys)
	s.mu.Unlock()

	if h != nil {
		h.Release()
	}
	if remaining == 0 {
		s.finish(ErrUnsubscribed, true, true)
	}
}

// finish ends the stream exactly once. drain keeps queued messages readable
// before err; release returns the registry references.
func (s *subscriber) finish(err error, drain, release bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	handles := s.handles
	s.handles = nil
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.m.detach(s)

	for _, h := range handles {
		if release {
			h.Release()
		} else {
			h.disarm()
		}
	}

	if drain {
		s.buf.CloseWithError(err)
	} else {
		s.buf.Terminate(err)
	}
}
