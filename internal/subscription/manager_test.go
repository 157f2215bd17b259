package subscription

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marketEvent(kind Kind, id string, msg any) Event {
	return Event{Keys: []Key{{Channel: ChannelMarket, ID: id}}, Kind: kind, Message: msg}
}

func userEvent(kind Kind, market string, msg any) Event {
	return Event{Keys: []Key{{Channel: ChannelUser, ID: market}}, Kind: kind, Message: msg}
}

func nextWithin(t *testing.T, sub *Subscription) (Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sub.Next(ctx)
}

func TestManager_SubscribeStartsTransport(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)

	sub, err := m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 1, tr.starts)
	assert.Same(t, m, tr.handler)
	assert.Equal(t, KindBook, m.Interest())
}

// closingTransport shuts its handler down on Start, like a connection that
// was closed before the first subscribe.
type closingTransport struct {
	fakeTransport
}

func (c *closingTransport) Start(h Handler) {
	c.fakeTransport.Start(h)
	h.CloseAll(ErrConnectionClosed)
}

func TestManager_SubscribeOnClosedTransport(t *testing.T) {
	tr := &closingTransport{}
	m := NewManager(tr)

	sub, err := m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Nil(t, sub)

	assert.Empty(t, tr.directives(OpSubscribe))
	assert.Equal(t, 0, m.Registry().Len())
	assert.Equal(t, 0, m.Stats().Streams)
	assert.Equal(t, KindNone, m.Interest())

	// Later subscribes fail before reaching the transport.
	_, err = m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"B"}, Kinds: KindBook})
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, 1, tr.starts)
}

func TestManager_ExplicitUnsubscribeKeepsSurvivor(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)
	req := Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook}

	first, err := m.Subscribe(context.Background(), req)
	require.NoError(t, err)
	defer first.Close()
	second, err := m.Subscribe(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, m.Unsubscribe(ChannelMarket, []string{"A"}))

	assert.Len(t, tr.directives(OpSubscribe), 1)
	assert.Empty(t, tr.directives(OpUnsubscribe))

	// The newest stream gave up its only key.
	_, err = nextWithin(t, second)
	assert.ErrorIs(t, err, ErrUnsubscribed)

	m.Dispatch([]Event{marketEvent(KindBook, "A", "snapshot")})
	ev, err := nextWithin(t, first)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", ev.Message)
}

func TestManager_UnsubscribeValidation(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)

	assert.ErrorIs(t, m.Unsubscribe(ChannelMarket, nil), ErrEmptyTargets)
	assert.ErrorIs(t, m.Unsubscribe(ChannelUser, []string{}), ErrEmptyTargets)
	assert.NoError(t, m.Unsubscribe(ChannelMarket, []string{"unknown"}))
	assert.Empty(t, tr.directives(OpUnsubscribe))
}

func TestManager_SubscribeValidation(t *testing.T) {
	m := NewManager(&fakeTransport{})

	_, err := m.Subscribe(context.Background(), Request{Channel: ChannelMarket, Kinds: KindBook})
	assert.ErrorIs(t, err, ErrEmptyTargets)

	_, err = m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"A"}})
	assert.ErrorIs(t, err, ErrNoKinds)

	assert.Equal(t, 0, m.Stats().Streams)
	assert.Equal(t, 0, m.Registry().Len())
}

func TestManager_CloseReleases(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)

	sub, err := m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"A", "B"}, Kinds: KindBook})
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	assert.Len(t, tr.directives(OpUnsubscribe), 2)
	assert.Equal(t, 0, m.Registry().Len())
	assert.Equal(t, KindNone, m.Interest())

	_, err = nextWithin(t, sub)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestManager_ContextCancelReleases(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := m.Subscribe(ctx, Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		return len(tr.directives(OpUnsubscribe)) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func subscribeAndDrop(t *testing.T, m *Manager) {
	t.Helper()
	_, err := m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.NoError(t, err)
}

func TestManager_DroppedStreamReleases(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)

	subscribeAndDrop(t, m)
	assert.Equal(t, 1, m.Registry().Refs(Key{ChannelMarket, "A"}))

	require.Eventually(t, func() bool {
		runtime.GC()
		return len(tr.directives(OpUnsubscribe)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, m.Registry().Len())
	assert.Equal(t, 0, m.Stats().Streams)
}

func TestManager_DispatchFiltersByKeyAndKind(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)
	ctx := context.Background()

	books, err := m.Subscribe(ctx, Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.NoError(t, err)
	defer books.Close()
	prices, err := m.Subscribe(ctx, Request{Channel: ChannelMarket, IDs: []string{"A", "B"}, Kinds: KindPriceChange})
	require.NoError(t, err)
	defer prices.Close()

	m.Dispatch([]Event{
		marketEvent(KindPriceChange, "B", "pc-b"),
		marketEvent(KindBook, "A", "book-a"),
		marketEvent(KindBook, "C", "book-c"),
		{
			Keys:    []Key{{ChannelMarket, "A"}, {ChannelMarket, "B"}},
			Kind:    KindPriceChange,
			Message: "pc-ab",
		},
	})

	ev, err := nextWithin(t, books)
	require.NoError(t, err)
	assert.Equal(t, "book-a", ev.Message)

	ev, err = nextWithin(t, prices)
	require.NoError(t, err)
	assert.Equal(t, "pc-b", ev.Message)

	// Tagged with two keys of the same stream, delivered once.
	ev, err = nextWithin(t, prices)
	require.NoError(t, err)
	assert.Equal(t, "pc-ab", ev.Message)
	assert.Equal(t, 0, prices.Stats().Count)

	stats := m.Stats()
	assert.Equal(t, int64(3), stats.Delivered)
	assert.Equal(t, int64(1), stats.Discarded)
}

func TestManager_UserKindFilterAndWildcard(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)
	ctx := context.Background()

	orders, err := m.Subscribe(ctx, Request{Channel: ChannelUser, IDs: []string{"M1"}, Kinds: KindOrder})
	require.NoError(t, err)
	defer orders.Close()
	everything, err := m.Subscribe(ctx, Request{Channel: ChannelUser, Kinds: KindUser})
	require.NoError(t, err)
	defer everything.Close()

	m.Dispatch([]Event{
		userEvent(KindTrade, "M1", "trade-m1"),
		userEvent(KindOrder, "M1", "order-m1"),
		userEvent(KindOrder, "M2", "order-m2"),
	})

	ev, err := nextWithin(t, orders)
	require.NoError(t, err)
	assert.Equal(t, "order-m1", ev.Message)
	assert.Equal(t, 0, orders.Stats().Count)

	var got []any
	for i := 0; i < 3; i++ {
		ev, err := nextWithin(t, everything)
		require.NoError(t, err)
		got = append(got, ev.Message)
	}
	assert.Equal(t, []any{"trade-m1", "order-m1", "order-m2"}, got)
}

func TestManager_LaggedStreamContinues(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, WithBufferSize(2))

	sub, err := m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		m.Dispatch([]Event{marketEvent(KindBook, "A", i)})
	}

	_, err = nextWithin(t, sub)
	var lagged *LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(3), lagged.Count)

	ev, err := nextWithin(t, sub)
	require.NoError(t, err)
	assert.Equal(t, 3, ev.Message)
	ev, err = nextWithin(t, sub)
	require.NoError(t, err)
	assert.Equal(t, 4, ev.Message)
}

func TestManager_FailureEndsOnlyMatchingStreams(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)
	ctx := context.Background()

	a, err := m.Subscribe(ctx, Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, Request{Channel: ChannelMarket, IDs: []string{"B"}, Kinds: KindBook})
	require.NoError(t, err)
	defer b.Close()

	rejected := &SubscriptionError{Reason: "unknown asset"}
	m.Dispatch([]Event{{Failure: &Failure{
		Channel: ChannelMarket,
		Keys:    []Key{{ChannelMarket, "A"}},
		Err:     rejected,
	}}})

	_, err = nextWithin(t, a)
	var subErr *SubscriptionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "unknown asset", subErr.Reason)

	m.Dispatch([]Event{marketEvent(KindBook, "B", "still-alive")})
	ev, err := nextWithin(t, b)
	require.NoError(t, err)
	assert.Equal(t, "still-alive", ev.Message)
}

func TestManager_ChannelFailure(t *testing.T) {
	m := NewManager(&fakeTransport{})
	ctx := context.Background()

	user, err := m.Subscribe(ctx, Request{Channel: ChannelUser, Kinds: KindUser})
	require.NoError(t, err)
	market, err := m.Subscribe(ctx, Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.NoError(t, err)
	defer market.Close()

	m.Dispatch([]Event{{Failure: &Failure{Channel: ChannelUser, Err: ErrAuthenticationFailed}}})

	_, err = nextWithin(t, user)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 1, m.Stats().Streams)
}

func TestManager_CloseAllEndsEveryStream(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)
	ctx := context.Background()

	var subs []*Subscription
	for _, id := range []string{"A", "B", "C"} {
		sub, err := m.Subscribe(ctx, Request{Channel: ChannelMarket, IDs: []string{id}, Kinds: KindBook})
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	m.Dispatch([]Event{marketEvent(KindBook, "A", "last")})

	m.CloseAll(ErrConnectionClosed)

	// Queued messages are drained before the terminal error.
	ev, err := nextWithin(t, subs[0])
	require.NoError(t, err)
	assert.Equal(t, "last", ev.Message)

	for _, sub := range subs {
		_, err := nextWithin(t, sub)
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	assert.Empty(t, tr.directives(OpUnsubscribe))
	assert.Equal(t, 0, m.Registry().Len())

	_, err = m.Subscribe(ctx, Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestManager_ConcurrentStreams(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
				if err != nil {
					errs <- err
					return
				}
				m.Dispatch([]Event{marketEvent(KindBook, "A", j)})
				sub.Close()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, m.Registry().Refs(Key{ChannelMarket, "A"}))
	assert.Equal(t, 0, m.Registry().Len())
	assert.Equal(t, 0, m.Stats().Streams)
	assert.Equal(t, len(tr.directives(OpSubscribe)), len(tr.directives(OpUnsubscribe)))
}

func TestStream_TypedAndAll(t *testing.T) {
	m := NewManager(&fakeTransport{}, WithBufferSize(2))
	sub, err := m.Subscribe(context.Background(), Request{Channel: ChannelMarket, IDs: []string{"A"}, Kinds: KindBook})
	require.NoError(t, err)

	st := NewStream(sub, Messages[int])
	m.Dispatch([]Event{
		marketEvent(KindBook, "A", "not an int"),
		marketEvent(KindBook, "A", 7),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := st.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	m.Dispatch([]Event{
		marketEvent(KindBook, "A", 1),
		marketEvent(KindBook, "A", 2),
		marketEvent(KindBook, "A", 3),
	})
	m.CloseAll(ErrConnectionClosed)

	var values []int
	var lagged, terminal error
	for v, err := range st.All(ctx) {
		switch {
		case IsLagged(err):
			lagged = err
		case err != nil:
			terminal = err
		default:
			values = append(values, v)
		}
	}
	assert.Error(t, lagged)
	assert.True(t, errors.Is(terminal, ErrConnectionClosed))
	assert.Equal(t, []int{2, 3}, values)
}
