package clob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/polymarket-data/internal/auth"
	"github.com/rickgao/polymarket-data/internal/connection"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

// wsServer is a minimal CLOB stand-in. It answers PING, records directives
// per path and lets tests push frames to the newest socket of a path.
type wsServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    map[string]*websocket.Conn
	received map[string][]map[string]any
	writeMu  sync.Mutex
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{
		conns:    make(map[string]*websocket.Conn),
		received: make(map[string][]map[string]any),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		path := r.URL.Path
		s.mu.Lock()
		s.conns[path] = conn
		s.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "PING" {
				s.writeMu.Lock()
				conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
				s.writeMu.Unlock()
				continue
			}
			var d map[string]any
			if err := json.Unmarshal(msg, &d); err != nil {
				t.Logf("bad directive %q: %v", msg, err)
				continue
			}
			s.mu.Lock()
			s.received[path] = append(s.received[path], d)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) directives(path string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.received[path]...)
}

func (s *wsServer) push(t *testing.T, path, frame string) {
	t.Helper()
	s.mu.Lock()
	conn := s.conns[path]
	s.mu.Unlock()
	require.NotNil(t, conn, "no socket on %s", path)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// waitSubscribed blocks until a subscribe directive on path satisfies match.
func (s *wsServer) waitSubscribed(t *testing.T, path string, match func(map[string]any) bool) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		for _, d := range s.directives(path) {
			if d["operation"] == "subscribe" && match(d) {
				found = d
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return found
}

func hasTarget(field, id string) func(map[string]any) bool {
	return func(d map[string]any) bool {
		list, _ := d[field].([]any)
		for _, v := range list {
			if v == id {
				return true
			}
		}
		return false
	}
}

func testConfig(s *wsServer) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = s.url()
	cfg.Reconnect.InitialBackoff = 10 * time.Millisecond
	cfg.Reconnect.MaxBackoff = 50 * time.Millisecond
	return cfg
}

func within(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		endpoint string
		channel  subscription.Channel
		want     string
	}{
		{"wss://host", subscription.ChannelMarket, "wss://host/ws/market"},
		{"wss://host/", subscription.ChannelUser, "wss://host/ws/user"},
		{"wss://host/ws", subscription.ChannelMarket, "wss://host/ws/market"},
		{"wss://host/ws/market", subscription.ChannelUser, "wss://host/ws/user"},
		{"wss://host/ws/user/", subscription.ChannelMarket, "wss://host/ws/market"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChannelURL(tt.endpoint, tt.channel), tt.endpoint)
	}
}

func TestClient_LazyChannels(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	assert.Equal(t, connection.StateDisconnected, c.ConnectionState(subscription.ChannelMarket).Kind)
	assert.Equal(t, 0, c.SubscriptionCount())

	_, _, ok := c.ChannelStats(subscription.ChannelMarket)
	assert.False(t, ok)

	assert.ErrorIs(t, c.UnsubscribeMarket(nil), subscription.ErrEmptyTargets)
	assert.NoError(t, c.UnsubscribeMarket([]string{"A"}))
}

func TestClient_OrderbookAndMidpointShareSubscription(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s))
	defer c.Close()

	books, err := c.SubscribeOrderbook(context.Background(), []string{"A"})
	require.NoError(t, err)
	defer books.Close()
	mids, err := c.SubscribeMidpoints(context.Background(), []string{"A"})
	require.NoError(t, err)
	defer mids.Close()

	assert.Equal(t, 1, c.SubscriptionCount())

	d := s.waitSubscribed(t, MarketPath, hasTarget("assets_ids", "A"))
	assert.Equal(t, "market", d["type"])
	assert.Equal(t, true, d["initial_dump"])

	s.push(t, MarketPath, `{"event_type":"book","asset_id":"A","market":"M","timestamp":"1",
		"bids":[{"price":"0.50","size":"10"}],"asks":[{"price":"0.52","size":"4"}]}`)

	book, err := books.Next(within(t))
	require.NoError(t, err)
	assert.Equal(t, "A", book.AssetID)

	mid, err := mids.Next(within(t))
	require.NoError(t, err)
	assert.True(t, mid.Midpoint.Equal(decimal.RequireFromString("0.51")), "midpoint = %s", mid.Midpoint)

	assert.True(t, c.ConnectionState(subscription.ChannelMarket).IsConnected())
	conn, streams, ok := c.ChannelStats(subscription.ChannelMarket)
	require.True(t, ok)
	assert.Equal(t, int64(1), conn.Sessions)
	assert.Equal(t, 2, streams.Streams)
}

func TestClient_CustomFeatureSubscribe(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s))
	defer c.Close()

	bba, err := c.SubscribeBestBidAsk(context.Background(), []string{"B"})
	require.NoError(t, err)
	defer bba.Close()

	d := s.waitSubscribed(t, MarketPath, hasTarget("assets_ids", "B"))
	assert.Equal(t, true, d["custom_feature_enabled"])

	s.push(t, MarketPath, `{"event_type":"best_bid_ask","market":"M","asset_id":"B",
		"best_bid":"0.4","best_ask":"0.6","spread":"0.2","timestamp":"5"}`)

	msg, err := bba.Next(within(t))
	require.NoError(t, err)
	assert.True(t, msg.Spread.Equal(decimal.RequireFromString("0.2")))
}

func TestClient_UserChannelRequiresCredentials(t *testing.T) {
	c := New(DefaultConfig())
	defer c.Close()

	_, err := c.SubscribeOrders(context.Background(), nil)
	assert.ErrorIs(t, err, auth.ErrMissingCredentials)
}

func TestClient_UserChannelAuthenticates(t *testing.T) {
	s := newWSServer(t)
	creds, err := auth.NewCredentials(
		"00000000-0000-0000-0000-000000000001",
		"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		"pass",
	)
	require.NoError(t, err)

	cfg := testConfig(s)
	cfg.Credentials = creds
	c := New(cfg)
	defer c.Close()

	orders, err := c.SubscribeOrders(context.Background(), nil)
	require.NoError(t, err)
	defer orders.Close()

	d := s.waitSubscribed(t, UserPath, func(d map[string]any) bool { return d["type"] == "user" })
	_, hasMarkets := d["markets"]
	assert.False(t, hasMarkets, "wildcard subscribe must not name markets")

	authBlock, ok := d["auth"].(map[string]any)
	require.True(t, ok, "missing auth block: %v", d)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", authBlock["apiKey"])
	assert.Equal(t, "pass", authBlock["passphrase"])
	assert.NotEmpty(t, authBlock["signature"])
	assert.NotContains(t, authBlock, "secret")

	s.push(t, UserPath, `{"event_type":"order","id":"o1","market":"0xm","asset_id":"A",
		"side":"BUY","price":"0.5","type":"PLACEMENT"}`)

	order, err := orders.Next(within(t))
	require.NoError(t, err)
	assert.Equal(t, "o1", order.ID)
}

func TestClient_CloseEndsStreams(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s))

	prices, err := c.SubscribePrices(context.Background(), []string{"A"})
	require.NoError(t, err)
	s.waitSubscribed(t, MarketPath, hasTarget("assets_ids", "A"))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = prices.Next(within(t))
	assert.ErrorIs(t, err, subscription.ErrConnectionClosed)

	_, err = c.SubscribePrices(context.Background(), []string{"A"})
	assert.ErrorIs(t, err, subscription.ErrConnectionClosed)
	assert.True(t, c.ConnectionState(subscription.ChannelMarket).IsTerminal())
}

func TestClient_UnsubscribeSendsDirective(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s))
	defer c.Close()

	ticks, err := c.SubscribeTickSizeChanges(context.Background(), []string{"A"})
	require.NoError(t, err)
	s.waitSubscribed(t, MarketPath, hasTarget("assets_ids", "A"))

	require.NoError(t, c.UnsubscribeMarket([]string{"A"}))

	_, err = ticks.Next(within(t))
	assert.ErrorIs(t, err, subscription.ErrUnsubscribed)

	require.Eventually(t, func() bool {
		for _, d := range s.directives(MarketPath) {
			if d["operation"] == "unsubscribe" && hasTarget("assets_ids", "A")(d) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.SubscriptionCount())
}

func TestClient_ConnectBeforeSubscribe(t *testing.T) {
	s := newWSServer(t)
	c := New(testConfig(s))
	defer c.Close()

	require.NoError(t, c.Connect(subscription.ChannelMarket))
	require.Eventually(t, func() bool {
		return c.ConnectionState(subscription.ChannelMarket).IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.SubscriptionCount())
	assert.Empty(t, s.directives(MarketPath), "replay of an empty registry sends nothing")

	assert.ErrorIs(t, c.Connect(subscription.ChannelUser), auth.ErrMissingCredentials)
}
