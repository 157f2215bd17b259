package router

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the side of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// UnmarshalJSON accepts either case.
func (s *Side) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = Side(strings.ToUpper(v))
	return nil
}

// Timestamp is a Unix timestamp in milliseconds. The server sends it as a
// decimal string; plain numbers are accepted too. Zero means absent.
type Timestamp int64

// UnmarshalJSON decodes "1750428146322", 1750428146322, "" or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*t = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*t = Timestamp(v)
	return nil
}

// Time converts to time.Time. The zero Timestamp maps to the zero Time.
func (t Timestamp) Time() time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(t)).UTC()
}

// OrderSummary is one price level of a book.
type OrderSummary struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookUpdate is a full order book snapshot for one asset.
type BookUpdate struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Timestamp Timestamp      `json:"timestamp"`
	Bids      []OrderSummary `json:"bids"`
	Asks      []OrderSummary `json:"asks"`
	Hash      string         `json:"hash,omitempty"`
}

// BestBid returns the highest bid.
func (b *BookUpdate) BestBid() (OrderSummary, bool) {
	if len(b.Bids) == 0 {
		return OrderSummary{}, false
	}
	best := b.Bids[0]
	for _, l := range b.Bids[1:] {
		if l.Price.GreaterThan(best.Price) {
			best = l
		}
	}
	return best, true
}

// BestAsk returns the lowest ask.
func (b *BookUpdate) BestAsk() (OrderSummary, bool) {
	if len(b.Asks) == 0 {
		return OrderSummary{}, false
	}
	best := b.Asks[0]
	for _, l := range b.Asks[1:] {
		if l.Price.LessThan(best.Price) {
			best = l
		}
	}
	return best, true
}

// Midpoint derives the midpoint of the book. ok is false when either side
// is empty.
func (b *BookUpdate) Midpoint() (Midpoint, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return Midpoint{}, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return Midpoint{}, false
	}
	return Midpoint{
		AssetID:   b.AssetID,
		Market:    b.Market,
		Midpoint:  bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)),
		Timestamp: b.Timestamp,
	}, true
}

// Midpoint is derived locally from a book snapshot.
type Midpoint struct {
	AssetID   string
	Market    string
	Midpoint  decimal.Decimal
	Timestamp Timestamp
}

// PriceChangeEntry is one level change inside a price_change message.
type PriceChangeEntry struct {
	AssetID string              `json:"asset_id"`
	Price   decimal.Decimal     `json:"price"`
	Size    decimal.NullDecimal `json:"size"`
	Side    Side                `json:"side"`
	Hash    string              `json:"hash,omitempty"`
	BestBid decimal.NullDecimal `json:"best_bid"`
	BestAsk decimal.NullDecimal `json:"best_ask"`
}

// PriceChange carries level changes for one or more assets of a market.
type PriceChange struct {
	Market       string             `json:"market"`
	Timestamp    Timestamp          `json:"timestamp"`
	PriceChanges []PriceChangeEntry `json:"price_changes"`
}

// AssetIDs returns the distinct assets touched by the message, in order.
func (p *PriceChange) AssetIDs() []string {
	ids := make([]string, 0, len(p.PriceChanges))
	for _, c := range p.PriceChanges {
		dup := false
		for _, id := range ids {
			if id == c.AssetID {
				dup = true
				break
			}
		}
		if !dup {
			ids = append(ids, c.AssetID)
		}
	}
	return ids
}

// TickSizeChange reports a new minimum tick for an asset.
type TickSizeChange struct {
	AssetID     string          `json:"asset_id"`
	Market      string          `json:"market"`
	OldTickSize decimal.Decimal `json:"old_tick_size"`
	NewTickSize decimal.Decimal `json:"new_tick_size"`
	Timestamp   Timestamp       `json:"timestamp"`
}

// LastTradePrice reports the most recent trade on an asset.
type LastTradePrice struct {
	AssetID    string              `json:"asset_id"`
	Market     string              `json:"market"`
	Price      decimal.Decimal     `json:"price"`
	Side       Side                `json:"side,omitempty"`
	Size       decimal.NullDecimal `json:"size"`
	FeeRateBps decimal.NullDecimal `json:"fee_rate_bps"`
	Timestamp  Timestamp           `json:"timestamp"`
}

// BestBidAsk is a top-of-book update. Requires custom features.
type BestBidAsk struct {
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	Spread    decimal.Decimal `json:"spread"`
	Timestamp Timestamp       `json:"timestamp"`
}

// EventMessage describes the event a market belongs to.
type EventMessage struct {
	ID          string `json:"id"`
	Ticker      string `json:"ticker"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// NewMarket announces a market. Requires custom features.
type NewMarket struct {
	ID           string        `json:"id"`
	Question     string        `json:"question"`
	Market       string        `json:"market"`
	Slug         string        `json:"slug"`
	Description  string        `json:"description"`
	AssetIDs     []string      `json:"assets_ids"`
	Outcomes     []string      `json:"outcomes"`
	EventMessage *EventMessage `json:"event_message,omitempty"`
	Timestamp    Timestamp     `json:"timestamp"`
}

// MarketResolved announces a resolution. Requires custom features.
type MarketResolved struct {
	NewMarket
	WinningAssetID string `json:"winning_asset_id"`
	WinningOutcome string `json:"winning_outcome"`
}

// TradeStatus is the settlement status of a user trade.
type TradeStatus string

const (
	TradeStatusMatched   TradeStatus = "MATCHED"
	TradeStatusMined     TradeStatus = "MINED"
	TradeStatusConfirmed TradeStatus = "CONFIRMED"
	TradeStatusRetrying  TradeStatus = "RETRYING"
	TradeStatusFailed    TradeStatus = "FAILED"
)

// UnmarshalJSON accepts either case. Unknown statuses are kept verbatim.
func (s *TradeStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = TradeStatus(strings.ToUpper(v))
	return nil
}

// MakerOrder is a maker fill inside a user trade.
type MakerOrder struct {
	AssetID       string          `json:"asset_id"`
	MatchedAmount decimal.Decimal `json:"matched_amount"`
	OrderID       string          `json:"order_id"`
	Outcome       string          `json:"outcome"`
	Owner         string          `json:"owner"`
	Price         decimal.Decimal `json:"price"`
}

// Trade is a user trade execution. User channel only.
type Trade struct {
	ID              string              `json:"id"`
	Market          string              `json:"market"`
	AssetID         string              `json:"asset_id"`
	Side            Side                `json:"side"`
	Size            decimal.Decimal     `json:"size"`
	Price           decimal.Decimal     `json:"price"`
	Status          TradeStatus         `json:"status"`
	Type            string              `json:"type,omitempty"`
	LastUpdate      Timestamp           `json:"last_update"`
	MatchTime       Timestamp           `json:"matchtime"`
	Timestamp       Timestamp           `json:"timestamp"`
	Outcome         string              `json:"outcome,omitempty"`
	Owner           string              `json:"owner,omitempty"`
	TradeOwner      string              `json:"trade_owner,omitempty"`
	TakerOrderID    string              `json:"taker_order_id,omitempty"`
	MakerOrders     []MakerOrder        `json:"maker_orders"`
	FeeRateBps      decimal.NullDecimal `json:"fee_rate_bps"`
	TransactionHash string              `json:"transaction_hash,omitempty"`
	TraderSide      string              `json:"trader_side,omitempty"`
}

// OrderType is the lifecycle step an order message reports.
type OrderType string

const (
	OrderPlacement    OrderType = "PLACEMENT"
	OrderUpdate       OrderType = "UPDATE"
	OrderCancellation OrderType = "CANCELLATION"
)

// UnmarshalJSON accepts either case. Unknown types are kept verbatim.
func (t *OrderType) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = OrderType(strings.ToUpper(v))
	return nil
}

// Order is a user order update. User channel only.
type Order struct {
	ID              string              `json:"id"`
	Market          string              `json:"market"`
	AssetID         string              `json:"asset_id"`
	Side            Side                `json:"side"`
	Price           decimal.Decimal     `json:"price"`
	Type            OrderType           `json:"type,omitempty"`
	Outcome         string              `json:"outcome,omitempty"`
	Owner           string              `json:"owner,omitempty"`
	OrderOwner      string              `json:"order_owner,omitempty"`
	OriginalSize    decimal.NullDecimal `json:"original_size"`
	SizeMatched     decimal.NullDecimal `json:"size_matched"`
	Timestamp       Timestamp           `json:"timestamp"`
	AssociateTrades []string            `json:"associate_trades,omitempty"`
}

// Wire types for JSON parsing

// envelope is used for fast type extraction.
type envelope struct {
	EventType string `json:"event_type"`
}

// errorFrame is a server-side rejection.
type errorFrame struct {
	Message  string   `json:"message"`
	Error    string   `json:"error"`
	Code     string   `json:"code"`
	AssetIDs []string `json:"assets_ids"`
	Markets  []string `json:"markets"`
}

func (f *errorFrame) reason() string {
	switch {
	case f.Message != "":
		return f.Message
	case f.Error != "":
		return f.Error
	case f.Code != "":
		return f.Code
	default:
		return "rejected by server"
	}
}
