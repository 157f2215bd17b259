package subscription

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Channel is a server-side channel category. Each channel has its own socket.
type Channel uint8

const (
	ChannelMarket Channel = iota + 1
	ChannelUser
)

func (c Channel) String() string {
	switch c {
	case ChannelMarket:
		return "market"
	case ChannelUser:
		return "user"
	default:
		return "unknown"
	}
}

// Kind is a bit set of message kinds. Streams filter deliveries by kind.
type Kind uint16

const (
	KindBook Kind = 1 << iota
	KindPriceChange
	KindTickSizeChange
	KindLastTradePrice
	KindBestBidAsk
	KindNewMarket
	KindMarketResolved
	KindTrade
	KindOrder

	KindNone Kind = 0

	// KindMarket covers every market channel message, custom feature kinds included.
	KindMarket = KindBook | KindPriceChange | KindTickSizeChange | KindLastTradePrice |
		KindBestBidAsk | KindNewMarket | KindMarketResolved

	// KindUser covers every user channel message.
	KindUser = KindTrade | KindOrder

	KindAll = KindMarket | KindUser
)

var kindNames = map[string]Kind{
	"book":             KindBook,
	"price_change":     KindPriceChange,
	"tick_size_change": KindTickSizeChange,
	"last_trade_price": KindLastTradePrice,
	"best_bid_ask":     KindBestBidAsk,
	"new_market":       KindNewMarket,
	"market_resolved":  KindMarketResolved,
	"trade":            KindTrade,
	"order":            KindOrder,
}

// KindOf maps an event_type discriminator to its kind. Unknown types map to KindNone.
func KindOf(eventType string) Kind {
	return kindNames[eventType]
}

// Has reports whether every bit of o is set in k.
func (k Kind) Has(o Kind) bool {
	return o != KindNone && k&o == o
}

func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	var parts []string
	for name, bit := range kindNames {
		if k&bit != 0 {
			parts = append(parts, name)
		}
	}
	slices.Sort(parts)
	return strings.Join(parts, "|")
}

// Features is a set of server-side enrichment flags attached to a subscription.
type Features uint8

const (
	// FeatureCustom enables best_bid_ask, new_market and market_resolved messages.
	FeatureCustom Features = 1 << iota

	FeatureNone Features = 0
)

// Contains reports whether f is a superset of o.
func (f Features) Contains(o Features) bool {
	return f&o == o
}

// Key identifies one server-side logical subscription.
// Market keys carry an asset id. User keys carry a market id, where the
// empty id subscribes to every market of the account.
type Key struct {
	Channel Channel
	ID      string
}

func (k Key) String() string {
	if k.ID == "" {
		return k.Channel.String() + ":*"
	}
	return k.Channel.String() + ":" + k.ID
}

// Entry is a snapshot of one registry entry.
type Entry struct {
	Key      Key
	Refs     int
	Features Features
}

// Operation is the directive verb.
type Operation string

const (
	OpSubscribe   Operation = "subscribe"
	OpUnsubscribe Operation = "unsubscribe"
)

// Auth is the credential block attached to user channel directives.
// Secret is only set when the deployment asks for raw secrets.
type Auth struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

// Directive is an outbound subscribe or unsubscribe request.
type Directive struct {
	Operation Operation
	Channel   Channel
	Targets   []string
	Features  Features
	Auth      *Auth
}

type wireDirective struct {
	Type                 string   `json:"type"`
	Operation            string   `json:"operation"`
	AssetIDs             []string `json:"assets_ids,omitempty"`
	Markets              []string `json:"markets,omitempty"`
	InitialDump          bool     `json:"initial_dump,omitempty"`
	CustomFeatureEnabled bool     `json:"custom_feature_enabled,omitempty"`
	Auth                 *Auth    `json:"auth,omitempty"`
}

// MarshalJSON encodes the directive in the server's wire format.
func (d Directive) MarshalJSON() ([]byte, error) {
	w := wireDirective{
		Type:      d.Channel.String(),
		Operation: string(d.Operation),
		Auth:      d.Auth,
	}

	switch d.Channel {
	case ChannelMarket:
		w.AssetIDs = d.Targets
		w.InitialDump = d.Operation == OpSubscribe
	case ChannelUser:
		w.Markets = d.Targets
	}

	if d.Operation == OpSubscribe && d.Features.Contains(FeatureCustom) {
		w.CustomFeatureEnabled = true
	}

	return json.Marshal(w)
}

// Failure describes a server-side rejection. Empty Keys means the whole channel.
type Failure struct {
	Channel Channel
	Keys    []Key
	Err     error
}

// Event is one parsed inbound message tagged with the keys it belongs to.
type Event struct {
	Keys       []Key
	Kind       Kind
	Message    any
	ReceivedAt time.Time

	// Failure is set instead of Message for server error frames.
	Failure *Failure
}
