package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rickgao/polymarket-data/internal/subscription"
)

// ParseError reports a malformed inbound frame. It is never fatal.
type ParseError struct {
	EventType string
	Err       error
}

func (e *ParseError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("parse frame: %v", e.Err)
	}
	return fmt.Sprintf("parse %s message: %v", e.EventType, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errNotObject = errors.New("frame is neither a JSON object nor an array")

// Interest reports which kinds are worth decoding right now.
type Interest interface {
	Interest() subscription.Kind
}

// Parser decodes inbound frames of one channel into events keyed for
// fan-out. Frames of kinds nobody is interested in are skipped before
// their body is decoded.
type Parser struct {
	channel  subscription.Channel
	interest Interest
}

// NewParser creates a parser. A nil interest decodes every known kind.
func NewParser(channel subscription.Channel, interest Interest) *Parser {
	return &Parser{channel: channel, interest: interest}
}

// Parse decodes a frame holding one JSON object or an array of them.
// Frames without a known event_type yield no events and no error.
func (p *Parser) Parse(data []byte) ([]subscription.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &ParseError{Err: errNotObject}
	}

	want := subscription.KindAll
	if p.interest != nil {
		want = p.interest.Interest()
	}

	switch data[0] {
	case '{':
		return p.parseObject(data, want)
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil {
			return nil, &ParseError{Err: err}
		}
		var out []subscription.Event
		for _, elem := range elems {
			events, err := p.parseObject(elem, want)
			if err != nil {
				return nil, err
			}
			out = append(out, events...)
		}
		return out, nil
	default:
		return nil, &ParseError{Err: errNotObject}
	}
}

func (p *Parser) parseObject(data []byte, want subscription.Kind) ([]subscription.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Err: err}
	}

	if env.EventType == "error" {
		return p.parseFailure(data)
	}

	kind := subscription.KindOf(env.EventType)
	if kind == subscription.KindNone || want&kind == 0 {
		return nil, nil
	}

	var (
		msg  any
		keys []subscription.Key
		err  error
	)

	switch kind {
	case subscription.KindBook:
		var m BookUpdate
		err = json.Unmarshal(data, &m)
		msg, keys = &m, marketKeys(m.AssetID)
	case subscription.KindPriceChange:
		var m PriceChange
		err = json.Unmarshal(data, &m)
		msg, keys = &m, marketKeys(m.AssetIDs()...)
	case subscription.KindTickSizeChange:
		var m TickSizeChange
		err = json.Unmarshal(data, &m)
		msg, keys = &m, marketKeys(m.AssetID)
	case subscription.KindLastTradePrice:
		var m LastTradePrice
		err = json.Unmarshal(data, &m)
		msg, keys = &m, marketKeys(m.AssetID)
	case subscription.KindBestBidAsk:
		var m BestBidAsk
		err = json.Unmarshal(data, &m)
		msg, keys = &m, marketKeys(m.AssetID)
	case subscription.KindNewMarket:
		var m NewMarket
		err = json.Unmarshal(data, &m)
		msg, keys = &m, marketKeys(m.AssetIDs...)
	case subscription.KindMarketResolved:
		var m MarketResolved
		err = json.Unmarshal(data, &m)
		msg, keys = &m, marketKeys(m.AssetIDs...)
	case subscription.KindTrade:
		var m Trade
		err = json.Unmarshal(data, &m)
		msg, keys = &m, userKeys(m.Market)
	case subscription.KindOrder:
		var m Order
		err = json.Unmarshal(data, &m)
		msg, keys = &m, userKeys(m.Market)
	}
	if err != nil {
		return nil, &ParseError{EventType: env.EventType, Err: err}
	}

	return []subscription.Event{{Keys: keys, Kind: kind, Message: msg}}, nil
}

// parseFailure maps a server error frame to a failure event. Frames that
// name no targets fail the whole channel.
func (p *Parser) parseFailure(data []byte) ([]subscription.Event, error) {
	var f errorFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ParseError{EventType: "error", Err: err}
	}

	failure := &subscription.Failure{Channel: p.channel}
	switch p.channel {
	case subscription.ChannelMarket:
		failure.Keys = marketKeys(f.AssetIDs...)
	case subscription.ChannelUser:
		failure.Keys = userKeys(f.Markets...)
	}

	if p.channel == subscription.ChannelUser && isAuthFailure(&f) {
		failure.Keys = nil
		failure.Err = fmt.Errorf("%w: %s", subscription.ErrAuthenticationFailed, f.reason())
	} else {
		failure.Err = &subscription.SubscriptionError{Reason: f.reason()}
	}

	return []subscription.Event{{Failure: failure}}, nil
}

func isAuthFailure(f *errorFrame) bool {
	switch strings.ToUpper(f.Code) {
	case "401", "403", "UNAUTHORIZED", "FORBIDDEN", "INVALID_AUTH":
		return true
	}
	text := strings.ToLower(f.Message + " " + f.Error)
	return strings.Contains(text, "auth") || strings.Contains(text, "api key")
}

func marketKeys(ids ...string) []subscription.Key {
	keys := make([]subscription.Key, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, subscription.Key{Channel: subscription.ChannelMarket, ID: id})
		}
	}
	return keys
}

func userKeys(markets ...string) []subscription.Key {
	keys := make([]subscription.Key, 0, len(markets))
	for _, m := range markets {
		if m != "" {
			keys = append(keys, subscription.Key{Channel: subscription.ChannelUser, ID: m})
		}
	}
	return keys
}
