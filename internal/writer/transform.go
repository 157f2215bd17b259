package writer

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/polymarket-data/internal/router"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

// transform converts one market event into rows. Events without a market
// row (user channel messages, failures) yield nil.
func transform(ev subscription.Event) ([]eventRow, error) {
	if ev.Message == nil {
		return nil, nil
	}

	payload, err := json.Marshal(ev.Message)
	if err != nil {
		return nil, err
	}

	base := eventRow{
		EventType:  ev.Kind.String(),
		ReceivedAt: ev.ReceivedAt,
		Payload:    payload,
	}

	switch m := ev.Message.(type) {
	case *router.BookUpdate:
		row := base
		row.AssetID, row.Market = m.AssetID, m.Market
		row.EventTs = eventTime(m.Timestamp, ev.ReceivedAt)
		row.DedupKey = m.Hash
		if bid, ok := m.BestBid(); ok {
			row.BestBid = valid(bid.Price)
		}
		if ask, ok := m.BestAsk(); ok {
			row.BestAsk = valid(ask.Price)
		}
		if mid, ok := m.Midpoint(); ok {
			row.Price = valid(mid.Midpoint)
		}
		return []eventRow{row}, nil

	case *router.PriceChange:
		rows := make([]eventRow, 0, len(m.PriceChanges))
		for _, c := range m.PriceChanges {
			row := base
			row.AssetID, row.Market = c.AssetID, m.Market
			row.EventTs = eventTime(m.Timestamp, ev.ReceivedAt)
			row.Price, row.Size, row.Side = valid(c.Price), c.Size, string(c.Side)
			row.BestBid, row.BestAsk = c.BestBid, c.BestAsk
			row.DedupKey = c.Hash
			if row.DedupKey == "" {
				row.DedupKey = c.Price.String() + "|" + string(c.Side)
			}
			rows = append(rows, row)
		}
		return rows, nil

	case *router.TickSizeChange:
		row := base
		row.AssetID, row.Market = m.AssetID, m.Market
		row.EventTs = eventTime(m.Timestamp, ev.ReceivedAt)
		row.Price = valid(m.NewTickSize)
		row.DedupKey = m.OldTickSize.String() + ">" + m.NewTickSize.String()
		return []eventRow{row}, nil

	case *router.LastTradePrice:
		row := base
		row.AssetID, row.Market = m.AssetID, m.Market
		row.EventTs = eventTime(m.Timestamp, ev.ReceivedAt)
		row.Price, row.Size, row.Side = valid(m.Price), m.Size, string(m.Side)
		row.DedupKey = m.Price.String() + "|" + m.Size.Decimal.String() + "|" + string(m.Side)
		return []eventRow{row}, nil

	case *router.BestBidAsk:
		row := base
		row.AssetID, row.Market = m.AssetID, m.Market
		row.EventTs = eventTime(m.Timestamp, ev.ReceivedAt)
		row.BestBid, row.BestAsk = valid(m.BestBid), valid(m.BestAsk)
		row.DedupKey = m.BestBid.String() + "|" + m.BestAsk.String()
		return []eventRow{row}, nil

	case *router.NewMarket:
		return perAsset(base, m, m.ID, ev.ReceivedAt), nil

	case *router.MarketResolved:
		return perAsset(base, &m.NewMarket, m.WinningAssetID, ev.ReceivedAt), nil
	}

	return nil, nil
}

// perAsset fans a market lifecycle message out to one row per outcome token.
func perAsset(base eventRow, m *router.NewMarket, dedup string, receivedAt time.Time) []eventRow {
	rows := make([]eventRow, 0, len(m.AssetIDs))
	for _, id := range m.AssetIDs {
		if id == "" {
			continue
		}
		row := base
		row.AssetID, row.Market = id, m.Market
		row.EventTs = eventTime(m.Timestamp, receivedAt)
		row.DedupKey = dedup
		rows = append(rows, row)
	}
	return rows
}

func eventTime(ts router.Timestamp, receivedAt time.Time) time.Time {
	if ts == 0 {
		return receivedAt.UTC()
	}
	return ts.Time()
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
