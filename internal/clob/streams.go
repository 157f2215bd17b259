package clob

import (
	"context"

	"github.com/rickgao/polymarket-data/internal/router"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

func subscribeTyped[T any](ctx context.Context, c *Client, req subscription.Request, convert func(subscription.Event) (T, bool)) (*subscription.Stream[T], error) {
	sub, err := c.Subscribe(ctx, req)
	if err != nil {
		return nil, err
	}
	return subscription.NewStream(sub, convert), nil
}

func marketRequest(ids []string, kinds subscription.Kind, features subscription.Features) subscription.Request {
	return subscription.Request{
		Channel:  subscription.ChannelMarket,
		IDs:      ids,
		Kinds:    kinds,
		Features: features,
	}
}

func userRequest(markets []string, kinds subscription.Kind) subscription.Request {
	return subscription.Request{
		Channel: subscription.ChannelUser,
		IDs:     markets,
		Kinds:   kinds,
	}
}

// SubscribeOrderbook streams book snapshots for assetIDs.
func (c *Client) SubscribeOrderbook(ctx context.Context, assetIDs []string) (*subscription.Stream[*router.BookUpdate], error) {
	return subscribeTyped(ctx, c,
		marketRequest(assetIDs, subscription.KindBook, subscription.FeatureNone),
		subscription.Messages[*router.BookUpdate])
}

// SubscribePrices streams price level changes for assetIDs.
func (c *Client) SubscribePrices(ctx context.Context, assetIDs []string) (*subscription.Stream[*router.PriceChange], error) {
	return subscribeTyped(ctx, c,
		marketRequest(assetIDs, subscription.KindPriceChange, subscription.FeatureNone),
		subscription.Messages[*router.PriceChange])
}

// SubscribeTickSizeChanges streams tick size changes for assetIDs.
func (c *Client) SubscribeTickSizeChanges(ctx context.Context, assetIDs []string) (*subscription.Stream[*router.TickSizeChange], error) {
	return subscribeTyped(ctx, c,
		marketRequest(assetIDs, subscription.KindTickSizeChange, subscription.FeatureNone),
		subscription.Messages[*router.TickSizeChange])
}

// SubscribeLastTradePrices streams last trade prices for assetIDs.
func (c *Client) SubscribeLastTradePrices(ctx context.Context, assetIDs []string) (*subscription.Stream[*router.LastTradePrice], error) {
	return subscribeTyped(ctx, c,
		marketRequest(assetIDs, subscription.KindLastTradePrice, subscription.FeatureNone),
		subscription.Messages[*router.LastTradePrice])
}

// SubscribeMidpoints streams midpoints derived from book snapshots. Books
// with an empty side are skipped.
func (c *Client) SubscribeMidpoints(ctx context.Context, assetIDs []string) (*subscription.Stream[router.Midpoint], error) {
	return subscribeTyped(ctx, c,
		marketRequest(assetIDs, subscription.KindBook, subscription.FeatureNone),
		func(ev subscription.Event) (router.Midpoint, bool) {
			book, ok := ev.Message.(*router.BookUpdate)
			if !ok {
				return router.Midpoint{}, false
			}
			return book.Midpoint()
		})
}

// SubscribeBestBidAsk streams top-of-book updates. Enables custom features.
func (c *Client) SubscribeBestBidAsk(ctx context.Context, assetIDs []string) (*subscription.Stream[*router.BestBidAsk], error) {
	return subscribeTyped(ctx, c,
		marketRequest(assetIDs, subscription.KindBestBidAsk, subscription.FeatureCustom),
		subscription.Messages[*router.BestBidAsk])
}

// SubscribeNewMarkets streams market announcements. Enables custom features.
func (c *Client) SubscribeNewMarkets(ctx context.Context, assetIDs []string) (*subscription.Stream[*router.NewMarket], error) {
	return subscribeTyped(ctx, c,
		marketRequest(assetIDs, subscription.KindNewMarket, subscription.FeatureCustom),
		subscription.Messages[*router.NewMarket])
}

// SubscribeMarketResolutions streams market resolutions. Enables custom features.
func (c *Client) SubscribeMarketResolutions(ctx context.Context, assetIDs []string) (*subscription.Stream[*router.MarketResolved], error) {
	return subscribeTyped(ctx, c,
		marketRequest(assetIDs, subscription.KindMarketResolved, subscription.FeatureCustom),
		subscription.Messages[*router.MarketResolved])
}

// SubscribeMarketEvents streams every market channel message for assetIDs.
// Custom feature kinds only arrive when custom is set.
func (c *Client) SubscribeMarketEvents(ctx context.Context, assetIDs []string, custom bool) (*subscription.Subscription, error) {
	features := subscription.FeatureNone
	if custom {
		features = subscription.FeatureCustom
	}
	return c.Subscribe(ctx, marketRequest(assetIDs, subscription.KindMarket, features))
}

// SubscribeUserEvents streams orders and trades for markets. An empty list
// covers every market of the account.
func (c *Client) SubscribeUserEvents(ctx context.Context, markets []string) (*subscription.Subscription, error) {
	return c.Subscribe(ctx, userRequest(markets, subscription.KindUser))
}

// SubscribeOrders streams order updates for markets.
func (c *Client) SubscribeOrders(ctx context.Context, markets []string) (*subscription.Stream[*router.Order], error) {
	return subscribeTyped(ctx, c,
		userRequest(markets, subscription.KindOrder),
		subscription.Messages[*router.Order])
}

// SubscribeTrades streams trade executions for markets.
func (c *Client) SubscribeTrades(ctx context.Context, markets []string) (*subscription.Stream[*router.Trade], error) {
	return subscribeTyped(ctx, c,
		userRequest(markets, subscription.KindTrade),
		subscription.Messages[*router.Trade])
}

// UnsubscribeMarket releases one reference per asset id.
func (c *Client) UnsubscribeMarket(assetIDs []string) error {
	return c.Unsubscribe(subscription.ChannelMarket, assetIDs)
}

// UnsubscribeUser releases one reference per market.
func (c *Client) UnsubscribeUser(markets []string) error {
	return c.Unsubscribe(subscription.ChannelUser, markets)
}
