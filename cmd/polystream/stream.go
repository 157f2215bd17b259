package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/polymarket-data/internal/clob"
	"github.com/rickgao/polymarket-data/internal/metrics"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

var (
	streamAssets  []string
	streamMarkets []string
	streamCustom  bool
	streamUser    bool
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Print live events as JSON lines",
	Long: `Subscribes to the configured assets on the market channel and, when
credentials are configured, to the user channel, and prints every event to
stdout until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runStream,
}

func init() {
	streamCmd.Flags().StringSliceVarP(&streamAssets, "asset", "a", nil, "asset (token) id to stream; overrides streams.assets")
	streamCmd.Flags().StringSliceVarP(&streamMarkets, "market", "m", nil, "condition id for user events; overrides streams.markets")
	streamCmd.Flags().BoolVar(&streamCustom, "custom", false, "enable custom feature messages (best_bid_ask, new_market, market_resolved)")
	streamCmd.Flags().BoolVar(&streamUser, "user", false, "stream user events for all markets")
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	assets := cfg.Streams.Assets
	if len(streamAssets) > 0 {
		assets = streamAssets
	}
	markets := cfg.Streams.Markets
	if len(streamMarkets) > 0 {
		markets = streamMarkets
	}
	custom := cfg.Streams.CustomFeatures || streamCustom
	user := streamUser || len(markets) > 0

	if len(assets) == 0 && !user {
		return errors.New("nothing to stream: set streams.assets, --asset, --market or --user")
	}

	clobCfg, err := cfg.ToClobConfig()
	if err != nil {
		return err
	}
	if user && clobCfg.Credentials == nil {
		return errors.New("user events need api.api_key, api.secret and api.passphrase")
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	client := clob.New(clobCfg, clob.WithLogger(logger))
	defer client.Close()

	printer := newEventPrinter(cmd.OutOrStdout())
	g, gctx := errgroup.WithContext(ctx)

	if len(assets) > 0 {
		sub, err := client.SubscribeMarketEvents(gctx, assets, custom)
		if err != nil {
			return fmt.Errorf("subscribe market: %w", err)
		}
		logger.Info("streaming market events", "assets", len(assets), "custom_features", custom)
		g.Go(func() error {
			return pump(gctx, sub, subscription.ChannelMarket, printer, logger)
		})
	}

	if user {
		sub, err := client.SubscribeUserEvents(gctx, markets)
		if err != nil {
			return fmt.Errorf("subscribe user: %w", err)
		}
		logger.Info("streaming user events", "markets", len(markets))
		g.Go(func() error {
			return pump(gctx, sub, subscription.ChannelUser, printer, logger)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("stream stopped")
		return nil
	}
	return err
}

// pump prints events until the subscription ends. Lag is logged and skipped.
func pump(ctx context.Context, sub *subscription.Subscription, ch subscription.Channel, p *eventPrinter, logger *slog.Logger) error {
	defer sub.Close()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			var lagged *subscription.LaggedError
			if errors.As(err, &lagged) {
				metrics.StreamLaggedTotal.WithLabelValues("stream").Add(float64(lagged.Count))
				logger.Warn("stream fell behind", "channel", ch, "dropped", lagged.Count)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s stream ended: %w", ch, err)
		}

		if err := p.print(ch, ev); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
}
