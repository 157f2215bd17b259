package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/polymarket-data/internal/clob"
	"github.com/rickgao/polymarket-data/internal/database"
	"github.com/rickgao/polymarket-data/internal/metrics"
	"github.com/rickgao/polymarket-data/internal/subscription"
	"github.com/rickgao/polymarket-data/internal/writer"
)

var (
	recordAssets []string
	recordCustom bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record market events into TimescaleDB",
	Long: `Subscribes to the configured assets on the market channel and writes every
event to the market_events table in batches. Prometheus metrics and a health
endpoint are served on metrics.port.`,
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringSliceVarP(&recordAssets, "asset", "a", nil, "asset (token) id to record; overrides streams.assets")
	recordCmd.Flags().BoolVar(&recordCustom, "custom", false, "also record custom feature messages")
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if err := cfg.ValidateRecorder(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	assets := cfg.Streams.Assets
	if len(recordAssets) > 0 {
		assets = recordAssets
	}
	if len(assets) == 0 {
		return errors.New("nothing to record: set streams.assets or --asset")
	}
	custom := cfg.Streams.CustomFeatures || recordCustom

	clobCfg, err := cfg.ToClobConfig()
	if err != nil {
		return err
	}
	clobCfg.BufferSize = cfg.Recorder.BufferSize

	ctx, cancel := signalContext(logger)
	defer cancel()

	// Connect to database
	logger.Info("connecting to database", "target", database.Describe(cfg.Database.Timescale))
	pool, err := database.Connect(ctx, cfg.Database.Timescale)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	if err := database.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("database ready")

	client := clob.New(clobCfg, clob.WithLogger(logger))
	defer client.Close()

	g, gctx := errgroup.WithContext(ctx)

	sub, err := client.SubscribeMarketEvents(gctx, assets, custom)
	if err != nil {
		return fmt.Errorf("subscribe market: %w", err)
	}
	defer sub.Close()

	rec := writer.NewEventRecorder(writer.WriterConfig{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
	}, sub, pool, logger)
	if err := rec.Start(gctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newMetricsHandler(cfg.Metrics.Path, pool, client, rec),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		select {
		case <-rec.Done():
			if err := rec.Err(); err != nil {
				return fmt.Errorf("recorder: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	logger.Info("recording", "assets", len(assets), "custom_features", custom)
	err = g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	rec.Stop(stopCtx)

	stats := rec.Stats()
	logger.Info("recorder stopped",
		"inserts", stats.Inserts,
		"conflicts", stats.Conflicts,
		"errors", stats.Errors,
		"lagged", stats.Lagged,
	)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// newMetricsHandler serves Prometheus metrics and a health summary.
func newMetricsHandler(path string, pool *pgxpool.Pool, client *clob.Client, rec *writer.EventRecorder) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check database
		if err := pool.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["timescaledb"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["timescaledb"] = "connected"
		}

		// Check market channel
		state := client.ConnectionState(subscription.ChannelMarket)
		channel := map[string]any{
			"state":         state.String(),
			"subscriptions": client.SubscriptionCount(),
		}
		if conn, _, ok := client.ChannelStats(subscription.ChannelMarket); ok {
			if conn.Backoff > 0 {
				channel["retry_in"] = conn.Backoff.String()
			}
			if !conn.Heartbeat.LastPongReceived.IsZero() {
				channel["last_pong"] = conn.Heartbeat.LastPongReceived
			}
		}
		health.Components["market_channel"] = channel
		if !state.IsConnected() && health.Status == "healthy" {
			health.Status = "degraded"
		}

		stats := rec.Stats()
		health.Components["recorder"] = stats

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			slog.Debug("write health response", "error", err)
		}
	})

	return mux
}
