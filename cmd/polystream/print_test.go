package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/polymarket-data/internal/router"
	"github.com/rickgao/polymarket-data/internal/subscription"
)

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf)

	received := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.print(subscription.ChannelMarket, subscription.Event{
		Kind:       subscription.KindBook,
		Message:    &router.BookUpdate{AssetID: "A", Market: "0xm"},
		ReceivedAt: received,
	}))
	require.NoError(t, p.print(subscription.ChannelUser, subscription.Event{
		Kind:    subscription.KindOrder,
		Message: &router.Order{ID: "o1"},
	}))

	dec := json.NewDecoder(&buf)

	var first map[string]any
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "market", first["channel"])
	assert.Equal(t, "book", first["event_type"])
	assert.Equal(t, "2025-06-01T12:00:00Z", first["received_at"])
	assert.Equal(t, "A", first["message"].(map[string]any)["asset_id"])

	var second map[string]any
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "user", second["channel"])
	assert.Equal(t, "order", second["event_type"])
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--json"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		versionJSON = false
	})

	require.NoError(t, rootCmd.Execute())

	var info map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, "dev", info["version"])
	assert.NotEmpty(t, info["go_version"])
}
