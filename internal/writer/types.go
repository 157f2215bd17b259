package writer

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// WriterConfig holds common configuration for the recorder.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: time.Second,
	}
}

// eventRow represents a row to be inserted into the market_events table.
type eventRow struct {
	AssetID    string
	Market     string
	EventType  string
	EventTs    time.Time // Server timestamp, or receive time when absent
	ReceivedAt time.Time
	DedupKey   string // Distinguishes rows sharing asset, type and timestamp
	Price      decimal.NullDecimal
	Size       decimal.NullDecimal
	Side       string
	BestBid    decimal.NullDecimal
	BestAsk    decimal.NullDecimal
	Payload    json.RawMessage
}

// WriterMetrics contains runtime statistics.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Skipped   int64 // Events with no market row
	Lagged    int64 // Events the source dropped before the recorder saw them
}
