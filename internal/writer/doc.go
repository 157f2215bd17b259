// Package writer records market channel events into TimescaleDB.
//
// The EventRecorder consumes one subscription stream, turns each message into
// market_events rows and inserts them in batches, flushing when a batch is
// full or the flush interval elapses. Writes are append-only; conflicts on the
// primary key are counted and skipped, so books replayed after a reconnect are
// stored once.
package writer
