// Package database provides the TimescaleDB connection pool and schema used
// by the event recorder.
//
// market_events is append-only. Inserts use ON CONFLICT DO NOTHING, so the
// snapshots replayed after a reconnect never duplicate rows.
package database
