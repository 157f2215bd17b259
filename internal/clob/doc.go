// Package clob is the entry point for CLOB WebSocket streams.
//
// A Client keeps at most one connection per channel (market, user) and
// hands out typed streams multiplexed over it. Dropping or closing a stream
// releases its server-side subscription once no other stream needs it.
package clob
