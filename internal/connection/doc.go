// Package connection owns the WebSocket side of a channel.
//
// A Connection:
//   - Dials lazily when the first subscription arrives
//   - Probes liveness with text PING/PONG frames and drops silent sockets
//   - Reconnects with exponential backoff, optionally bounded
//   - Replays every live subscription after each handshake, before any
//     inbound frame is consumed
//   - Parses inbound frames and hands the events to the subscription manager
//
// Directives issued while no session is live are not queued; the registry
// holds the desired state and the next replay carries it.
package connection
