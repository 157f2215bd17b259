// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - WebSocket connection state, sessions and reconnects per channel
//   - Inbound frame and parse error rates
//   - Directive traffic by operation
//   - Recorder batch outcomes and latencies
//   - Consumer stream lag
package metrics
