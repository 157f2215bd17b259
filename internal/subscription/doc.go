// Package subscription multiplexes logical subscriptions onto one connection.
//
// The Registry reference-counts topic keys and emits subscribe/unsubscribe
// directives only on 0->1 and 1->0 transitions (or when a key's feature set
// grows). The Manager fans parsed events out to per-caller streams, each
// backed by a bounded Buffer that reports overflow as a LaggedError instead
// of blocking the connection.
package subscription
