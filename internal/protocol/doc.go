// Package protocol defines the Kraken WebSocket v2 wire format: outbound
// control and order messages, the closed set of inbound frame variants, the
// channel allow-lists for each socket scope, and symbol normalization.
package protocol
