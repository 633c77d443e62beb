// Package connection provides the single-socket WebSocket transport, the
// per-socket connection state machine, and the heartbeat liveness monitor.
// The supervisor in internal/kraken composes one of each per socket.
package connection
