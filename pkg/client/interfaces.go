package client

import (
	"github.com/flumechat/flume/pkg/protocol"
)

// ConnectionInterface is the surface the engine components use to talk
// to the transport. The real Connection implements it; tests use
// MockConnection.
type ConnectionInterface interface {
	// Lifecycle
	Connect() error
	Retry() error
	Disconnect()
	Close()
	State() ConnState

	// Outbound. Returns true when the frame was transmitted, false when
	// it was queued for the next connect (or dropped after Close).
	Send(ev protocol.Event) bool

	// Evict removes a queued message frame by correlation id before it
	// can reach the wire. Frames already transmitted are unaffected.
	Evict(correlationID string) bool

	// Inbound event stream and connectivity updates
	Incoming() <-chan protocol.Event
	StateChanges() <-chan StateUpdate
}
