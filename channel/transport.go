package channel

import "errors"

// Transport moves message envelopes across one context boundary.
// Messages on a single transport preserve send order; nothing is guaranteed
// across two different transports.
type Transport interface {
	// Send writes a message to the far side.
	Send(msg *Message) error

	// Messages returns the inbound stream. The channel is closed when the
	// transport disconnects or is closed.
	Messages() <-chan *Message

	// Close tears the transport down and closes the inbound stream.
	Close() error
}

// ErrTransportClosed is returned by Send after the transport has shut down.
var ErrTransportClosed = errors.New("transport closed")
