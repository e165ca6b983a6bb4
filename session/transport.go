package session

import (
	"context"

	"github.com/AltairaLabs/liverelay/protocol"
)

// Transport is the client side of the client⇄relay connection.
type Transport interface {
	// Connect starts connecting in the background, reconnecting on its own
	// after drops. Progress is reported on Events.
	Connect(ctx context.Context) error
	// Events delivers connection notifications and inbound envelopes in order.
	// The channel is closed once the transport has shut down.
	Events() <-chan TransportEvent
	// Send writes one envelope.
	Send(env protocol.Envelope) error
	Connected() bool
	Close() error
}

// TransportEvent is a notification from a Transport. The set of variants is closed.
type TransportEvent interface {
	transportEvent()
}

// TransportConnected reports an established connection.
type TransportConnected struct{}

// TransportDisconnected reports a dropped or closed connection.
type TransportDisconnected struct {
	Reason string
}

// TransportConnectFailed reports one failed connection attempt.
type TransportConnectFailed struct {
	Err error
}

// TransportReceived carries one inbound envelope.
type TransportReceived struct {
	Envelope protocol.Envelope
}

func (TransportConnected) transportEvent()     {}
func (TransportDisconnected) transportEvent()  {}
func (TransportConnectFailed) transportEvent() {}
func (TransportReceived) transportEvent()      {}
