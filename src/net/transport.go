package net

import (
	"time"
)

// Transport provides an interface for network transports to allow a node to
// communicate with other nodes.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to consume and respond to
	// RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Send delivers a one-way message. It returns once the target has
	// accepted the message.
	Send(target string, msg *Envelope) error

	// Request sends a message and waits for the response envelope.
	Request(target string, msg *Envelope, timeout time.Duration) (*Envelope, error)

	// Close permanently closes a transport, stopping any associated goroutines
	// and freeing other resources.
	Close() error
}
