// Package transport provides the framed-datagram channels the client
// runs over: plain BACnet/IP over UDP and a secure QUIC datagram link.
package transport

import (
	"context"
	"net"
)

// Transport is a framed-datagram channel. Implementations deliver whole
// frames; partial reads never occur.
type Transport interface {
	// Open binds or connects the channel.
	Open(ctx context.Context) error

	// Close releases the channel. Blocked Receive calls return
	// an error after Close.
	Close() error

	// LocalAddr returns the bound local address, or nil before Open.
	LocalAddr() net.Addr

	// Send transmits one frame to the given address.
	Send(ctx context.Context, addr net.Addr, data []byte) (int, error)

	// Broadcast transmits one frame to the local broadcast domain.
	Broadcast(ctx context.Context, port int, data []byte) (int, error)

	// Receive blocks for the next frame, copying it into buf.
	Receive(ctx context.Context, buf []byte) (int, net.Addr, error)

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}
