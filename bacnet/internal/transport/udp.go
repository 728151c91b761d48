// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	ErrTransportClosed  = errors.New("transport: closed")
	ErrTransportNotOpen = errors.New("transport: not open")
)

// UDPTransport is the BACnet/IP channel over a single UDP socket.
type UDPTransport struct {
	mu        sync.Mutex
	conn      *net.UDPConn
	localAddr string
	closed    bool
}

// NewUDPTransport creates a UDP transport bound to localAddr on Open.
// An empty localAddr binds an ephemeral port on all interfaces.
func NewUDPTransport(localAddr string) *UDPTransport {
	return &UDPTransport{localAddr: localAddr}
}

// Open binds the UDP socket.
func (t *UDPTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return fmt.Errorf("transport: already open on %s", t.conn.LocalAddr())
	}

	addr, err := net.ResolveUDPAddr("udp4", t.localAddr)
	if err != nil {
		return fmt.Errorf("transport: resolve %q: %w", t.localAddr, err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("transport: bind %s: %w", addr, err)
	}

	t.conn = conn
	t.closed = false
	return nil
}

// Close shuts the socket down.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// LocalAddr returns the bound address, or nil before Open.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// IsClosed reports whether Close has been called.
func (t *UDPTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *UDPTransport) socket() (*net.UDPConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.conn == nil {
		return nil, ErrTransportNotOpen
	}
	return t.conn, nil
}

// Send transmits one datagram to addr.
func (t *UDPTransport) Send(ctx context.Context, addr net.Addr, data []byte) (int, error) {
	conn, err := t.socket()
	if err != nil {
		return 0, err
	}

	udpAddr, err := toUDPAddr(addr)
	if err != nil {
		return 0, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}

	return conn.WriteToUDP(data, udpAddr)
}

// Broadcast transmits one datagram to the limited broadcast address.
func (t *UDPTransport) Broadcast(ctx context.Context, port int, data []byte) (int, error) {
	return t.Send(ctx, &net.UDPAddr{IP: net.IPv4bcast, Port: port}, data)
}

// Receive blocks for the next datagram, honoring the context deadline.
func (t *UDPTransport) Receive(ctx context.Context, buf []byte) (int, net.Addr, error) {
	conn, err := t.socket()
	if err != nil {
		return 0, nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}

	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if t.IsClosed() {
			return 0, nil, ErrTransportClosed
		}
		return 0, nil, err
	}
	return n, addr, nil
}

func toUDPAddr(addr net.Addr) (*net.UDPAddr, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a, nil
	default:
		udpAddr, err := net.ResolveUDPAddr("udp4", addr.String())
		if err != nil {
			return nil, fmt.Errorf("transport: resolve %q: %w", addr.String(), err)
		}
		return udpAddr, nil
	}
}
