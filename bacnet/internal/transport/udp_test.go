package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLoopback(t *testing.T) *UDPTransport {
	t.Helper()
	tr := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestUDPSendReceive(t *testing.T) {
	a := openLoopback(t)
	b := openLoopback(t)

	payload := []byte{0x81, 0x0A, 0x00, 0x06, 0x01, 0x00}
	n, err := a.Send(context.Background(), b.LocalAddr(), payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	buf := make([]byte, 64)
	n, from, err := b.Receive(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
	assert.Equal(t, a.LocalAddr().String(), from.String())
}

func TestUDPReceiveDeadline(t *testing.T) {
	tr := openLoopback(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	buf := make([]byte, 64)
	_, _, err := tr.Receive(ctx, buf)
	assert.Error(t, err)
}

func TestUDPNotOpen(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:0")

	_, err := tr.Send(context.Background(), nil, []byte{0x00})
	assert.ErrorIs(t, err, ErrTransportNotOpen)

	_, _, err = tr.Receive(context.Background(), make([]byte, 8))
	assert.ErrorIs(t, err, ErrTransportNotOpen)

	assert.Nil(t, tr.LocalAddr())
}

func TestUDPClosed(t *testing.T) {
	tr := openLoopback(t)
	require.NoError(t, tr.Close())
	assert.True(t, tr.IsClosed())

	_, err := tr.Send(context.Background(), tr.LocalAddr(), []byte{0x00})
	assert.ErrorIs(t, err, ErrTransportClosed)

	// Double close is a no-op.
	assert.NoError(t, tr.Close())
}

func TestUDPOpenTwice(t *testing.T) {
	tr := openLoopback(t)
	assert.Error(t, tr.Open(context.Background()))
}
