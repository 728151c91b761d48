package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const secureALPN = "bacnet-sc"

// SecureTransport carries frames as QUIC datagrams over a single
// point-to-point connection, typically to a secure hub that handles
// distribution. Send ignores the destination address and Broadcast
// sends the frame to the peer for fan-out.
type SecureTransport struct {
	mu         sync.Mutex
	endpoint   string
	listenAddr string
	tlsConf    *tls.Config
	conn       *quic.Conn
	listener   *quic.Listener
	closed     bool
}

// SecureOption configures a SecureTransport.
type SecureOption func(*SecureTransport)

// WithTLSConfig overrides the TLS configuration. Without it the dialer
// skips verification and the listener generates a self-signed
// certificate.
func WithTLSConfig(conf *tls.Config) SecureOption {
	return func(t *SecureTransport) { t.tlsConf = conf }
}

// NewSecureTransport creates a transport that dials endpoint on Open.
func NewSecureTransport(endpoint string, opts ...SecureOption) *SecureTransport {
	t := &SecureTransport{endpoint: endpoint}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewSecureListener creates a transport that listens on listenAddr and
// accepts a single peer connection on Open.
func NewSecureListener(listenAddr string, opts ...SecureOption) *SecureTransport {
	t := &SecureTransport{listenAddr: listenAddr}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open establishes the QUIC connection.
func (t *SecureTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return fmt.Errorf("transport: already open to %s", t.conn.RemoteAddr())
	}

	quicConf := &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 15 * time.Second,
	}

	if t.listenAddr != "" {
		tlsConf := t.tlsConf
		if tlsConf == nil {
			var err error
			tlsConf, err = selfSignedTLSConfig()
			if err != nil {
				return err
			}
		}
		listener, err := quic.ListenAddr(t.listenAddr, tlsConf, quicConf)
		if err != nil {
			return fmt.Errorf("transport: listen %s: %w", t.listenAddr, err)
		}
		conn, err := listener.Accept(ctx)
		if err != nil {
			listener.Close()
			return fmt.Errorf("transport: accept: %w", err)
		}
		t.listener = listener
		t.conn = conn
		t.closed = false
		return nil
	}

	tlsConf := t.tlsConf
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{secureALPN}
	}

	conn, err := quic.DialAddr(ctx, t.endpoint, tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.endpoint, err)
	}
	t.conn = conn
	t.closed = false
	return nil
}

// Close tears the connection down.
func (t *SecureTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	if t.conn != nil {
		err = t.conn.CloseWithError(0, "closed")
	}
	if t.listener != nil {
		if lerr := t.listener.Close(); err == nil {
			err = lerr
		}
	}
	return err
}

// LocalAddr returns the connection's local address, or nil before Open.
func (t *SecureTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// IsClosed reports whether Close has been called.
func (t *SecureTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *SecureTransport) connection() (*quic.Conn, error) {
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

// Send transmits one frame as a QUIC datagram. The address is ignored;
// the link has a single peer.
func (t *SecureTransport) Send(_ context.Context, _ net.Addr, data []byte) (int, error) {
	conn, err := t.connection()
	if err != nil {
		return 0, err
	}
	if err := conn.SendDatagram(data); err != nil {
		return 0, fmt.Errorf("transport: send datagram: %w", err)
	}
	return len(data), nil
}

// Broadcast hands the frame to the peer for fan-out.
func (t *SecureTransport) Broadcast(ctx context.Context, _ int, data []byte) (int, error) {
	return t.Send(ctx, nil, data)
}

// Receive blocks for the next datagram from the peer.
func (t *SecureTransport) Receive(ctx context.Context, buf []byte) (int, net.Addr, error) {
	conn, err := t.connection()
	if err != nil {
		return 0, nil, err
	}

	data, err := conn.ReceiveDatagram(ctx)
	if err != nil {
		if t.IsClosed() {
			return 0, nil, ErrTransportClosed
		}
		return 0, nil, fmt.Errorf("transport: receive datagram: %w", err)
	}
	if len(data) > len(buf) {
		return 0, nil, fmt.Errorf("transport: datagram %d octets exceeds buffer %d", len(data), len(buf))
	}
	n := copy(buf, data)
	return n, conn.RemoteAddr(), nil
}

// selfSignedTLSConfig builds a throwaway certificate for listeners
// that were not given one.
func selfSignedTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("transport: generate key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("transport: create certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("transport: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{secureALPN},
	}, nil
}
