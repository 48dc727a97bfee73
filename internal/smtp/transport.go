package smtp

import (
	"context"
	"crypto/tls"
	"net"
)

// Transport is the set of network capabilities a Session drives. Reads,
// writes and close go through the net.Conn values it returns.
type Transport interface {
	// Dial opens a plaintext TCP connection to addr.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Handshake runs a client TLS handshake over conn and returns the new
	// connection handle. conn must not be used directly afterwards.
	Handshake(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error)
}

// NetTransport is the Transport backed by the operating system's network stack.
type NetTransport struct {
	Dialer *net.Dialer
}

// Dial opens a TCP connection to addr.
func (t NetTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := t.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	return d.DialContext(ctx, "tcp", addr)
}

// Handshake upgrades conn to a TLS client connection.
//
// The handshake is bounded by the connection deadline rather than ctx:
// tls.Conn.HandshakeContext closes the socket itself on cancellation, and
// the Session must remain the only closer.
func (t NetTransport) Handshake(_ context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	tc := tls.Client(conn, cfg)
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	return tc, nil
}
