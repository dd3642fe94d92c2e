package transport

import (
	"context"
	"net"
	"time"
)

// TCPDialer opens the plain TCP sockets under the SSH transport and
// toward local tunnel targets.
type TCPDialer struct {
	Timeout time.Duration
	// KeepAlive is the TCP keepalive period. Zero uses the system
	// default and a negative value turns keepalives off, matching
	// net.Dialer.
	KeepAlive time.Duration
}

// Dial connects to address. The timeout covers only connection setup.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op; the dialer holds no connections.
func (d *TCPDialer) Close() error { return nil }
