// Package transport provides the dialers sshmux reaches the network
// with: plain TCP for the SSH connection itself, and an SSH-tunnelled
// dialer that opens outbound streams on a shared tunnel.Manager.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}

var (
	_ Dialer = (*TCPDialer)(nil)
	_ Dialer = (*SSHDialer)(nil)
)
