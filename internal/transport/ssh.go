package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	smerr "sshmux/internal/errors"
	"sshmux/internal/retry"
	"sshmux/tunnel"
	"sshmux/util"
)

// SSHDialer routes connections through a shared tunnel.Manager. The
// transport is connected lazily by the manager on the first Dial and
// dropped again once it goes idle.
type SSHDialer struct {
	mgr     *tunnel.Manager
	logger  *util.Logger
	breaker *retry.Breaker
}

// NewSSHDialer creates a dialer that opens outbound tunnel streams on mgr.
func NewSSHDialer(mgr *tunnel.Manager, logger *util.Logger) *SSHDialer {
	if logger == nil {
		logger = util.Nop()
	}
	return &SSHDialer{mgr: mgr, logger: logger}
}

// WithBreaker guards Dial with b. Only failures of the SSH transport
// itself count against the circuit; a target refusing the connection
// does not.
func (d *SSHDialer) WithBreaker(b *retry.Breaker) *SSHDialer {
	d.breaker = b
	return d
}

// TransportFailure reports whether err means the SSH transport could
// not be used, as opposed to the far end refusing a tunnel.
func TransportFailure(err error) bool { return smerr.IsConnection(err) }

// Dial connects to address through the SSH transport. Only TCP
// networks are supported.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("ssh dialer: unsupported network %q", network)
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: invalid port %q", portStr)
	}

	d.logger.Verbose("dialing %s through ssh", address)
	var rwc io.ReadWriteCloser
	open := func() (err error) {
		rwc, err = d.mgr.OpenTunnel(ctx, host, port, nil)
		return err
	}
	if d.breaker != nil {
		err = d.breaker.Do(open)
	} else {
		err = open()
	}
	if err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	s, ok := rwc.(*tunnel.Stream)
	if !ok {
		rwc.Close()
		return nil, fmt.Errorf("tunnel: unexpected stream type %T", rwc)
	}
	return &streamConn{Stream: s}, nil
}

// Close ends the manager's transport and fails anything still queued.
func (d *SSHDialer) Close() error {
	d.mgr.End(false)
	return nil
}

// streamConn presents a tunnel stream as a net.Conn. Deadlines are not
// supported by SSH channels and are accepted as no-ops.
type streamConn struct {
	*tunnel.Stream
}

func (c *streamConn) LocalAddr() net.Addr  { return tcpAddr(c.Local()) }
func (c *streamConn) RemoteAddr() net.Addr { return tcpAddr(c.Remote()) }

func (c *streamConn) SetDeadline(time.Time) error      { return nil }
func (c *streamConn) SetReadDeadline(time.Time) error  { return nil }
func (c *streamConn) SetWriteDeadline(time.Time) error { return nil }

// tcpAddr always carries an IP; SOCKS replies cannot encode a nil one.
func tcpAddr(host string, port int) net.Addr {
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}
	return &net.TCPAddr{IP: ip, Port: port}
}
