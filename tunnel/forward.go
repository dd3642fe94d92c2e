package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	smerr "sshmux/internal/errors"
	"sshmux/util"
)

// startTunnelOut opens a direct-tcpip channel to r.Host:r.Port. With
// TLS requested the stream is handed out only after the client
// handshake succeeds.
func (m *Manager) startTunnelOut(gen uint64, client *ssh.Client, r *TunnelOutRequest) {
	addr := util.FormatAddr(r.Host, r.Port)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	conn, err := client.DialContext(ctx, "tcp", addr)
	cancel()
	if err != nil {
		m.complete(r, m.sshErr("forward", fmt.Errorf("dial %s: %w", addr, err)))
		return
	}

	m.hold()
	go func() {
		defer m.release()

		s := newStream(KindTunnelOut, m.log)
		s.remoteHost, s.remotePort = r.Host, r.Port
		s.localHost, s.localPort = util.AddrPort(conn.LocalAddr())
		s.raw = conn
		s.rw = conn

		if r.TLS != nil {
			tc, err := clientTLS(conn, r.TLS, r.Host, m.cfg.ConnectTimeout)
			if err != nil {
				conn.Close()
				m.complete(r, m.sshErr("tls", err))
				return
			}
			s.tls = tc
			s.rw = tc
		}

		if err := m.track(gen, s); err != nil {
			s.Close()
			m.complete(r, err)
			return
		}
		m.log.Verbose("tcpout stream %d to %s", s.id, addr)
		r.finish(s, nil)
		m.settled(r, nil)
	}()
}

// clientTLS runs a client handshake over conn. ServerName defaults to
// host.
func clientTLS(conn net.Conn, cfg *tls.Config, host string, timeout time.Duration) (*tls.Conn, error) {
	c := cfg.Clone()
	if c.ServerName == "" {
		c.ServerName = host
	}
	tc := tls.Client(conn, c)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// serverTLS runs a server handshake over conn.
func serverTLS(conn net.Conn, cfg *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	tc := tls.Server(conn, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// TunnelClose tears down tunnels in one direction. For KindTunnelIn it
// removes the listening registration host:port, cancels the remote
// listener and closes the streams accepted on it. For KindTunnelOut it
// closes outbound streams to host:port. done runs exactly once, even
// when nothing matched.
func (m *Manager) TunnelClose(kind Kind, host string, port int, done func()) {
	var sel Selector
	switch kind {
	case KindTunnelIn:
		m.unlisten(host, port)
		sel = ByListener(host, port)
	case KindTunnelOut:
		remote := ByRemote(host, port)
		sel = func(s *Stream) bool { return s.kind == KindTunnelOut && remote(s) }
	}
	if sel != nil {
		for _, s := range m.streams.selectAll(sel) {
			s.Close()
		}
	}
	if done != nil {
		done()
	}
	m.checkIdle()
}

// OpenTunnel dials host:port through the transport and waits for the
// stream. It adapts TunnelOpenOut to the blocking net.Dialer shape.
func (m *Manager) OpenTunnel(ctx context.Context, host string, port int, cfg *tls.Config) (io.ReadWriteCloser, error) {
	type result struct {
		s   *Stream
		err error
	}
	if m.State() == StateDisabled {
		return nil, smerr.ErrConnectionClosed
	}
	res := make(chan result, 1)
	err := m.TunnelOpenOut(TunnelOptions{Host: host, Port: port, TLS: cfg}, func(s *Stream, err error) {
		res <- result{s, err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.s, r.err
	case <-ctx.Done():
		go func() {
			if r := <-res; r.s != nil {
				r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
