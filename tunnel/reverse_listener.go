package tunnel

// reverse_listener.go - remote (tcpip-forward) listening registrations.
//
// ssh.Client.Listen keys forwarded-tcpip channels by the exact bind
// address it sent, but some servers echo back a different address
// ("0.0.0.0" for ""), and the library then rejects every channel. We
// therefore own the forwarded-tcpip handler: one per transport, routing
// each channel to its registration by exact key and falling back to a
// unique port match.

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	smerr "sshmux/internal/errors"
	"sshmux/util"
)

// ── Wire format structs (RFC 4254) ──────────────────────────────────

// channelForwardMsg is the payload of "tcpip-forward" and
// "cancel-tcpip-forward" (RFC 4254 §7.1).
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardReply is the success reply to "tcpip-forward" when port 0 was
// requested.
type forwardReply struct {
	Port uint32
}

// forwardedTCPPayload is the channel-open payload for
// "forwarded-tcpip" (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// listener is one listening registration. port and key change when a
// port-0 registration learns its real port, so both are read under m.mu.
type listener struct {
	host   string
	port   int
	key    string
	tls    *tls.Config
	accept AcceptFunc
	retry  func(error)
}

func (m *Manager) startTunnelIn(gen uint64, client *ssh.Client, r *TunnelInRequest) {
	l := &listener{host: r.Host, port: r.Port, key: listenerKey(r.Host, r.Port), tls: r.TLS, accept: r.Accept, retry: r.Retry}

	// Register before asking the server so an early connection finds it.
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.complete(r, m.sshErr("listen", smerr.ErrConnectionLost))
		return
	}
	if _, dup := m.listeners[l.key]; dup {
		m.mu.Unlock()
		m.complete(r, m.sshErr("listen", fmt.Errorf("%s is already registered", l.key)))
		return
	}
	m.listeners[l.key] = l
	m.mu.Unlock()

	msg := channelForwardMsg{Addr: r.Host, Port: uint32(r.Port)}
	ok, reply, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err == nil && !ok {
		err = fmt.Errorf("tcpip-forward %s denied by peer", l.key)
	}
	if err != nil {
		m.dropListener(l)
		m.complete(r, m.sshErr("listen", err))
		return
	}

	port := r.Port
	if port == 0 {
		var resp forwardReply
		if err := ssh.Unmarshal(reply, &resp); err == nil {
			port = int(resp.Port)
			m.rekeyListener(l, port)
		}
	}
	m.log.Info("listening on remote %s", util.FormatAddr(r.Host, port))

	go func() {
		r.finish(port, nil)
		m.settled(r, nil)
	}()
}

func (m *Manager) rekeyListener(l *listener, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listeners[l.key] != l {
		return
	}
	delete(m.listeners, l.key)
	l.port = port
	l.key = listenerKey(l.host, port)
	m.listeners[l.key] = l
}

func (m *Manager) dropListener(l *listener) {
	m.mu.Lock()
	if m.listeners[l.key] == l {
		delete(m.listeners, l.key)
	}
	m.armIdleLocked()
	m.mu.Unlock()
}

// unlisten removes the registration host:port and cancels it remotely.
func (m *Manager) unlisten(host string, port int) {
	key := listenerKey(host, port)
	m.mu.Lock()
	l := m.listeners[key]
	delete(m.listeners, key)
	var client *ssh.Client
	if m.conn != nil {
		client = m.conn.client
	}
	m.mu.Unlock()

	if l == nil || client == nil {
		return
	}
	msg := channelForwardMsg{Addr: host, Port: uint32(port)}
	if _, _, err := client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&msg)); err != nil {
		m.log.Verbose("cancel-tcpip-forward %s: %v", key, err)
	}
	m.log.Info("stopped listening on remote %s", key)
}

// binding is a registration as matched: its address is copied so the
// connection handler never reads fields a re-key may rewrite.
type binding struct {
	*listener
	port int
	key  string
}

// match finds the registration for an incoming channel.
func (m *Manager) match(gen uint64, host string, port int) (binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return binding{}, false
	}
	if l, ok := m.listeners[listenerKey(host, port)]; ok {
		return binding{l, l.port, l.key}, true
	}
	var found *listener
	for _, l := range m.listeners {
		if l.port != port {
			continue
		}
		if found != nil {
			return binding{}, false // ambiguous
		}
		found = l
	}
	if found == nil {
		return binding{}, false
	}
	return binding{found, found.port, found.key}, true
}

// serveForwarded routes forwarded-tcpip channels for one transport
// until it closes.
func (m *Manager) serveForwarded(gen uint64, chans <-chan ssh.NewChannel) {
	if chans == nil {
		return
	}
	for nc := range chans {
		var p forwardedTCPPayload
		if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
			nc.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload") //nolint:errcheck
			continue
		}
		b, ok := m.match(gen, p.Addr, int(p.Port))
		if !ok {
			m.log.Verbose("rejecting connection for unregistered %s", util.FormatAddr(p.Addr, int(p.Port)))
			nc.Reject(ssh.Prohibited, "no forward for address") //nolint:errcheck
			continue
		}
		go m.handleIncoming(gen, b, nc, p)
	}
}

// handleIncoming offers one connection to its registration. With TLS
// the channel is accepted and the server handshake completes before
// the accept callback runs.
func (m *Manager) handleIncoming(gen uint64, b binding, nc ssh.NewChannel, p forwardedTCPPayload) {
	info := IncomingInfo{
		DestHost:   p.Addr,
		DestPort:   int(p.Port),
		OriginHost: p.OriginAddr,
		OriginPort: int(p.OriginPort),
	}
	stream := func(conn *chanConn) *Stream {
		s := newStream(KindTunnelIn, m.log)
		s.remoteHost, s.remotePort = info.OriginHost, info.OriginPort
		s.localHost, s.localPort = b.host, b.port
		s.listenKey = b.key
		s.raw = conn
		s.rw = conn
		return s
	}

	var decided once
	if b.tls == nil {
		var s *Stream
		accept := func() *Stream {
			decided.do(func() {
				ch, reqs, err := nc.Accept()
				if err != nil {
					m.log.Error("accept %s: %v", b.key, err)
					return
				}
				go ssh.DiscardRequests(reqs)
				s = stream(newChanConn(ch, b, info))
				if err := m.track(gen, s); err != nil {
					s.Close()
					s = nil
				}
			})
			return s
		}
		reject := func() {
			decided.do(func() { nc.Reject(ssh.Prohibited, "rejected") }) //nolint:errcheck
		}
		b.accept(info, accept, reject)
		reject()
		return
	}

	ch, reqs, err := nc.Accept()
	if err != nil {
		m.log.Error("accept %s: %v", b.key, err)
		return
	}
	go ssh.DiscardRequests(reqs)

	m.hold()
	defer m.release()

	conn := newChanConn(ch, b, info)
	tc, err := serverTLS(conn, b.tls, m.cfg.ConnectTimeout)
	if err != nil {
		m.log.Warn("tls handshake from %s: %v", util.FormatAddr(info.OriginHost, info.OriginPort), err)
		conn.Close()
		return
	}

	var s *Stream
	accept := func() *Stream {
		decided.do(func() {
			s = stream(conn)
			s.tls = tc
			s.rw = tc
			if err := m.track(gen, s); err != nil {
				s.Close()
				s = nil
			}
		})
		return s
	}
	reject := func() {
		decided.do(func() { tc.Close() }) //nolint:errcheck
	}
	b.accept(info, accept, reject)
	reject()
}

// ── chanConn ─────────────────────────────────────────────────────────

// chanConn wraps an accepted forwarded-tcpip channel as a net.Conn so
// it can carry TLS.
type chanConn struct {
	ssh.Channel
	laddr, raddr net.Addr
}

func newChanConn(ch ssh.Channel, b binding, info IncomingInfo) *chanConn {
	return &chanConn{
		Channel: ch,
		laddr:   &net.TCPAddr{IP: net.ParseIP(b.host), Port: b.port},
		raddr:   &net.TCPAddr{IP: net.ParseIP(info.OriginHost), Port: info.OriginPort},
	}
}

func (c *chanConn) LocalAddr() net.Addr                { return c.laddr }
func (c *chanConn) RemoteAddr() net.Addr               { return c.raddr }
func (c *chanConn) SetDeadline(_ time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(_ time.Time) error { return nil }
