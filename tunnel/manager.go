package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	smerr "sshmux/internal/errors"
	"sshmux/internal/metrics"
	"sshmux/util"
)

// DialFunc opens the TCP connection the SSH transport runs over.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *util.Logger) Option { return func(m *Manager) { m.log = l } }

// WithLogSink routes every log line to sink as a single string.
func WithLogSink(sink func(string)) Option {
	return WithLogger(util.NewSinkLogger(sink))
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option { return func(m *Manager) { m.metrics = c } }

// WithDialer replaces the TCP dialer used to reach the SSH server.
func WithDialer(d DialFunc) Option { return func(m *Manager) { m.dial = d } }

// transport is one live SSH client and the goroutines watching it.
type transport struct {
	client *ssh.Client
	alive  atomic.Bool
	stop   chan struct{}
}

// Manager owns the single SSH transport for one Config and runs queued
// requests over it. The zero value is not usable; call New.
type Manager struct {
	cfg     Config
	log     *util.Logger
	metrics *metrics.Collector
	dial    DialFunc

	mu            sync.Mutex
	state         State
	conn          *transport
	gen           uint64 // bumped on every connect attempt and teardown
	cancelConnect context.CancelFunc
	queue         []Request
	draining      bool
	drainGen      uint64
	pending       int // async launch phases not yet backed by a stream
	idle          *time.Timer
	idleToken     uint64
	listeners     map[string]*listener
	streams       *registry
}

// New returns a disconnected Manager. Nothing is dialled until the
// first request is opened.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		log:       util.Nop(),
		listeners: make(map[string]*listener),
		streams:   newRegistry(),
	}
	var d net.Dialer
	m.dial = d.DialContext
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "sshmux").With("host", util.FormatAddr(m.cfg.Host, m.cfg.Port))
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open queues req. If no transport exists one is dialled; if the
// transport is ready the queue is drained in submission order. Usage
// errors (such as a write without a data buffer) are returned without
// queueing. On a disabled Manager Open does nothing and returns nil.
func (m *Manager) Open(req Request) error {
	if req == nil {
		return smerr.ErrUnknownCommand
	}
	if err := req.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.state == StateDisabled {
		m.mu.Unlock()
		return nil
	}
	m.cancelIdleLocked()
	m.queue = append(m.queue, req)

	var (
		lost    map[string]*listener
		streams []*Stream
	)
	switch m.state {
	case StateConnecting:
		// drained once the handshake completes
	case StateConnected:
		if m.conn != nil && m.conn.alive.Load() {
			m.startDrainLocked()
			break
		}
		m.log.Warn("connection out of sync, closing and reconnecting")
		q := m.queue
		m.queue = nil
		_, lost, streams = m.teardownLocked()
		m.queue = q
		m.startConnectLocked()
	default:
		m.startConnectLocked()
	}
	m.mu.Unlock()

	if lost != nil || streams != nil {
		m.metrics.Disconnected("lost")
		notifyRetry(lost, smerr.ErrOutOfSync)
		for _, s := range streams {
			s.abort(smerr.ErrOutOfSync)
		}
	}
	return nil
}

// End tears the transport down: the idle timer is cancelled, listening
// registrations are dropped without invoking their retry callbacks,
// open streams are closed and queued requests fail with
// ErrConnectionClosed. With disable set the Manager refuses all further
// work. End is idempotent; after End(false) the next request dials a
// fresh transport.
func (m *Manager) End(disable bool) {
	m.mu.Lock()
	active := m.state == StateConnected || m.state == StateConnecting
	if disable {
		m.state = StateDisabled
	}
	q, _, streams := m.teardownLocked()
	m.mu.Unlock()

	if active {
		m.log.Info("connection closed")
		m.metrics.Disconnected("closed")
	}
	m.failAll(q, smerr.ErrConnectionClosed)
	for _, s := range streams {
		s.abort(smerr.ErrConnectionClosed)
	}
}

// ── Connect ──────────────────────────────────────────────────────────

// startConnectLocked begins a handshake unless one is in flight.
func (m *Manager) startConnectLocked() {
	if m.state == StateConnecting {
		return
	}
	m.gen++
	m.state = StateConnecting
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReadyTimeout)
	m.cancelConnect = cancel
	go m.connect(ctx, m.gen)
}

func (m *Manager) connect(ctx context.Context, gen uint64) {
	client, err := m.dialClient(ctx)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		// Superseded by End or another teardown.
		m.mu.Unlock()
		if client != nil {
			client.Close()
		}
		return
	}
	m.cancelConnect()
	m.cancelConnect = nil

	if err != nil {
		m.state = StateDisconnected
		q := m.queue
		m.queue = nil
		lost := m.listeners
		m.listeners = make(map[string]*listener)
		m.mu.Unlock()

		m.log.Error("connect failed: %v", err)
		m.metrics.ConnectFailed()
		m.metrics.RecordError(err.Error())
		m.failAll(q, err)
		notifyRetry(lost, err)
		return
	}

	t := &transport{client: client, stop: make(chan struct{})}
	t.alive.Store(true)
	m.conn = t
	m.state = StateConnected
	go m.serveForwarded(gen, client.HandleChannelOpen("forwarded-tcpip"))
	go m.monitor(gen, t)
	if m.cfg.KeepAliveInterval > 0 {
		go m.keepalive(t)
	}
	m.startDrainLocked()
	m.mu.Unlock()

	m.metrics.Connected()
	m.log.Info("connected as %s", m.cfg.User)
}

// dialClient dials and authenticates, bounded by ReadyTimeout.
func (m *Manager) dialClient(ctx context.Context) (*ssh.Client, error) {
	cfg := m.cfg
	auth, err := BuildAuthMethods(&cfg)
	if err != nil {
		return nil, m.sshErr("auth", err)
	}
	hk, err := hostKeyCallback(&cfg)
	if err != nil {
		return nil, m.sshErr("hostkey", err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         cfg.ReadyTimeout,
	}

	addr := util.FormatAddr(cfg.Host, cfg.Port)
	m.log.Debug("dialing %s as %s", addr, cfg.User)

	tcpConn, err := m.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, smerr.Wrap("dial", addr, err)
	}

	// The handshake itself ignores ctx, so bound it with a deadline and
	// close the socket if ctx is cancelled first.
	deadline, _ := ctx.Deadline()
	tcpConn.SetDeadline(deadline) //nolint:errcheck
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			err = fmt.Errorf("%w: %v", smerr.ErrAuthFailed, err)
		}
		return nil, m.sshErr("handshake", err)
	}
	if !stop() {
		c.Close()
		return nil, m.sshErr("handshake", ctx.Err())
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck
	return ssh.NewClient(c, chans, reqs), nil
}

// ── Transport events ─────────────────────────────────────────────────

// monitor blocks until the transport closes and, unless the close was
// ours, fails everything that depended on it.
func (m *Manager) monitor(gen uint64, t *transport) {
	err := t.client.Wait()
	t.alive.Store(false)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	q, lost, streams := m.teardownLocked()
	m.mu.Unlock()

	cause := smerr.ErrConnectionLost
	if err != nil {
		cause = fmt.Errorf("%w: %v", smerr.ErrConnectionLost, err)
	}
	lostErr := m.sshErr("connection", cause)
	m.log.Warn("connection lost: %v", err)
	m.metrics.Disconnected("lost")
	m.metrics.RecordError(lostErr.Error())

	m.failAll(q, lostErr)
	notifyRetry(lost, lostErr)
	for _, s := range streams {
		s.abort(lostErr)
	}
}

// keepalive probes the server every interval and closes the transport
// after KeepAliveCountMax consecutive misses; monitor does the rest.
func (m *Manager) keepalive(t *transport) {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		if m.probe(t.client) {
			misses = 0
			m.metrics.Keepalive(true)
			m.log.Debug("keepalive ok")
			continue
		}
		misses++
		m.metrics.Keepalive(false)
		m.log.Warn("keepalive missed (%d/%d)", misses, m.cfg.KeepAliveCountMax)
		if misses >= m.cfg.KeepAliveCountMax {
			t.client.Close()
			return
		}
	}
}

// probe reports whether the server answered a keepalive within one
// interval. A refusal still proves the peer is alive.
func (m *Manager) probe(client *ssh.Client) bool {
	res := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		res <- err
	}()
	timer := time.NewTimer(m.cfg.KeepAliveInterval)
	defer timer.Stop()
	select {
	case err := <-res:
		return err == nil
	case <-timer.C:
		return false
	}
}

// teardownLocked closes the transport and detaches everything hanging
// off it. The caller settles the returned requests, registrations and
// streams after releasing the lock.
func (m *Manager) teardownLocked() ([]Request, map[string]*listener, []*Stream) {
	m.gen++
	m.cancelIdleLocked()
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	if t := m.conn; t != nil {
		m.conn = nil
		t.alive.Store(false)
		close(t.stop)
		t.client.Close()
	}
	if m.state != StateDisabled {
		m.state = StateDisconnected
	}
	q := m.queue
	m.queue = nil
	m.draining = false
	lost := m.listeners
	m.listeners = make(map[string]*listener)
	return q, lost, m.streams.drain()
}

// ── Queue ────────────────────────────────────────────────────────────

func (m *Manager) startDrainLocked() {
	if m.draining && m.drainGen == m.gen {
		return
	}
	m.draining, m.drainGen = true, m.gen
	go m.drain(m.gen, m.conn)
}

// drain launches queued requests one at a time in FIFO order. Each
// launch opens its channel before the next request is dequeued; the
// remainder of the work runs on the request's own goroutine.
func (m *Manager) drain(gen uint64, t *transport) {
	for {
		m.mu.Lock()
		if gen != m.gen || m.state != StateConnected || len(m.queue) == 0 {
			if m.drainGen == gen {
				m.draining = false
			}
			m.armIdleLocked()
			m.mu.Unlock()
			return
		}
		req := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.dispatch(gen, t.client, req)
	}
}

func (m *Manager) failAll(q []Request, err error) {
	for _, req := range q {
		m.complete(req, err)
	}
}

// complete fails req and records the outcome.
func (m *Manager) complete(req Request, err error) {
	m.log.Verbose("%s failed: %v", req.Kind(), err)
	req.fail(err)
	m.settled(req, err)
}

// settled records a finished request and re-evaluates idleness.
func (m *Manager) settled(req Request, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.Request(req.Kind(), result)
	m.checkIdle()
}

func notifyRetry(lost map[string]*listener, err error) {
	for _, l := range lost {
		if l.retry != nil {
			l.retry(err)
		}
	}
}

// ── Streams ──────────────────────────────────────────────────────────

// track tags s and ties its lifetime to the transport of gen.
func (m *Manager) track(gen uint64, s *Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return m.sshErr("channel", smerr.ErrConnectionLost)
	}
	if err := m.streams.tag(s); err != nil {
		return err
	}
	s.onClose = m.untrack
	m.metrics.StreamOpened(s.kind.String())
	m.log.Debug("%s stream %d opened", s.kind, s.id)
	return nil
}

func (m *Manager) untrack(s *Stream) {
	m.streams.remove(s)
	m.metrics.StreamClosed(s.kind.String())
	if s.kind.IsTunnel() {
		m.metrics.BytesReceived(s.BytesIn())
		m.metrics.BytesSent(s.BytesOut())
	}
	m.checkIdle()
}

// FindStream returns the open stream with session id id, or nil.
func (m *Manager) FindStream(id uint32) *Stream { return m.streams.find(id) }

// FindStreamByRemote returns an open tunnel stream whose remote
// endpoint is host:port, or nil.
func (m *Manager) FindStreamByRemote(host string, port int) *Stream {
	if ss := m.streams.selectAll(ByRemote(host, port)); len(ss) > 0 {
		return ss[0]
	}
	return nil
}

// Lookup resolves a key in ParseStreamKey form to an open stream.
func (m *Manager) Lookup(key string) *Stream {
	id, host, port, err := ParseStreamKey(key)
	if err != nil {
		return nil
	}
	if id != 0 {
		return m.FindStream(id)
	}
	return m.FindStreamByRemote(host, port)
}

// Broadcast calls fn for every open stream matching sel. A nil sel
// selects all tunnel streams.
func (m *Manager) Broadcast(sel Selector, fn func(*Stream)) {
	for _, s := range m.streams.selectAll(sel) {
		fn(s)
	}
}

// ── Idle accounting ──────────────────────────────────────────────────

// hold marks an asynchronous launch phase that has no stream yet, so
// the transport is not considered idle meanwhile.
func (m *Manager) hold() {
	m.mu.Lock()
	m.pending++
	m.cancelIdleLocked()
	m.mu.Unlock()
}

func (m *Manager) release() {
	m.mu.Lock()
	m.pending--
	m.armIdleLocked()
	m.mu.Unlock()
}

func (m *Manager) checkIdle() {
	m.mu.Lock()
	m.armIdleLocked()
	m.mu.Unlock()
}

func (m *Manager) emptyLocked() bool {
	return m.streams.len() == 0 &&
		len(m.listeners) == 0 &&
		len(m.queue) == 0 &&
		m.pending == 0 &&
		!(m.draining && m.drainGen == m.gen)
}

// armIdleLocked schedules a disconnect after ConnectTimeout if nothing
// is in use. The condition is checked again when the timer fires.
func (m *Manager) armIdleLocked() {
	if m.state != StateConnected || m.idle != nil || !m.emptyLocked() {
		return
	}
	m.idleToken++
	tok, gen := m.idleToken, m.gen
	m.idle = time.AfterFunc(m.cfg.ConnectTimeout, func() { m.idleFire(tok, gen) })
}

func (m *Manager) cancelIdleLocked() {
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	m.idleToken++
}

func (m *Manager) idleFire(tok, gen uint64) {
	m.mu.Lock()
	if tok != m.idleToken || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.idle = nil
	if m.state != StateConnected || !m.emptyLocked() {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.mu.Unlock()

	m.log.Info("idle for %v, disconnecting", m.cfg.ConnectTimeout)
	m.metrics.Disconnected("idle")
}

// transportDown reports whether client no longer answers global
// requests. A refusal still counts as an answer.
func transportDown(client *ssh.Client) bool {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err != nil
}

// channelErr wraps a failure to open or drive a channel, classifying it
// as a lost connection when the transport itself is gone.
func (m *Manager) channelErr(client *ssh.Client, op string, err error) error {
	if transportDown(client) {
		err = fmt.Errorf("%w: %v", smerr.ErrConnectionLost, err)
	}
	return m.sshErr(op, err)
}

func (m *Manager) sshErr(op string, err error) error {
	return smerr.WrapSSH(op, m.cfg.Host, m.cfg.Port, err)
}
