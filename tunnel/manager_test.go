package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	smerr "sshmux/internal/errors"
	"sshmux/internal/metrics"
	"sshmux/util"
)

const waitFor = 10 * time.Second

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m := New(cfg, opts...)
	t.Cleanup(func() { m.End(true) })
	return m
}

type execResult struct {
	stdout, stderr Payload
	err            error
}

// execute runs command and fails the test unless the callback fires
// exactly once.
func execute(t *testing.T, m *Manager, command string, opts ExecOptions) execResult {
	t.Helper()
	var calls atomic.Int32
	res := make(chan execResult, 2)
	require.NoError(t, m.Execute(command, opts, func(stdout, stderr Payload, err error) {
		calls.Add(1)
		res <- execResult{stdout, stderr, err}
	}))
	select {
	case r := <-res:
		time.Sleep(20 * time.Millisecond)
		require.EqualValues(t, 1, calls.Load(), "completion fired more than once")
		return r
	case <-time.After(waitFor):
		t.Fatalf("%q did not complete", command)
	}
	return execResult{}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		waitFor, 10*time.Millisecond, "state never became %s", want)
}

// hangingServer accepts TCP connections and never speaks SSH, leaving
// the manager stuck in StateConnecting.
func hangingServer(t *testing.T) Config {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return Config{
		Host:              "127.0.0.1",
		Port:              ln.Addr().(*net.TCPAddr).Port,
		User:              testUser,
		Password:          testPassword,
		KeepAliveInterval: -1,
		ReadyTimeout:      30 * time.Second,
	}
}

// gatedProxy relays TCP connections to port, holding each one until
// release is called. Until then the manager sits in StateConnecting.
func gatedProxy(t *testing.T, port int) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				<-gate
				up, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
				if err != nil {
					c.Close()
					return
				}
				util.Bridge(context.Background(), c, up)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		release()
	})
	return ln.Addr().(*net.TCPAddr).Port, release
}

// ── Lifecycle ────────────────────────────────────────────────────────

func TestManager_LazyConnect(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, srv.config())

	assert.Equal(t, StateDisconnected, m.State())
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, srv.connects.Load(), "dialled before any request")

	r := execute(t, m, "echo hello", ExecOptions{})
	require.NoError(t, r.err)
	assert.Equal(t, StateConnected, m.State())
	assert.EqualValues(t, 1, srv.connects.Load())
}

func TestManager_SingleTransport(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, srv.config())

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := m.Execute(fmt.Sprintf("echo %d", i), ExecOptions{}, func(_, _ Payload, err error) {
			errs <- err
			wg.Done()
		})
		require.NoError(t, err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, srv.connects.Load())
}

func TestManager_FIFOOrder(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, srv.config())

	const n = 8
	var wg sync.WaitGroup
	want := make([]string, n)
	for i := 0; i < n; i++ {
		want[i] = fmt.Sprintf("echo req-%d", i)
		wg.Add(1)
		require.NoError(t, m.Execute(want[i], ExecOptions{}, func(_, _ Payload, err error) {
			assert.NoError(t, err)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Equal(t, want, srv.executed())
}

func TestManager_FIFOOrderMixed(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config()
	port, release := gatedProxy(t, srv.port)
	cfg.Port = port
	m := newTestManager(t, cfg)

	file := filepath.Join(t.TempDir(), "small.txt")
	require.NoError(t, os.WriteFile(file, []byte("fifo"), 0o644))
	echo := echoServer(t, nil)

	const rounds = 3
	var (
		want  []string
		wg    sync.WaitGroup
		calls = make([]atomic.Int32, 3*rounds)
	)
	// fired counts a completion and signals the first one only, so a
	// duplicate shows up in calls rather than as a WaitGroup panic.
	fired := func(n *atomic.Int32) {
		if n.Add(1) == 1 {
			wg.Done()
		}
	}
	for i := 0; i < rounds; i++ {
		cmd := fmt.Sprintf("echo mixed-%d", i)
		execN, readN, tunN := &calls[3*i], &calls[3*i+1], &calls[3*i+2]
		wg.Add(3)
		require.NoError(t, m.Execute(cmd, ExecOptions{}, func(_, _ Payload, err error) {
			assert.NoError(t, err)
			fired(execN)
		}))
		require.NoError(t, m.SFTPRead(file, func(c ReadChunk, err error) {
			assert.NoError(t, err)
			assert.Equal(t, "fifo", string(c.Data))
			fired(readN)
		}))
		require.NoError(t, m.TunnelOpenOut(TunnelOptions{Host: "127.0.0.1", Port: echo}, func(s *Stream, err error) {
			if assert.NoError(t, err) {
				s.Close()
			}
			fired(tunN)
		}))
		want = append(want, "exec "+cmd, "sftp", "direct-tcpip "+strconv.Itoa(echo))
	}

	waitState(t, m, StateConnecting)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnecting, m.State())
	assert.Empty(t, srv.launched(), "launched before the transport was up")

	release()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("queued requests did not complete")
	}

	time.Sleep(50 * time.Millisecond)
	for i := range calls {
		assert.EqualValues(t, 1, calls[i].Load(), "request %d completed %d times", i, calls[i].Load())
	}
	assert.Equal(t, want, srv.launched())
}

func TestManager_ConnectFailure(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config()
	cfg.Password = "wrong"
	m := newTestManager(t, cfg)

	var (
		wg    sync.WaitGroup
		calls atomic.Int32
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, m.SFTPPwd(func(_ string, err error) {
			calls.Add(1)
			assert.ErrorIs(t, err, smerr.ErrAuthFailed)
			assert.True(t, smerr.IsConnection(err))
			wg.Done()
		}))
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_HostKeyMismatch(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config()
	cfg.HostKeyCallback = nil
	cfg.StrictHostKey = true
	cfg.KnownHosts = t.TempDir() + "/known_hosts"
	require.NoError(t, writeKnownHosts(cfg.KnownHosts, srv.port, testSigner(t)))
	m := newTestManager(t, cfg)

	r := execute(t, m, "echo hi", ExecOptions{})
	require.ErrorIs(t, r.err, smerr.ErrHostKeyMismatch)
}

func TestManager_EndFailsQueued(t *testing.T) {
	m := newTestManager(t, hangingServer(t))

	var (
		wg    sync.WaitGroup
		calls atomic.Int32
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		require.NoError(t, m.Execute("echo x", ExecOptions{}, func(_, _ Payload, err error) {
			calls.Add(1)
			assert.ErrorIs(t, err, smerr.ErrConnectionClosed)
			wg.Done()
		}))
	}
	waitState(t, m, StateConnecting)

	m.End(false)
	wg.Wait()
	m.End(false)
	time.Sleep(20 * time.Millisecond)

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_EndDisable(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, srv.config())

	require.NoError(t, execute(t, m, "echo hi", ExecOptions{}).err)

	m.End(true)
	m.End(true)
	assert.Equal(t, StateDisabled, m.State())
	require.Eventually(t, func() bool { return srv.live() == 0 }, waitFor, 10*time.Millisecond)

	var called atomic.Bool
	require.NoError(t, m.Execute("echo again", ExecOptions{}, func(_, _ Payload, _ error) { called.Store(true) }))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, called.Load(), "disabled manager ran a request")
	assert.EqualValues(t, 1, srv.connects.Load())

	m.End(false)
	assert.Equal(t, StateDisabled, m.State(), "disabled is terminal")
}

func TestManager_EndThenReconnect(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, srv.config())

	require.NoError(t, execute(t, m, "echo one", ExecOptions{}).err)
	m.End(false)
	assert.Equal(t, StateDisconnected, m.State())

	require.NoError(t, execute(t, m, "echo two", ExecOptions{}).err)
	assert.EqualValues(t, 2, srv.connects.Load())
}

func TestManager_ConnectionLost(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, srv.config())

	spawned := make(chan *Stream, 1)
	require.NoError(t, m.Spawn("sleep", ExecOptions{}, func(s *Stream, err error) {
		assert.NoError(t, err)
		spawned <- s
	}))
	s := <-spawned

	retried := make(chan error, 1)
	ready := make(chan int, 1)
	require.NoError(t, m.TunnelListenIn(ListenOptions{
		Host:  "127.0.0.1",
		Retry: func(err error) { retried <- err },
		Ready: func(port int, err error) {
			assert.NoError(t, err)
			ready <- port
		},
	}, func(_ IncomingInfo, _ func() *Stream, reject func()) { reject() }))
	<-ready

	srv.dropConns()

	select {
	case err := <-retried:
		assert.ErrorIs(t, err, smerr.ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("retry callback not invoked")
	}
	err := s.Wait()
	assert.ErrorIs(t, err, smerr.ErrConnectionLost)
	waitState(t, m, StateDisconnected)
	assert.Nil(t, m.FindStream(s.ID()))

	require.NoError(t, execute(t, m, "echo back", ExecOptions{}).err)
	assert.EqualValues(t, 2, srv.connects.Load())
}

func TestManager_QueuedRequestsFailOnDrop(t *testing.T) {
	srv := newTestServer(t)
	srv.mu.Lock()
	srv.dropAfter = "echo drop"
	srv.mu.Unlock()
	m := newTestManager(t, srv.config())

	r := execute(t, m, "echo drop", ExecOptions{})
	require.Error(t, r.err)
	assert.True(t, smerr.IsConnection(r.err), "got %v", r.err)
}

func TestManager_OutOfSyncReconnects(t *testing.T) {
	srv := newTestServer(t)
	m := newTestManager(t, srv.config())

	require.NoError(t, execute(t, m, "echo first", ExecOptions{}).err)

	m.mu.Lock()
	m.conn.alive.Store(false)
	m.mu.Unlock()

	require.NoError(t, execute(t, m, "echo second", ExecOptions{}).err)
	assert.EqualValues(t, 2, srv.connects.Load())
}

// ── Idle ─────────────────────────────────────────────────────────────

func TestManager_KeepaliveRefusalCountsAsAlive(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config()
	cfg.KeepAliveInterval = 20 * time.Millisecond
	cfg.KeepAliveCountMax = 1
	cfg.ConnectTimeout = 5 * time.Second
	mc := metrics.New()
	m := newTestManager(t, cfg, WithMetrics(mc))

	require.NoError(t, execute(t, m, "echo hi", ExecOptions{}).err)
	require.Eventually(t, func() bool { return mc.Snapshot().LastKeepalive != "" },
		waitFor, 10*time.Millisecond, "no keepalive was sent")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.EqualValues(t, 1, mc.TotalConnects())
}

func TestManager_IdleDisconnect(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config()
	cfg.ConnectTimeout = 150 * time.Millisecond
	mc := metrics.New()
	m := newTestManager(t, cfg, WithMetrics(mc))

	require.NoError(t, execute(t, m, "echo hi", ExecOptions{}).err)
	waitState(t, m, StateDisconnected)
	require.Eventually(t, func() bool { return srv.live() == 0 }, waitFor, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 1, mc.IdleDisconnects())
	assert.EqualValues(t, 1, mc.TotalConnects())
}

func TestManager_IdleCancelledByNewWork(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config()
	cfg.ConnectTimeout = 400 * time.Millisecond
	mc := metrics.New()
	m := newTestManager(t, cfg, WithMetrics(mc))

	require.NoError(t, execute(t, m, "echo one", ExecOptions{}).err)
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, execute(t, m, "echo two", ExecOptions{}).err)
	time.Sleep(250 * time.Millisecond)

	// 450ms after the first completion, but only 250ms after the second.
	assert.Equal(t, StateConnected, m.State())
	assert.EqualValues(t, 0, mc.IdleDisconnects())

	waitState(t, m, StateDisconnected)
	assert.EqualValues(t, 1, mc.IdleDisconnects())
	assert.EqualValues(t, 1, srv.connects.Load())
}

func TestManager_OpenStreamPreventsIdle(t *testing.T) {
	srv := newTestServer(t)
	cfg := srv.config()
	cfg.ConnectTimeout = 100 * time.Millisecond
	m := newTestManager(t, cfg)

	spawned := make(chan *Stream, 1)
	require.NoError(t, m.Spawn("cat", ExecOptions{}, func(s *Stream, err error) {
		assert.NoError(t, err)
		spawned <- s
	}))
	s := <-spawned

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())

	require.NoError(t, s.CloseWrite())
	require.NoError(t, s.Wait())
	waitState(t, m, StateDisconnected)
}

// ── Usage errors ─────────────────────────────────────────────────────

func TestManager_UsageErrors(t *testing.T) {
	m := newTestManager(t, hangingServer(t))

	var called atomic.Bool
	err := m.SFTPWrite("/tmp/x", nil, WriteOptions{}, func(WriteChunk, error) { called.Store(true) })
	assert.ErrorIs(t, err, smerr.ErrNoData)

	assert.ErrorIs(t, m.Open(nil), smerr.ErrUnknownCommand)

	err = m.TunnelOpenOut(TunnelOptions{Host: "db", Port: 0}, func(*Stream, error) { called.Store(true) })
	var ce *smerr.ConfigError
	assert.True(t, errors.As(err, &ce), "got %v", err)

	err = m.TunnelListenIn(ListenOptions{Port: 22}, nil)
	assert.True(t, errors.As(err, &ce), "got %v", err)

	assert.False(t, called.Load())
	assert.Equal(t, StateDisconnected, m.State(), "usage errors must not dial")
}

func TestManager_LogSink(t *testing.T) {
	srv := newTestServer(t)

	var (
		mu    sync.Mutex
		lines []string
	)
	m := newTestManager(t, srv.config(), WithLogSink(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}))
	require.NoError(t, execute(t, m, "echo hi", ExecOptions{}).err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, lines)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "connected as test")
	for _, l := range lines {
		assert.NotContains(t, l, "\n")
	}
}
