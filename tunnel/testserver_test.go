package tunnel

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "test"
	testPassword = "secret"
)

// testServer is an in-process SSH server with just enough behaviour for
// the manager: a handful of emulated commands, the sftp subsystem,
// direct-tcpip dials and tcpip-forward listeners.
//
// Emulated commands:
//
//	echo ARGS      writes ARGS and a newline to stdout, exits 0
//	fail CODE MSG  writes MSG to stderr, exits CODE
//	binary         writes non-UTF-8 bytes, exits 0
//	cat            copies stdin to stdout until EOF
//	sleep          blocks until a signal, 0x03 on a PTY, or 10s
type testServer struct {
	t      *testing.T
	signer ssh.Signer
	cfg    *ssh.ServerConfig
	ln     net.Listener
	port   int

	connects atomic.Int32

	mu        sync.Mutex
	conns     []ssh.Conn
	forwards  map[string]net.Listener
	commands  []string
	launches  []string // channel launches in arrival order
	closed    bool
	denyFwd   bool
	dropAfter string // close the connection when this command arrives
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s := &testServer{t: t, signer: testSigner(t), forwards: make(map[string]net.Listener)}
	s.cfg = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	s.cfg.AddHostKey(s.signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s.ln = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// config returns a client Config that trusts this server's host key.
func (s *testServer) config() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              s.port,
		User:              testUser,
		Password:          testPassword,
		HostKeyCallback:   ssh.FixedHostKey(s.signer.PublicKey()),
		KeepAliveInterval: -1,
		ReadyTimeout:      5 * time.Second,
		ConnectTimeout:    5 * time.Second,
	}
}

func (s *testServer) Close() {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = nil
	for _, l := range s.forwards {
		l.Close()
	}
	s.forwards = map[string]net.Listener{}
	s.mu.Unlock()

	s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
}

// dropConns closes every live server connection, simulating a lost
// transport.
func (s *testServer) dropConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// live reports the number of open server connections.
func (s *testServer) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// forwardPort returns the local port bound for the first active
// tcpip-forward registration.
func (s *testServer) forwardPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.forwards {
		return l.Addr().(*net.TCPAddr).Port
	}
	return 0
}

func (s *testServer) forwardCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.forwards)
}

func (s *testServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// launched lists every exec, sftp and direct-tcpip launch in the order
// the server acknowledged them.
func (s *testServer) launched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.launches...)
}

func (s *testServer) launch(what string) {
	s.mu.Lock()
	s.launches = append(s.launches, what)
	s.mu.Unlock()
}

func (s *testServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(nc net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		nc.Close()
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sc.Close()
		return
	}
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
	s.connects.Add(1)

	go s.globalRequests(sc, reqs)
	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			ch, creqs, err := newCh.Accept()
			if err != nil {
				continue
			}
			go s.session(sc, ch, creqs)
		case "direct-tcpip":
			go s.directTCPIP(newCh)
		default:
			newCh.Reject(ssh.UnknownChannelType, "unknown channel type") //nolint:errcheck
		}
	}

	s.mu.Lock()
	for i, c := range s.conns {
		if c == sc {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *testServer) globalRequests(sc ssh.Conn, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var msg channelForwardMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			s.mu.Lock()
			deny := s.denyFwd
			s.mu.Unlock()
			if deny {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(msg.Port))))
			if err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			port := ln.Addr().(*net.TCPAddr).Port
			s.mu.Lock()
			s.forwards[forwardKey(msg.Addr, uint32(port))] = ln
			s.mu.Unlock()
			var reply []byte
			if msg.Port == 0 {
				reply = ssh.Marshal(&forwardReply{Port: uint32(port)})
			}
			req.Reply(true, reply) //nolint:errcheck
			go s.acceptForwarded(sc, ln, msg.Addr, uint32(port))

		case "cancel-tcpip-forward":
			var msg channelForwardMsg
			ssh.Unmarshal(req.Payload, &msg) //nolint:errcheck
			s.mu.Lock()
			ln := s.forwards[forwardKey(msg.Addr, msg.Port)]
			delete(s.forwards, forwardKey(msg.Addr, msg.Port))
			s.mu.Unlock()
			if ln != nil {
				ln.Close()
			}
			req.Reply(ln != nil, nil) //nolint:errcheck

		default:
			// keepalive@openssh.com and friends: refuse, as OpenSSH does.
			if req.WantReply {
				req.Reply(false, nil) //nolint:errcheck
			}
		}
	}
}

func forwardKey(addr string, port uint32) string {
	return net.JoinHostPort(addr, strconv.Itoa(int(port)))
}

// acceptForwarded opens a forwarded-tcpip channel per accepted
// connection and bridges the two.
func (s *testServer) acceptForwarded(sc ssh.Conn, ln net.Listener, addr string, port uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ra := conn.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(&forwardedTCPPayload{
			Addr:       addr,
			Port:       port,
			OriginAddr: ra.IP.String(),
			OriginPort: uint32(ra.Port),
		})
		go func() {
			ch, reqs, err := sc.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				conn.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			pipe(ch, conn)
		}()
	}
}

func (s *testServer) directTCPIP(newCh ssh.NewChannel) {
	var p forwardedTCPPayload
	if err := ssh.Unmarshal(newCh.ExtraData(), &p); err != nil {
		newCh.Reject(ssh.ConnectionFailed, "bad payload") //nolint:errcheck
		return
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(p.Addr, strconv.Itoa(int(p.Port))), 2*time.Second)
	if err != nil {
		newCh.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
		return
	}
	s.launch("direct-tcpip " + strconv.Itoa(int(p.Port)))
	ch, reqs, err := newCh.Accept()
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(ch, conn)
}

// pipe copies both ways, propagating half-closes, and closes both ends
// when done.
func pipe(ch ssh.Channel, conn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(ch, conn) //nolint:errcheck
		ch.CloseWrite()   //nolint:errcheck
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, ch) //nolint:errcheck
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite() //nolint:errcheck
		}
	}()
	wg.Wait()
	ch.Close()
	conn.Close()
}

// ── sessions ─────────────────────────────────────────────────────────

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

func (s *testServer) session(sc ssh.Conn, ch ssh.Channel, reqs <-chan *ssh.Request) {
	var (
		pty    bool
		signal = make(chan string, 1)
	)
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			pty = true
			req.Reply(true, nil) //nolint:errcheck

		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, msg.Command)
			s.launches = append(s.launches, "exec "+msg.Command)
			drop := s.dropAfter != "" && msg.Command == s.dropAfter
			s.mu.Unlock()
			req.Reply(true, nil) //nolint:errcheck
			if drop {
				sc.Close()
				return
			}
			go runCommand(ch, msg.Command, pty, signal)

		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			s.launch("sftp")
			req.Reply(true, nil) //nolint:errcheck
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				srv.Serve() //nolint:errcheck
				srv.Close()
				ch.Close()
			}()

		case "signal":
			var msg struct{ Signal string }
			ssh.Unmarshal(req.Payload, &msg) //nolint:errcheck
			select {
			case signal <- msg.Signal:
			default:
			}

		default:
			if req.WantReply {
				req.Reply(false, nil) //nolint:errcheck
			}
		}
	}
}

func runCommand(ch ssh.Channel, command string, pty bool, signal <-chan string) {
	name, args, _ := strings.Cut(command, " ")

	exit := func(code uint32) {
		ch.CloseWrite()                                                         //nolint:errcheck
		ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{code})) //nolint:errcheck
		ch.Close()
	}
	killed := func(sig string) {
		ch.CloseWrite() //nolint:errcheck
		ch.SendRequest("exit-signal", false, ssh.Marshal(&exitSignalMsg{Signal: sig})) //nolint:errcheck
		ch.Close()
	}

	switch name {
	case "echo":
		go io.Copy(io.Discard, ch) //nolint:errcheck
		io.WriteString(ch, args+"\n") //nolint:errcheck
		exit(0)

	case "fail":
		go io.Copy(io.Discard, ch) //nolint:errcheck
		codeStr, msg, _ := strings.Cut(args, " ")
		code, _ := strconv.Atoi(codeStr)
		io.WriteString(ch.Stderr(), msg+"\n") //nolint:errcheck
		exit(uint32(code))

	case "binary":
		go io.Copy(io.Discard, ch) //nolint:errcheck
		ch.Write([]byte{0xff, 0xfe, 0x00, 0x80}) //nolint:errcheck
		exit(0)

	case "cat":
		io.Copy(ch, ch) //nolint:errcheck
		exit(0)

	case "sleep":
		interrupt := make(chan struct{})
		go func() {
			buf := make([]byte, 64)
			for {
				n, err := ch.Read(buf)
				if pty && strings.IndexByte(string(buf[:n]), 0x03) >= 0 {
					close(interrupt)
					return
				}
				if err != nil {
					return
				}
			}
		}()
		select {
		case sig := <-signal:
			killed(sig)
		case <-interrupt:
			killed("INT")
		case <-time.After(10 * time.Second):
			exit(0)
		}

	default:
		go io.Copy(io.Discard, ch) //nolint:errcheck
		io.WriteString(ch.Stderr(), name+": command not found\n") //nolint:errcheck
		exit(127)
	}
}
