package tunnel

import (
	"crypto/tls"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	smerr "sshmux/internal/errors"
	"sshmux/util"
)

// Stream is one channel multiplexed over a Manager's transport: a remote
// command, an SFTP session, or a forwarded TCP connection.
//
// For exec streams Read returns the command's stdout and Write feeds its
// stdin. For tunnel streams Read and Write carry the forwarded bytes,
// through the TLS layer when one was requested. SFTP streams carry no
// caller-visible data.
//
// The Manager owns every Stream. Close releases the session id and may
// let the transport go idle. A tunnel stream closes itself when a Read
// or Write finds its channel ended.
type Stream struct {
	id   uint32
	kind Kind

	remoteHost string
	remotePort int
	localHost  string
	localPort  int
	listenKey  string

	rw  io.ReadWriteCloser // tunnel data path
	raw io.Closer
	tls *tls.Conn

	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	pty    bool

	sftp *sftp.Client

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Stream)

	killOnce sync.Once
	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
	abortErr atomic.Pointer[error] // why a transport teardown closed the stream

	in, out atomic.Int64
	log     *util.Logger
}

func newStream(kind Kind, log *util.Logger) *Stream {
	return &Stream{kind: kind, done: make(chan struct{}), exited: make(chan struct{}), log: log}
}

// ID returns the session id. It is unique among open streams.
func (s *Stream) ID() uint32 { return s.id }

// Kind reports what the stream carries.
func (s *Stream) Kind() Kind { return s.kind }

// Remote returns the far endpoint: the dialled destination for
// outbound tunnels, the originator for inbound ones.
func (s *Stream) Remote() (string, int) { return s.remoteHost, s.remotePort }

// Local returns the near endpoint. For inbound tunnels this is the
// listening registration the connection arrived on.
func (s *Stream) Local() (string, int) { return s.localHost, s.localPort }

// TLS returns the TLS layer wrapping the stream, or nil.
func (s *Stream) TLS() *tls.Conn { return s.tls }

// Done is closed once the stream has been closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// BytesIn and BytesOut count bytes read from and written to the stream.
func (s *Stream) BytesIn() int64  { return s.in.Load() }
func (s *Stream) BytesOut() int64 { return s.out.Load() }

func (s *Stream) Read(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	switch {
	case s.kind == KindExec:
		n, err = s.stdout.Read(p)
	case s.rw != nil:
		n, err = s.rw.Read(p)
	default:
		return 0, smerr.ErrStreamClose
	}
	s.in.Add(int64(n))
	if err != nil {
		s.hangup()
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	switch {
	case s.kind == KindExec:
		n, err = s.stdin.Write(p)
	case s.rw != nil:
		n, err = s.rw.Write(p)
	default:
		return 0, smerr.ErrStreamClose
	}
	s.out.Add(int64(n))
	if err != nil {
		s.hangup()
	}
	return n, err
}

// hangup tears a tunnel down once its channel has ended or failed, so
// a peer that goes away releases the session id and lets the transport
// go idle without waiting for the consumer to call Close.
func (s *Stream) hangup() {
	if s.kind.IsTunnel() {
		s.Close() //nolint:errcheck
	}
}

// CloseWrite sends EOF to the remote side while leaving the read half
// open.
func (s *Stream) CloseWrite() error {
	if s.kind == KindExec {
		return s.stdin.Close()
	}
	if cw, ok := s.rw.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Stderr returns the command's standard error. Nil for non-exec streams.
func (s *Stream) Stderr() io.Reader { return s.stderr }

// Wait blocks until a spawned command exits and returns its exit error,
// nil on a zero exit. Non-exec streams return once closed.
func (s *Stream) Wait() error {
	if s.kind != KindExec {
		<-s.done
		return nil
	}
	<-s.exited
	return s.exitErr
}

// Kill interrupts a running command once: with a pseudo-terminal it
// writes the interrupt byte 0x03 to stdin, otherwise it sends SIGTERM.
// It does nothing once the command has exited, or for non-exec streams.
func (s *Stream) Kill() {
	if s.kind != KindExec {
		return
	}
	s.killOnce.Do(func() {
		select {
		case <-s.exited:
			return
		case <-s.done:
			return
		default:
		}
		if s.pty {
			s.stdin.Write([]byte{0x03}) //nolint:errcheck
			return
		}
		s.sess.Signal(ssh.SIGTERM) //nolint:errcheck
	})
}

func (s *Stream) setExit(err error) {
	s.exitOnce.Do(func() {
		s.exitErr = err
		close(s.exited)
	})
}

// Close tears the stream down: the TLS layer first, then the channel,
// then the registry entry. Safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.tls != nil {
			s.tls.Close() //nolint:errcheck
		}
		if s.raw != nil {
			s.raw.Close() //nolint:errcheck
		}
		if s.sess != nil {
			s.sess.Close() //nolint:errcheck
		}
		if s.sftp != nil {
			s.sftp.Close() //nolint:errcheck
		}
		close(s.done)
		if s.kind.IsTunnel() && s.log != nil {
			s.log.Verbose("%s stream %d to %s closed (in=%s out=%s)", s.kind, s.id,
				util.FormatAddr(s.remoteHost, s.remotePort),
				sizestr.ToString(s.in.Load()), sizestr.ToString(s.out.Load()))
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return nil
}

// abort closes the stream on behalf of a transport teardown, recording
// why so in-flight work can report it instead of a channel error.
func (s *Stream) abort(err error) {
	s.abortErr.CompareAndSwap(nil, &err)
	s.Close() //nolint:errcheck
}

// aborted returns the teardown cause, or nil.
func (s *Stream) aborted() error {
	if p := s.abortErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
