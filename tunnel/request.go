package tunnel

import (
	"crypto/tls"
	"os"
	"sync"
	"time"

	smerr "sshmux/internal/errors"
)

// Request is one unit of work submitted to Manager.Open. The set of
// implementations is closed: ExecRequest, SpawnRequest, SFTPReadRequest,
// SFTPWriteRequest, SFTPDeleteRequest, SFTPStatRequest,
// SFTPDirEnsureRequest, SFTPPwdRequest, TunnelOutRequest and
// TunnelInRequest.
//
// Every request's terminal callback runs exactly once, possibly with an
// error. Callbacks run on goroutines owned by the Manager, never with
// its lock held, and may call back into it.
type Request interface {
	// Kind names the request for logs and metrics.
	Kind() string

	validate() error
	fail(err error)
}

// once is the single-use guard behind every terminal callback.
type once struct{ o sync.Once }

func (g *once) do(f func()) { g.o.Do(f) }

// chunked guards callbacks that fire once per chunk and then exactly
// once more terminally.
type chunked struct {
	mu   sync.Mutex
	done bool
}

// deliver runs f unless a terminal call already happened. last marks
// this call terminal.
func (c *chunked) deliver(last bool, f func()) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	if last {
		c.done = true
	}
	c.mu.Unlock()
	f()
}

// ── Exec ─────────────────────────────────────────────────────────────

// ExecOptions tunes remote command execution.
type ExecOptions struct {
	// Timeout, when positive, interrupts the command once after it
	// elapses (SIGTERM, or 0x03 on stdin with PTY).
	Timeout time.Duration
	PTY     bool
}

// ExecRequest runs Command and buffers its output until it exits.
type ExecRequest struct {
	Command string
	Options ExecOptions
	Done    func(stdout, stderr Payload, err error)
	g       once
}

func (r *ExecRequest) Kind() string    { return "exec" }
func (r *ExecRequest) validate() error { return nil }
func (r *ExecRequest) fail(err error)  { r.finish(Payload{}, Payload{}, err) }
func (r *ExecRequest) finish(stdout, stderr Payload, err error) {
	r.g.do(func() {
		if r.Done != nil {
			r.Done(stdout, stderr, err)
		}
	})
}

// SpawnRequest starts Command and hands back the live Stream.
type SpawnRequest struct {
	Command string
	Options ExecOptions
	Done    func(s *Stream, err error)
	g       once
}

func (r *SpawnRequest) Kind() string    { return "spawn" }
func (r *SpawnRequest) validate() error { return nil }
func (r *SpawnRequest) fail(err error)  { r.finish(nil, err) }
func (r *SpawnRequest) finish(s *Stream, err error) {
	r.g.do(func() {
		if r.Done != nil {
			r.Done(s, err)
		}
	})
}

// ── SFTP ─────────────────────────────────────────────────────────────

// ReadChunk is one slice of a file delivered by SFTPReadRequest.
type ReadChunk struct {
	Data      []byte
	Position  int64 // offset of Data in the file
	BytesRead int64 // cumulative, including Data
	FileSize  int64
}

// Last reports whether this is the final chunk of the file.
func (c ReadChunk) Last() bool { return c.BytesRead >= c.FileSize }

// SFTPReadRequest streams a remote file in ChunkSize pieces. Chunk runs
// once per chunk; the call carrying the last chunk or an error is
// terminal.
type SFTPReadRequest struct {
	Path  string
	Chunk func(c ReadChunk, err error)
	c     chunked
}

func (r *SFTPReadRequest) Kind() string    { return "sftp-read" }
func (r *SFTPReadRequest) validate() error { return nil }
func (r *SFTPReadRequest) fail(err error)  { r.deliver(ReadChunk{}, err, true) }
func (r *SFTPReadRequest) deliver(c ReadChunk, err error, last bool) {
	r.c.deliver(last || err != nil, func() {
		if r.Chunk != nil {
			r.Chunk(c, err)
		}
	})
}

// WriteChunk reports one written slice of an SFTPWriteRequest.
type WriteChunk struct {
	Data     []byte
	Position int64 // file offset Data was written at
	FileSize int64 // file size after this chunk
	Finished bool
}

// WriteOptions controls SFTPWriteRequest.
type WriteOptions struct {
	// Append keeps existing content and writes after it; otherwise the
	// file is truncated first.
	Append bool
}

// SFTPWriteRequest writes Data to a remote file in ChunkSize pieces.
// Data must be non-nil; an empty slice creates or truncates the file.
type SFTPWriteRequest struct {
	Path    string
	Data    []byte
	Options WriteOptions
	Chunk   func(c WriteChunk, err error)
	c       chunked
}

func (r *SFTPWriteRequest) Kind() string { return "sftp-write" }
func (r *SFTPWriteRequest) validate() error {
	if r.Data == nil {
		return smerr.ErrNoData
	}
	return nil
}
func (r *SFTPWriteRequest) fail(err error) { r.deliver(WriteChunk{}, err) }
func (r *SFTPWriteRequest) deliver(c WriteChunk, err error) {
	r.c.deliver(c.Finished || err != nil, func() {
		if r.Chunk != nil {
			r.Chunk(c, err)
		}
	})
}

// SFTPDeleteRequest removes a file, or an empty directory.
type SFTPDeleteRequest struct {
	Path string
	Done func(path string, err error)
	g    once
}

func (r *SFTPDeleteRequest) Kind() string    { return "sftp-delete" }
func (r *SFTPDeleteRequest) validate() error { return nil }
func (r *SFTPDeleteRequest) fail(err error)  { r.finish(err) }
func (r *SFTPDeleteRequest) finish(err error) {
	r.g.do(func() {
		if r.Done != nil {
			r.Done(r.Path, err)
		}
	})
}

// SFTPStatRequest reports the metadata of Path.
type SFTPStatRequest struct {
	Path string
	Done func(fi os.FileInfo, err error)
	g    once
}

func (r *SFTPStatRequest) Kind() string    { return "sftp-stat" }
func (r *SFTPStatRequest) validate() error { return nil }
func (r *SFTPStatRequest) fail(err error)  { r.finish(nil, err) }
func (r *SFTPStatRequest) finish(fi os.FileInfo, err error) {
	r.g.do(func() {
		if r.Done != nil {
			r.Done(fi, err)
		}
	})
}

// SFTPDirEnsureRequest checks that every component of Path is a
// directory, creating missing ones when Mkdir is set.
type SFTPDirEnsureRequest struct {
	Path  string
	Mkdir bool
	Done  func(err error)
	g     once
}

func (r *SFTPDirEnsureRequest) Kind() string    { return "sftp-dirsync" }
func (r *SFTPDirEnsureRequest) validate() error { return nil }
func (r *SFTPDirEnsureRequest) fail(err error)  { r.finish(err) }
func (r *SFTPDirEnsureRequest) finish(err error) {
	r.g.do(func() {
		if r.Done != nil {
			r.Done(err)
		}
	})
}

// SFTPPwdRequest resolves the remote working directory.
type SFTPPwdRequest struct {
	Done func(dir string, err error)
	g    once
}

func (r *SFTPPwdRequest) Kind() string    { return "sftp-pwd" }
func (r *SFTPPwdRequest) validate() error { return nil }
func (r *SFTPPwdRequest) fail(err error)  { r.finish("", err) }
func (r *SFTPPwdRequest) finish(dir string, err error) {
	r.g.do(func() {
		if r.Done != nil {
			r.Done(dir, err)
		}
	})
}

// ── Tunnels ──────────────────────────────────────────────────────────

// TunnelOutRequest opens a direct-tcpip channel to Host:Port through
// the remote side. With TLS set the stream is wrapped in a TLS client
// and Done fires after the handshake.
type TunnelOutRequest struct {
	Host string
	Port int
	TLS  *tls.Config
	Done func(s *Stream, err error)
	g    once
}

func (r *TunnelOutRequest) Kind() string { return "tcpout" }
func (r *TunnelOutRequest) validate() error {
	if r.Port <= 0 || r.Port > 65535 {
		return &smerr.ConfigError{Field: "port", Value: r.Port, Message: "out of range 1-65535"}
	}
	return nil
}
func (r *TunnelOutRequest) fail(err error) { r.finish(nil, err) }
func (r *TunnelOutRequest) finish(s *Stream, err error) {
	r.g.do(func() {
		if r.Done != nil {
			r.Done(s, err)
		}
	})
}

// IncomingInfo describes a forwarded connection offered to a listening
// registration.
type IncomingInfo struct {
	DestHost   string
	DestPort   int
	OriginHost string
	OriginPort int
}

// AcceptFunc decides the fate of one inbound connection. It must call
// exactly one of accept or reject before returning; accept returns the
// live Stream. Returning without deciding rejects the connection.
type AcceptFunc func(info IncomingInfo, accept func() *Stream, reject func())

// TunnelInRequest asks the remote side to listen on Host:Port and
// forward connections back. Port 0 lets the server choose; Done reports
// the bound port. Retry is called with the cause whenever the
// registration is lost to a connection failure, so the owner can
// register again.
type TunnelInRequest struct {
	Host   string
	Port   int
	TLS    *tls.Config // server-side parameters for accepted streams
	Accept AcceptFunc
	Retry  func(err error)
	Done   func(port int, err error)
	g      once
}

func (r *TunnelInRequest) Kind() string { return "tcpin" }
func (r *TunnelInRequest) validate() error {
	if r.Accept == nil {
		return &smerr.ConfigError{Field: "accept", Message: "an accept callback is required"}
	}
	if r.Port < 0 || r.Port > 65535 {
		return &smerr.ConfigError{Field: "port", Value: r.Port, Message: "out of range 0-65535"}
	}
	return nil
}
func (r *TunnelInRequest) fail(err error) { r.finish(0, err) }
func (r *TunnelInRequest) finish(port int, err error) {
	r.g.do(func() {
		if r.Done != nil {
			r.Done(port, err)
		}
	})
}
