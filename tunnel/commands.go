package tunnel

import (
	"crypto/tls"
	"os"
)

// Typed entry points over Open. Each returns only usage errors; all
// other outcomes arrive through the callback.

// Execute runs command and reports its buffered output once it exits.
func (m *Manager) Execute(command string, opts ExecOptions, done func(stdout, stderr Payload, err error)) error {
	return m.Open(&ExecRequest{Command: command, Options: opts, Done: done})
}

// Spawn starts command and hands back the live stream.
func (m *Manager) Spawn(command string, opts ExecOptions, done func(*Stream, error)) error {
	return m.Open(&SpawnRequest{Command: command, Options: opts, Done: done})
}

// SFTPRead streams a remote file in ChunkSize pieces.
func (m *Manager) SFTPRead(path string, chunk func(ReadChunk, error)) error {
	return m.Open(&SFTPReadRequest{Path: path, Chunk: chunk})
}

// SFTPWrite writes data to a remote file in ChunkSize pieces.
func (m *Manager) SFTPWrite(path string, data []byte, opts WriteOptions, chunk func(WriteChunk, error)) error {
	return m.Open(&SFTPWriteRequest{Path: path, Data: data, Options: opts, Chunk: chunk})
}

// SFTPDelete removes a remote file or empty directory.
func (m *Manager) SFTPDelete(path string, done func(path string, err error)) error {
	return m.Open(&SFTPDeleteRequest{Path: path, Done: done})
}

// SFTPStat reports remote file metadata.
func (m *Manager) SFTPStat(path string, done func(os.FileInfo, error)) error {
	return m.Open(&SFTPStatRequest{Path: path, Done: done})
}

// SFTPEnsureDir checks (and with mkdir, creates) every directory on path.
func (m *Manager) SFTPEnsureDir(path string, mkdir bool, done func(error)) error {
	return m.Open(&SFTPDirEnsureRequest{Path: path, Mkdir: mkdir, Done: done})
}

// SFTPPwd resolves the remote working directory.
func (m *Manager) SFTPPwd(done func(string, error)) error {
	return m.Open(&SFTPPwdRequest{Done: done})
}

// TunnelOptions names a tunnel endpoint.
type TunnelOptions struct {
	Host string
	Port int
	TLS  *tls.Config
}

// ListenOptions names a remote listening endpoint.
type ListenOptions struct {
	Host string
	Port int
	// TLS holds server parameters; accepted streams are wrapped when set.
	TLS *tls.Config
	// Retry runs when the registration is lost to a connection failure.
	Retry func(error)
	// Ready reports the bound port, or why registration failed.
	Ready func(port int, err error)
}

// TunnelOpenOut opens an outbound tunnel to opts.Host:opts.Port.
func (m *Manager) TunnelOpenOut(opts TunnelOptions, done func(*Stream, error)) error {
	return m.Open(&TunnelOutRequest{Host: opts.Host, Port: opts.Port, TLS: opts.TLS, Done: done})
}

// TunnelListenIn registers a remote listener; accept decides each
// inbound connection.
func (m *Manager) TunnelListenIn(opts ListenOptions, accept AcceptFunc) error {
	return m.Open(&TunnelInRequest{
		Host:   opts.Host,
		Port:   opts.Port,
		TLS:    opts.TLS,
		Accept: accept,
		Retry:  opts.Retry,
		Done:   opts.Ready,
	})
}
