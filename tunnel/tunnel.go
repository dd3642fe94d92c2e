// Package tunnel multiplexes command execution, SFTP file operations and
// TCP forwarding over one lazily established SSH connection.
//
// A Manager owns the connection for one Config. Requests are queued in
// submission order, the transport is dialled on first use, and it is
// closed again once no streams or listeners have been open for
// Config.ConnectTimeout.
package tunnel

import (
	"time"

	"golang.org/x/crypto/ssh"
)

// Connection defaults.
const (
	DefaultPort              = 22
	DefaultKeepAliveInterval = 60 * time.Second
	DefaultKeepAliveCountMax = 1
	DefaultReadyTimeout      = 20 * time.Second
	DefaultConnectTimeout    = 30 * time.Second

	// ChunkSize is the SFTP read/write unit.
	ChunkSize = 16 * 1024
)

// Config holds the host and authentication material for one Manager.
type Config struct {
	Host string
	Port int
	User string

	Password   string
	PrivateKey []byte // PEM; takes precedence over KeyPath
	KeyPath    string
	Passphrase string
	UseAgent   bool

	StrictHostKey bool
	KnownHosts    string
	// HostKeyCallback overrides StrictHostKey/KnownHosts when set.
	HostKeyCallback ssh.HostKeyCallback

	KeepAliveInterval time.Duration // 0 uses the default, <0 disables
	KeepAliveCountMax int

	// ReadyTimeout bounds dial plus handshake.
	ReadyTimeout time.Duration
	// ConnectTimeout bounds direct-tcpip dials and is also the idle
	// grace period before an unused transport is closed.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveCountMax <= 0 {
		c.KeepAliveCountMax = DefaultKeepAliveCountMax
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// State is the lifecycle state of a Manager's transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDisabled is terminal: new requests are dropped silently.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// Kind classifies a Stream.
type Kind int

const (
	KindExec Kind = iota
	KindSFTP
	KindTunnelOut
	KindTunnelIn
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindSFTP:
		return "sftp"
	case KindTunnelOut:
		return "tcpout"
	case KindTunnelIn:
		return "tcpin"
	}
	return "unknown"
}

// IsTunnel reports whether k carries forwarded TCP traffic.
func (k Kind) IsTunnel() bool { return k == KindTunnelOut || k == KindTunnelIn }
