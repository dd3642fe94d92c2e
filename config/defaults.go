package config

import (
	"time"

	"sshmux/tunnel"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so flags, the config file, and
// environment variables agree on them.

const (
	// DefaultPort is the standard SSH port.
	DefaultPort = tunnel.DefaultPort

	// DefaultKeepAliveInterval is how often keepalive@openssh.com is sent.
	DefaultKeepAliveInterval = tunnel.DefaultKeepAliveInterval

	// DefaultKeepAliveCountMax is how many unanswered keepalives in a row
	// mark the transport as lost.
	DefaultKeepAliveCountMax = tunnel.DefaultKeepAliveCountMax

	// DefaultReadyTimeout bounds the TCP dial plus SSH handshake.
	DefaultReadyTimeout = tunnel.DefaultReadyTimeout

	// DefaultConnectTimeout bounds tunnel dials and the idle grace period.
	DefaultConnectTimeout = tunnel.DefaultConnectTimeout

	// DefaultLogFormat is the human-readable console format.
	DefaultLogFormat = "console"

	// DefaultLocalAddress is where forward binds when no address is given.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultGracePeriod is how long commands wait for streams to drain
	// after an interrupt.
	DefaultGracePeriod = 5 * time.Second
)

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		KeepAliveInterval: DefaultKeepAliveInterval,
		KeepAliveCountMax: DefaultKeepAliveCountMax,
		ReadyTimeout:      DefaultReadyTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		LogFormat:         DefaultLogFormat,
	}
}
