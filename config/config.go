// Package config defines the runtime configuration for sshmux and the
// parsers for connection targets and forward specifications.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	smerr "sshmux/internal/errors"
	"sshmux/tunnel"
)

// Config holds every tuneable for one sshmux invocation.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	User string `mapstructure:"user"`

	// ── Authentication ───────────────────────────────────────────────
	Password   string `mapstructure:"password"`
	Key        string `mapstructure:"key"`
	Passphrase string `mapstructure:"passphrase"`
	Agent      bool   `mapstructure:"agent"`

	// ── Host keys ────────────────────────────────────────────────────
	StrictHostKey bool   `mapstructure:"strict_host_key"`
	KnownHosts    string `mapstructure:"known_hosts"`

	// ── Timing ───────────────────────────────────────────────────────
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepAliveCountMax int           `mapstructure:"keepalive_count_max"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`

	// ── Output ───────────────────────────────────────────────────────
	LogFormat   string `mapstructure:"log_format"`
	Verbose     int    `mapstructure:"verbose"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Tunnel maps c onto the connection parameters of a tunnel.Manager.
func (c *Config) Tunnel() tunnel.Config {
	return tunnel.Config{
		Host:              c.Host,
		Port:              c.Port,
		User:              c.User,
		Password:          c.Password,
		KeyPath:           c.Key,
		Passphrase:        c.Passphrase,
		UseAgent:          c.Agent,
		StrictHostKey:     c.StrictHostKey,
		KnownHosts:        c.KnownHosts,
		KeepAliveInterval: c.KeepAliveInterval,
		KeepAliveCountMax: c.KeepAliveCountMax,
		ReadyTimeout:      c.ReadyTimeout,
		ConnectTimeout:    c.ConnectTimeout,
	}
}

// ApplyTarget overlays the parts present in a [user@]host[:port] target.
func (c *Config) ApplyTarget(spec string) error {
	user, host, port, err := ParseTarget(spec)
	if err != nil {
		return err
	}
	if user != "" {
		c.User = user
	}
	c.Host = host
	if port != 0 {
		c.Port = port
	}
	return nil
}

// ── Target parser ────────────────────────────────────────────────────

// targetRe matches [user@]host[:port]; IPv6 hosts must be bracketed.
var targetRe = regexp.MustCompile(`^(?:([^@]+)@)?(\[[^\]]+\]|[^:@\[\]]+)(?::(\d+))?$`)

// ParseTarget extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222". Missing parts come back empty or
// zero so they can fall through to configured values.
func ParseTarget(spec string) (user, host string, port int, err error) {
	m := targetRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid target %q: expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = strings.TrimSuffix(strings.TrimPrefix(m[2], "["), "]")
	if host == "" {
		return "", "", 0, fmt.Errorf("invalid target %q: host is required", spec)
	}
	if m[3] != "" {
		port, err = ParsePort(m[3])
		if err != nil || port == 0 {
			return "", "", 0, fmt.Errorf("invalid target port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ParsePort accepts a decimal port in 0-65535. Zero asks for any free port.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 0-65535", port)
	}
	return port, nil
}

// ── Forward-spec parser ──────────────────────────────────────────────

// Forward is one [bind_address:]port:host:hostport specification, the
// same shape ssh uses for -L and -R.
type Forward struct {
	BindAddr string
	BindPort int
	Host     string
	HostPort int
}

// String renders f back into its specification form.
func (f Forward) String() string {
	bind := strconv.Itoa(f.BindPort)
	if f.BindAddr != "" {
		bind = joinHost(f.BindAddr) + ":" + bind
	}
	return bind + ":" + joinHost(f.Host) + ":" + strconv.Itoa(f.HostPort)
}

// ParseForward parses [bind_address:]port:host:hostport. Bracketed IPv6
// addresses are accepted in either host position.
func ParseForward(spec string) (Forward, error) {
	parts, err := splitForward(spec)
	if err != nil {
		return Forward{}, err
	}
	var f Forward
	switch len(parts) {
	case 3:
	case 4:
		f.BindAddr, parts = parts[0], parts[1:]
	default:
		return Forward{}, fmt.Errorf("invalid forward %q: expected [bind_address:]port:host:hostport", spec)
	}
	if f.BindPort, err = ParsePort(parts[0]); err != nil {
		return Forward{}, fmt.Errorf("invalid forward %q: %w", spec, err)
	}
	f.Host = parts[1]
	if f.Host == "" {
		return Forward{}, fmt.Errorf("invalid forward %q: host is required", spec)
	}
	if f.HostPort, err = ParsePort(parts[2]); err != nil || f.HostPort == 0 {
		return Forward{}, fmt.Errorf("invalid forward %q: bad host port %q", spec, parts[2])
	}
	return f, nil
}

// splitForward splits on colons that are not inside brackets.
func splitForward(spec string) ([]string, error) {
	var (
		parts []string
		cur   strings.Builder
		depth int
	)
	for _, r := range spec {
		switch {
		case r == '[':
			depth++
		case r == ']':
			if depth == 0 {
				return nil, fmt.Errorf("invalid forward %q: unbalanced brackets", spec)
			}
			depth--
		case r == ':' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("invalid forward %q: unbalanced brackets", spec)
	}
	return append(parts, cur.String()), nil
}

func joinHost(h string) string {
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &smerr.ConfigError{
			Field:   "host",
			Message: "is required",
			Hint:    "pass --host user@host or set SSHMUX_HOST",
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &smerr.ConfigError{Field: "port", Value: c.Port, Message: "out of range 1-65535"}
	}
	if c.User == "" {
		return &smerr.ConfigError{
			Field:   "user",
			Message: "is required",
			Hint:    "use --host user@host, --user or SSHMUX_USER",
		}
	}
	if c.Key != "" {
		if _, err := os.Stat(c.Key); err != nil {
			return &smerr.ConfigError{
				Field:   "key",
				Value:   c.Key,
				Message: "private key is not readable",
				Hint:    "check the path or drop --key to try the agent and ~/.ssh defaults",
			}
		}
	}
	if c.StrictHostKey && c.KnownHosts != "" {
		if _, err := os.Stat(c.KnownHosts); err != nil {
			return &smerr.ConfigError{
				Field:   "known_hosts",
				Value:   c.KnownHosts,
				Message: "file not found",
				Hint:    "strict host key checking needs an existing known_hosts file",
			}
		}
	}
	if c.KeepAliveCountMax < 0 {
		return &smerr.ConfigError{Field: "keepalive_count_max", Value: c.KeepAliveCountMax, Message: "must not be negative"}
	}
	if c.ReadyTimeout < 0 {
		return &smerr.ConfigError{Field: "ready_timeout", Value: c.ReadyTimeout, Message: "must not be negative"}
	}
	if c.ConnectTimeout < 0 {
		return &smerr.ConfigError{Field: "connect_timeout", Value: c.ConnectTimeout, Message: "must not be negative"}
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return &smerr.ConfigError{
			Field:   "log_format",
			Value:   c.LogFormat,
			Message: "unknown format",
			Hint:    "use console or json",
		}
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return &smerr.ConfigError{
				Field:   "metrics_addr",
				Value:   c.MetricsAddr,
				Message: "not a host:port address",
				Hint:    "for example 127.0.0.1:9100 or :9100",
			}
		}
	}
	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
