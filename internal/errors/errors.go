// Package errors provides the error taxonomy shared by the sshmux
// connection manager and its adapters.
//
// Connection failures carry host context (SSHError, NetworkError),
// remote file failures surface as sentinels the SFTP engine maps onto,
// and remote command failures are reported as ExitError values.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// Connection errors.
	ErrConnectionLost   = errors.New("connection lost")
	ErrConnectionClosed = errors.New("connection closed")
	ErrOutOfSync        = errors.New("connection out of sync")
	ErrNotConnected     = errors.New("not connected")
	ErrTimeout          = errors.New("operation timed out")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrHostKeyMismatch  = errors.New("host key mismatch")

	// Protocol errors.
	ErrNoSuchFile  = errors.New("no such file")
	ErrFileExists  = errors.New("file exists")
	ErrStreamClose = errors.New("stream closed")

	// Usage errors.
	ErrNoData         = errors.New("no data buffer")
	ErrUnknownCommand = errors.New("command does not exist")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // "dial", "listen", "accept", "handshake"
	Addr      string
	Err       error
	Retryable bool
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-level failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "session", "sftp", "forward", "listen"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ExitError reports a remote command that exited non-zero or was
// terminated by a signal. Code is -1 when the remote side never sent an
// exit status.
type ExitError struct {
	Code    int
	Signal  string
	Message string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s (code %d, signal %s)", e.Message, e.Code, e.Signal)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string
	Value   interface{} // nil if missing
	Message string
	Hint    string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, detecting retryability from err.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	return classifyRetryable(err)
}

// IsConnection reports whether err belongs to the connection class,
// i.e. it tore down (or never produced) the shared transport.
func IsConnection(err error) bool {
	if err == nil {
		return false
	}
	var se *SSHError
	if errors.As(err, &se) {
		switch se.Op {
		case "handshake", "auth", "dial":
			return true
		}
	}
	var ne *NetworkError
	return errors.As(err, &ne) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrOutOfSync)
}

// IsExit reports whether err is a remote command exit error and
// returns it.
func IsExit(err error) (*ExitError, bool) {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // still the best hint net exposes
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports ───────────────────────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
