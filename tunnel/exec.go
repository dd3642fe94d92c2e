package tunnel

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	smerr "sshmux/internal/errors"
)

// openSession starts cmd on a new session channel and tags the stream.
func (m *Manager) openSession(gen uint64, client *ssh.Client, cmd string, opts ExecOptions) (*Stream, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, m.channelErr(client, "session", err)
	}
	fail := func(op string, err error) (*Stream, error) {
		sess.Close()
		return nil, m.channelErr(client, op, err)
	}

	if opts.PTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
		if err := sess.RequestPty("xterm", 24, 80, modes); err != nil {
			return fail("pty", err)
		}
	}

	s := newStream(KindExec, m.log)
	s.sess = sess
	s.pty = opts.PTY
	s.remoteHost, s.remotePort = m.cfg.Host, m.cfg.Port
	if s.stdin, err = sess.StdinPipe(); err != nil {
		return fail("session", err)
	}
	if s.stdout, err = sess.StdoutPipe(); err != nil {
		return fail("session", err)
	}
	if s.stderr, err = sess.StderrPipe(); err != nil {
		return fail("session", err)
	}
	if err := sess.Start(cmd); err != nil {
		return fail("exec", err)
	}
	if err := m.track(gen, s); err != nil {
		sess.Close()
		return nil, err
	}
	m.log.Verbose("exec stream %d: %s", s.id, cmd)
	return s, nil
}

// armKill interrupts s once after d. The returned func disarms it.
func armKill(s *Stream, d time.Duration) func() {
	if d <= 0 {
		return func() {}
	}
	t := time.AfterFunc(d, s.Kill)
	return func() { t.Stop() }
}

func (m *Manager) startExec(gen uint64, client *ssh.Client, r *ExecRequest) {
	s, err := m.openSession(gen, client, r.Command, r.Options)
	if err != nil {
		m.complete(r, err)
		return
	}

	go func() {
		disarm := armKill(s, r.Options.Timeout)

		var stdout, stderr bytes.Buffer
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			io.Copy(&stdout, s.stdout) //nolint:errcheck
		}()
		go func() {
			defer wg.Done()
			io.Copy(&stderr, s.stderr) //nolint:errcheck
		}()
		wg.Wait()
		werr := s.sess.Wait()
		disarm()

		err := m.exitError(client, r.Command, werr, stderr.Bytes(), s)
		s.setExit(err)
		r.finish(newPayload(stdout.Bytes()), newPayload(stderr.Bytes()), err)
		m.settled(r, err)
		s.Close()
	}()
}

func (m *Manager) startSpawn(gen uint64, client *ssh.Client, r *SpawnRequest) {
	s, err := m.openSession(gen, client, r.Command, r.Options)
	if err != nil {
		m.complete(r, err)
		return
	}

	disarm := armKill(s, r.Options.Timeout)
	go func() {
		werr := s.sess.Wait()
		disarm()
		s.setExit(m.exitError(client, r.Command, werr, nil, s))
		// Output already received stays readable after close.
		s.Close()
	}()
	go func() {
		r.finish(s, nil)
		m.settled(r, nil)
	}()
}

// exitError maps a session result onto the exit error taxonomy. The
// message is the command's stderr when it exited with a status and
// wrote any, or "Command failed: <cmd>" otherwise. A channel that
// closed without a status on a dead transport is reported as a lost
// connection.
func (m *Manager) exitError(client *ssh.Client, cmd string, err error, stderr []byte, s *Stream) error {
	if err == nil {
		return nil
	}
	if cause := s.aborted(); cause != nil {
		return cause
	}

	failed := "Command failed: " + cmd
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		x := &smerr.ExitError{Code: ee.ExitStatus(), Signal: ee.Signal(), Message: failed}
		if msg := strings.TrimRight(string(stderr), "\r\n"); x.Signal == "" && msg != "" {
			x.Message = msg
		}
		return x
	}
	var me *ssh.ExitMissingError
	if errors.As(err, &me) {
		if transportDown(client) {
			return m.sshErr("connection", smerr.ErrConnectionLost)
		}
		return &smerr.ExitError{Code: -1, Message: failed}
	}
	return m.sshErr("exec", err)
}
