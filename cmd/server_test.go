package cmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"sshmux/util"
)

// sshServer is a small in-process SSH server: password auth for
// test/secret, a handful of exec commands, the sftp subsystem, and both
// directions of TCP forwarding.
type sshServer struct {
	ln   net.Listener
	port int
	cfg  *ssh.ServerConfig
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "test" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &sshServer{ln: ln, port: ln.Addr().(*net.TCPAddr).Port, cfg: cfg}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

// args returns the connection flags for s, followed by extra.
func (s *sshServer) args(extra ...string) []string {
	return append([]string{
		"--host", "test@127.0.0.1:" + strconv.Itoa(s.port),
		"--password", "secret",
		"--keepalive-interval=-1s",
	}, extra...)
}

func (s *sshServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(nc)
	}
}

func (s *sshServer) handle(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()

	var (
		mu        sync.Mutex
		listeners = map[uint32]net.Listener{}
	)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	go func() {
		for req := range reqs {
			var msg struct {
				Addr string
				Port uint32
			}
			switch req.Type {
			case "tcpip-forward":
				if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
					req.Reply(false, nil)
					continue
				}
				ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(msg.Port))))
				if err != nil {
					req.Reply(false, nil)
					continue
				}
				port := uint32(ln.Addr().(*net.TCPAddr).Port)
				mu.Lock()
				listeners[port] = ln
				mu.Unlock()
				var reply []byte
				if msg.Port == 0 {
					reply = ssh.Marshal(struct{ Port uint32 }{port})
				}
				req.Reply(true, reply)
				go acceptForwarded(conn, ln, msg.Addr, port)
			case "cancel-tcpip-forward":
				ssh.Unmarshal(req.Payload, &msg) //nolint:errcheck
				mu.Lock()
				if ln, ok := listeners[msg.Port]; ok {
					ln.Close()
					delete(listeners, msg.Port)
				}
				mu.Unlock()
				req.Reply(true, nil)
			default:
				if req.WantReply {
					req.Reply(false, nil)
				}
			}
		}
	}()

	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			go session(nch)
		case "direct-tcpip":
			go directTCPIP(nch)
		default:
			nch.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func acceptForwarded(conn ssh.Conn, ln net.Listener, addr string, port uint32) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		origin := c.RemoteAddr().(*net.TCPAddr)
		payload := ssh.Marshal(struct {
			Addr       string
			Port       uint32
			OriginAddr string
			OriginPort uint32
		}{addr, port, origin.IP.String(), uint32(origin.Port)})
		go func() {
			ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
			if err != nil {
				c.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			util.Bridge(context.Background(), c, ch)
		}()
	}
}

func directTCPIP(nch ssh.NewChannel) {
	var msg struct {
		Host       string
		Port       uint32
		OriginAddr string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &msg); err != nil {
		nch.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(msg.Host, strconv.Itoa(int(msg.Port))))
	if err != nil {
		nch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	util.Bridge(context.Background(), ch, target)
}

func session(nch ssh.NewChannel) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				code := runCommand(ch, msg.Command)
				ch.CloseWrite()
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)})) //nolint:errcheck
				ch.Close()
			}()
		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				if srv, err := sftp.NewServer(ch); err == nil {
					srv.Serve() //nolint:errcheck
					srv.Close()
				}
				ch.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(req.Type == "pty-req", nil)
			}
		}
	}
}

func runCommand(ch ssh.Channel, command string) int {
	name, rest, _ := strings.Cut(command, " ")
	switch name {
	case "echo":
		fmt.Fprintln(ch, rest)
		return 0
	case "cat":
		io.Copy(ch, ch) //nolint:errcheck
		return 0
	case "fail":
		code, _ := strconv.Atoi(rest)
		fmt.Fprint(ch.Stderr(), "boom")
		return code
	default:
		fmt.Fprintf(ch.Stderr(), "%s: command not found\n", name)
		return 127
	}
}
