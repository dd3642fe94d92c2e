package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sshmux/config"
	smerr "sshmux/internal/errors"
	"sshmux/internal/retry"
	"sshmux/internal/transport"
	"sshmux/tunnel"
	"sshmux/util"
)

func parseForwards(specs []string) ([]config.Forward, error) {
	out := make([]config.Forward, 0, len(specs))
	for _, s := range specs {
		f, err := config.ParseForward(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ── forward (local → remote) ─────────────────────────────────────────

// tlsClientFlags configures TLS on outbound tunnel streams.
type tlsClientFlags struct {
	enabled  bool
	insecure bool
	caFile   string
}

func (f *tlsClientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.enabled, "tls", false, "Speak TLS to the target over the tunnel")
	cmd.Flags().BoolVar(&f.insecure, "tls-insecure", false, "Skip target certificate verification")
	cmd.Flags().StringVar(&f.caFile, "tls-ca", "", "PEM bundle used to verify the target")
}

// config returns the client TLS settings for host, or nil when TLS is off.
func (f *tlsClientFlags) config(host string) (*tls.Config, error) {
	if !f.enabled {
		return nil, nil
	}
	cfg := &tls.Config{ServerName: host, InsecureSkipVerify: f.insecure} //nolint:gosec // opt-in flag
	if f.caFile != "" {
		pem, err := os.ReadFile(f.caFile)
		if err != nil {
			return nil, fmt.Errorf("tls-ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls-ca %s: no certificates found", f.caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func newForwardCmd(a *app) *cobra.Command {
	var tlsFlags tlsClientFlags
	cmd := &cobra.Command{
		Use:   "forward [bind_address:]port:host:hostport...",
		Short: "Forward local ports to hosts reachable from the server",
		Long: `Listen locally and carry every accepted connection to host:hostport
through the SSH server, like ssh -L. bind_address defaults to 127.0.0.1
and port 0 picks a free port.`,
		Example: `  sshmux -H ops@bastion forward 5432:db.internal:5432
  sshmux -H ops@bastion forward --tls 0.0.0.0:8443:api.internal:443`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseForwards(args)
			if err != nil {
				return err
			}
			listeners := make([]net.Listener, 0, len(specs))
			closeAll := func() {
				for _, ln := range listeners {
					ln.Close()
				}
			}
			for _, f := range specs {
				bind := f.BindAddr
				if bind == "" {
					bind = config.DefaultLocalAddress
				}
				ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(f.BindPort)))
				if err != nil {
					closeAll()
					return fmt.Errorf("forward %s: %w", f, err)
				}
				listeners = append(listeners, ln)
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				<-ctx.Done()
				closeAll()
				return nil
			})
			for i, f := range specs {
				tlsCfg, err := tlsFlags.config(f.Host)
				if err != nil {
					closeAll()
					return err
				}
				ln := listeners[i]
				a.log.Info("forwarding %s -> %s via %s", ln.Addr(),
					util.FormatAddr(f.Host, f.HostPort), a.cfg.Host)
				g.Go(func() error { return a.serveForward(ctx, ln, f, tlsCfg) })
			}
			return g.Wait()
		},
	}
	tlsFlags.bind(cmd)
	return cmd
}

func (a *app) serveForward(ctx context.Context, ln net.Listener, f config.Forward, tlsCfg *tls.Config) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("forward %s: %w", f, err)
		}
		go func() {
			defer conn.Close()
			rwc, err := a.mgr.OpenTunnel(ctx, f.Host, f.HostPort, tlsCfg)
			if err != nil {
				a.log.Warn("forward %s from %s: %v", f, conn.RemoteAddr(), err)
				return
			}
			up, down := util.Bridge(ctx, conn, rwc)
			a.log.Verbose("forward %s from %s done (up=%s down=%s)", f, conn.RemoteAddr(),
				sizestr.ToString(up), sizestr.ToString(down))
		}()
	}
}

// ── listen (remote → local) ──────────────────────────────────────────

// tlsServerFlags configures TLS on inbound tunnel streams.
type tlsServerFlags struct {
	certFile string
	keyFile  string
}

func (f *tlsServerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.certFile, "tls-cert", "", "Terminate TLS on inbound streams with this certificate")
	cmd.Flags().StringVar(&f.keyFile, "tls-key", "", "Private key for --tls-cert")
}

func (f *tlsServerFlags) config() (*tls.Config, error) {
	if f.certFile == "" && f.keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(f.certFile, f.keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls-cert: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func newListenCmd(a *app) *cobra.Command {
	var tlsFlags tlsServerFlags
	cmd := &cobra.Command{
		Use:   "listen [bind_address:]port:host:hostport...",
		Short: "Have the server listen and forward connections back to local hosts",
		Long: `Ask the SSH server to listen on [bind_address:]port and carry every
connection it accepts to host:hostport on this side, like ssh -R. Port 0
lets the server choose. Registrations lost with the connection are
renewed with exponential backoff.`,
		Example: `  sshmux -H ops@edge listen 8080:localhost:3000`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseForwards(args)
			if err != nil {
				return err
			}
			tlsCfg, err := tlsFlags.config()
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			for _, f := range specs {
				g.Go(func() error { return a.serveListen(ctx, f, tlsCfg) })
			}
			return g.Wait()
		},
	}
	tlsFlags.bind(cmd)
	return cmd
}

// reconnectable reports whether a lost registration is worth renewing.
// Credentials and host keys will not fix themselves.
func reconnectable(err error) bool {
	return smerr.IsConnection(err) &&
		!errors.Is(err, smerr.ErrAuthFailed) &&
		!errors.Is(err, smerr.ErrHostKeyMismatch) &&
		!errors.Is(err, smerr.ErrConnectionClosed)
}

func (a *app) serveListen(ctx context.Context, f config.Forward, tlsCfg *tls.Config) error {
	target := util.FormatAddr(f.Host, f.HostPort)
	local := &transport.TCPDialer{Timeout: a.cfg.ConnectTimeout}
	lost := make(chan error, 1)

	accept := func(info tunnel.IncomingInfo, accept func() *tunnel.Stream, reject func()) {
		conn, err := local.Dial(ctx, "tcp", target)
		if err != nil {
			a.log.Warn("listen %s: %s from %s: %v", f, target,
				util.FormatAddr(info.OriginHost, info.OriginPort), err)
			reject()
			return
		}
		s := accept()
		if s == nil {
			conn.Close()
			return
		}
		go func() {
			up, down := util.Bridge(ctx, conn, s)
			a.log.Verbose("listen %s from %s done (up=%s down=%s)", f,
				util.FormatAddr(info.OriginHost, info.OriginPort),
				sizestr.ToString(up), sizestr.ToString(down))
		}()
	}

	register := func(int) error {
		ready := make(chan error, 1)
		err := a.mgr.TunnelListenIn(tunnel.ListenOptions{
			Host: f.BindAddr,
			Port: f.BindPort,
			TLS:  tlsCfg,
			Retry: func(err error) {
				select {
				case lost <- err:
				default:
				}
			},
			Ready: func(port int, err error) {
				if err == nil {
					a.log.Info("server listening on %s -> %s",
						util.FormatAddr(f.BindAddr, port), target)
				}
				ready <- err
			},
		}, accept)
		if err != nil {
			return retry.Permanent(err)
		}
		select {
		case err := <-ready:
			return err
		case <-ctx.Done():
			return retry.Permanent(ctx.Err())
		}
	}

	bo := retry.ReconnectBackoff()
	bo.Retryable = reconnectable
	bo.OnRetry = func(attempt int, wait time.Duration, err error) {
		a.log.Warn("listen %s: attempt %d failed: %v (retrying in %v)",
			f, attempt, err, wait.Truncate(time.Millisecond))
	}
	for {
		if err := bo.Do(ctx, register); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listen %s: %w", f, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			a.log.Warn("listen %s: registration lost (%v), registering again", f, err)
		}
	}
}
