package cmd

import (
	"context"
	"log"
	"net"
	"strings"
	"time"

	"github.com/armon/go-socks5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sshmux/internal/retry"
	"sshmux/internal/transport"
	"sshmux/util"
)

// remoteResolver leaves names unresolved so the SSH server looks them
// up, which is what makes internal-only hostnames reachable.
type remoteResolver struct{}

func (remoteResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// logWriter feeds the proxy's standard-library logger into ours.
type logWriter struct{ l *util.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Verbose("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func newSocksCmd(a *app) *cobra.Command {
	var (
		addr        string
		maxFailures int
		cooldown    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "socks",
		Short: "Run a SOCKS5 proxy whose connections leave from the server",
		Long: `Serve SOCKS5 locally and open every requested connection through the
SSH server, like ssh -D. Hostnames are resolved on the server side.

After --max-failures consecutive connection failures the proxy rejects
requests for --cooldown instead of reconnecting on every request.`,
		Example: `  sshmux -H ops@bastion socks --listen 127.0.0.1:1080`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := a.log.With("component", "socks")
			breaker := retry.NewBreaker(&retry.BreakerConfig{
				MaxFailures: maxFailures,
				Cooldown:    cooldown,
				Trips:       transport.TransportFailure,
				OnStateChange: func(from, to retry.State) {
					logger.Warn("ssh circuit %s -> %s", from, to)
				},
			})
			dialer := transport.NewSSHDialer(a.mgr, logger).WithBreaker(breaker)

			srv, err := socks5.New(&socks5.Config{
				Dial:     dialer.Dial,
				Resolver: remoteResolver{},
				Logger:   log.New(logWriter{logger}, "", 0),
			})
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			logger.Info("SOCKS5 proxy on %s via %s", ln.Addr(), a.cfg.Host)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				<-ctx.Done()
				ln.Close()
				return nil
			})
			g.Go(func() error {
				if err := srv.Serve(ln); ctx.Err() == nil {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "127.0.0.1:1080", "Local SOCKS5 address")
	cmd.Flags().IntVar(&maxFailures, "max-failures", 3, "Connection failures before the proxy backs off")
	cmd.Flags().DurationVar(&cooldown, "cooldown", 10*time.Second, "How long the proxy backs off")
	return cmd
}
