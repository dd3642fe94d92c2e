// Package cmd wires the sshmux command line onto one shared SSH
// connection manager.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"sshmux/config"
	"sshmux/internal/metrics"
	"sshmux/internal/transport"
	"sshmux/tunnel"
	"sshmux/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sshmux/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// app carries what every subcommand shares: the resolved configuration
// and the lazily connecting manager built from it.
type app struct {
	loader      *config.Loader
	configFile  string
	askPassword bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer
	// prompt reads a secret without echo.
	prompt func(label string) (string, error)

	cfg     *config.Config
	log     *util.Logger
	metrics *metrics.Collector
	mgr     *tunnel.Manager
	httpSrv *http.Server
}

// Execute parses args and runs the selected subcommand.
func Execute(ctx context.Context, args []string) error {
	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	defer a.close()
	root := newRootCmd(a)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	a := &app{loader: config.NewLoader(), in: in, out: out, errOut: errOut}
	a.prompt = a.termPrompt
	return a
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "sshmux",
		Short: "Run commands, move files and forward ports over one shared SSH connection",
		Long: `sshmux opens a single SSH connection on first use and multiplexes
remote commands, SFTP transfers and TCP tunnels over it.

The server is taken from --host, SSHMUX_HOST or the host key of the
config file, in [user@]host[:port] form.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetVersionTemplate("sshmux {{.Version}}\n")

	// ── connection ───────────────────────────────────────────────
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Config file (default: sshmux.{yaml,toml,json} in $XDG_CONFIG_HOME/sshmux, ~/.config/sshmux or .)")
	pf.StringP("host", "H", "", "SSH server as [user@]host[:port]")
	pf.IntP("port", "p", config.DefaultPort, "SSH server port")
	pf.StringP("user", "l", "", "Login user")

	// ── authentication ───────────────────────────────────────────
	pf.String("password", "", "Password (prefer --ask-password or SSHMUX_PASSWORD)")
	pf.BoolVar(&a.askPassword, "ask-password", false, "Prompt for the password")
	pf.StringP("key", "i", "", "Private key file")
	pf.String("passphrase", "", "Private key passphrase (prompted when needed on a terminal)")
	pf.BoolP("agent", "A", false, "Authenticate with ssh-agent")
	pf.Bool("strict-host-key", false, "Verify the host key against known_hosts")
	pf.String("known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")

	// ── timing ───────────────────────────────────────────────────
	pf.Duration("keepalive-interval", config.DefaultKeepAliveInterval, "Keepalive interval (negative disables)")
	pf.Int("keepalive-count-max", config.DefaultKeepAliveCountMax, "Unanswered keepalives before the connection counts as lost")
	pf.Duration("ready-timeout", config.DefaultReadyTimeout, "Dial plus handshake timeout")
	pf.Duration("connect-timeout", config.DefaultConnectTimeout, "Tunnel dial timeout and idle disconnect delay")

	// ── output ───────────────────────────────────────────────────
	pf.String("log-format", config.DefaultLogFormat, "Log format: console or json")
	pf.CountP("verbose", "v", "Increase verbosity (repeatable)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	root.AddCommand(
		newExecCmd(a),
		newGetCmd(a),
		newPutCmd(a),
		newRmCmd(a),
		newStatCmd(a),
		newMkdirCmd(a),
		newPwdCmd(a),
		newForwardCmd(a),
		newListenCmd(a),
		newSocksCmd(a),
		newVersionCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No connection settings are needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "sshmux %s\n", version)
			return nil
		},
	}
}

// ── setup / teardown ─────────────────────────────────────────────────

// setup resolves the configuration for cmd and builds the manager.
// Nothing connects until the first request is queued.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.loader.BindFlags(cmd.Flags()); err != nil {
		return err
	}
	if a.configFile != "" {
		a.loader.SetConfigFile(a.configFile)
	}
	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	if cfg.Host != "" {
		if err := cfg.ApplyTarget(cfg.Host); err != nil {
			return fmt.Errorf("host: %w", err)
		}
	}
	if a.askPassword {
		if cfg.Password, err = a.prompt(fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Host)); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := a.unlockKey(cfg); err != nil {
		return err
	}
	a.cfg = cfg

	a.log = util.NewLogger(cfg.Verbose + 1)
	a.log.SetFormat(cfg.LogFormat)
	a.log.SetOutput(a.errOut)
	if used := a.loader.ConfigFileUsed(); used != "" {
		a.log.Debug("config file %s", used)
	}

	a.metrics = metrics.New()
	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(cfg.MetricsAddr); err != nil {
			return err
		}
	}

	dialer := &transport.TCPDialer{Timeout: cfg.ReadyTimeout, KeepAlive: cfg.KeepAliveInterval}
	a.mgr = tunnel.New(cfg.Tunnel(),
		tunnel.WithLogger(a.log.With("component", "manager")),
		tunnel.WithMetrics(a.metrics),
		tunnel.WithDialer(dialer.Dial),
	)
	return nil
}

// unlockKey prompts for the passphrase of an encrypted key when none is
// configured and a terminal is attached.
func (a *app) unlockKey(cfg *config.Config) error {
	if cfg.Key == "" || cfg.Passphrase != "" {
		return nil
	}
	data, err := os.ReadFile(cfg.Key)
	if err != nil {
		return fmt.Errorf("key %s: %w", cfg.Key, err)
	}
	_, err = ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil
	}
	if cfg.Passphrase, err = a.prompt(fmt.Sprintf("Enter passphrase for key '%s': ", cfg.Key)); err != nil {
		return err
	}
	return nil
}

func (a *app) termPrompt(label string) (string, error) {
	f, ok := a.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", errors.New("cannot prompt for a secret: stdin is not a terminal")
	}
	fmt.Fprint(a.errOut, label)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(a.errOut)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(secret), nil
}

func (a *app) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	a.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go a.httpSrv.Serve(ln) //nolint:errcheck
	a.log.Info("serving metrics on http://%s/metrics", ln.Addr())
	return nil
}

// close ends the shared connection, failing anything still queued, and
// stops the metrics endpoint.
func (a *app) close() {
	if a.mgr != nil {
		a.mgr.End(true)
		a.log.Verbose("session totals: %s", a.metrics.JSON())
	}
	if a.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultGracePeriod)
		defer cancel()
		a.httpSrv.Shutdown(ctx) //nolint:errcheck
	}
}
