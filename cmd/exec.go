package cmd

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	smerr "sshmux/internal/errors"
	"sshmux/tunnel"
	"sshmux/util"
)

// outcome carries one callback result back to the command goroutine.
type outcome[T any] struct {
	v   T
	err error
}

// await queues a request through start and blocks until its callback
// fires or ctx ends. Callbacks fire exactly once, so a one-slot buffer
// never blocks the manager.
func await[T any](ctx context.Context, start func(done func(T, error)) error) (T, error) {
	ch := make(chan outcome[T], 1)
	var zero T
	if err := start(func(v T, err error) { ch <- outcome[T]{v, err} }); err != nil {
		return zero, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// ExitCode maps an Execute error to a process exit status. Remote exit
// statuses pass through; everything else is 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := smerr.IsExit(err); ok && ee.Code > 0 {
		return ee.Code
	}
	return 1
}

func newExecCmd(a *app) *cobra.Command {
	var (
		opts   tunnel.ExecOptions
		stream bool
	)
	cmd := &cobra.Command{
		Use:   "exec [flags] -- COMMAND [ARG...]",
		Short: "Run a remote command",
		Long: `Run a remote command and print its output.

By default output is buffered until the command exits. --stream (implied
by --tty) connects local stdin and stdout to the running command.`,
		Example: `  sshmux -H deploy@web1 exec -- uname -a
  sshmux -H deploy@web1 exec --timeout 30s -- ./migrate.sh
  sshmux -H deploy@web1 exec -t -- top`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			if stream || opts.PTY {
				return a.spawn(cmd.Context(), command, opts)
			}
			return a.execute(cmd.Context(), command, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "Interrupt the command after this long")
	cmd.Flags().BoolVarP(&opts.PTY, "tty", "t", false, "Allocate a pseudo-terminal")
	cmd.Flags().BoolVar(&stream, "stream", false, "Stream stdin and stdout instead of buffering")
	return cmd
}

func (a *app) execute(ctx context.Context, command string, opts tunnel.ExecOptions) error {
	type output struct{ stdout, stderr tunnel.Payload }
	res, err := await(ctx, func(done func(output, error)) error {
		return a.mgr.Execute(command, opts, func(stdout, stderr tunnel.Payload, err error) {
			done(output{stdout, stderr}, err)
		})
	})
	a.out.Write(res.stdout.Data)    //nolint:errcheck
	a.errOut.Write(res.stderr.Data) //nolint:errcheck
	return err
}

func (a *app) spawn(ctx context.Context, command string, opts tunnel.ExecOptions) error {
	s, err := await(ctx, func(done func(*tunnel.Stream, error)) error {
		return a.mgr.Spawn(command, opts, done)
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.PTY {
		if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			old, err := term.MakeRaw(int(f.Fd()))
			if err != nil {
				s.Kill()
				return err
			}
			defer term.Restore(int(f.Fd()), old) //nolint:errcheck
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Kill()
		case <-s.Done():
		}
	}()
	go func() {
		io.Copy(s, a.in) //nolint:errcheck
		s.CloseWrite()   //nolint:errcheck
	}()
	if stderr := s.Stderr(); stderr != nil {
		go io.Copy(a.errOut, stderr) //nolint:errcheck
	}
	if _, err := io.Copy(a.out, s); !util.IsHarmless(err) {
		a.log.Debug("exec %q: %v", command, err)
	}
	return s.Wait()
}
