// sshmux - remote commands, SFTP and TCP tunnels over one shared SSH connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sshmux/cmd"
	smerr "sshmux/internal/errors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := cmd.Execute(ctx, os.Args[1:])
	if err == nil {
		return
	}
	// A plain remote exit status was already reported through the
	// command's own stderr.
	if ee, ok := smerr.IsExit(err); !ok || ee.Signal != "" {
		fmt.Fprintf(os.Stderr, "sshmux: %v\n", err)
	}
	cancel()
	os.Exit(cmd.ExitCode(err))
}
