package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"

	"sshmux/tunnel"
)

// ── get ──────────────────────────────────────────────────────────────

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get REMOTE [LOCAL]",
		Short: "Download a remote file",
		Long: `Download REMOTE over SFTP. LOCAL defaults to the remote base name in
the current directory; "-" writes to stdout.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := path.Base(args[0])
			if len(args) == 2 {
				local = args[1]
			}
			return a.get(cmd.Context(), args[0], local)
		},
	}
}

func (a *app) get(ctx context.Context, remote, local string) (err error) {
	var w io.Writer = a.out
	if local != "-" {
		f, cerr := os.Create(local)
		if cerr != nil {
			return cerr
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(local) //nolint:errcheck
			}
		}()
		w = f
	}

	var (
		total    int64
		writeErr error
	)
	done := make(chan error, 1)
	err = a.mgr.SFTPRead(remote, func(c tunnel.ReadChunk, err error) {
		if err != nil {
			done <- err
			return
		}
		if writeErr == nil {
			_, writeErr = w.Write(c.Data)
		}
		total = c.BytesRead
		a.log.Debug("get %s: %s/%s", remote, sizestr.ToString(c.BytesRead), sizestr.ToString(c.FileSize))
		if c.Last() {
			done <- nil
		}
	})
	if err != nil {
		return err
	}
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", remote, err)
	}
	if writeErr != nil {
		return fmt.Errorf("write %s: %w", local, writeErr)
	}
	a.log.Verbose("fetched %s (%s)", remote, sizestr.ToString(total))
	return nil
}

// ── put ──────────────────────────────────────────────────────────────

func newPutCmd(a *app) *cobra.Command {
	var (
		opts  tunnel.WriteOptions
		mkdir bool
	)
	cmd := &cobra.Command{
		Use:   "put LOCAL REMOTE",
		Short: "Upload a file",
		Long:  `Upload LOCAL to REMOTE over SFTP. "-" reads from stdin.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(a.in)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			if mkdir {
				if dir := path.Dir(args[1]); dir != "." && dir != "/" {
					if err := a.ensureDir(cmd.Context(), dir, true); err != nil {
						return err
					}
				}
			}
			return a.put(cmd.Context(), args[1], data, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.Append, "append", "a", false, "Append instead of truncating")
	cmd.Flags().BoolVarP(&mkdir, "parents", "P", false, "Create missing parent directories")
	return cmd
}

func (a *app) put(ctx context.Context, remote string, data []byte, opts tunnel.WriteOptions) error {
	if data == nil {
		data = []byte{}
	}
	done := make(chan error, 1)
	var size int64
	err := a.mgr.SFTPWrite(remote, data, opts, func(c tunnel.WriteChunk, err error) {
		if err != nil {
			done <- err
			return
		}
		size = c.FileSize
		a.log.Debug("put %s: %s written at %d", remote, sizestr.ToString(int64(len(c.Data))), c.Position)
		if c.Finished {
			done <- nil
		}
	})
	if err != nil {
		return err
	}
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", remote, err)
	}
	a.log.Verbose("stored %s (%s, file now %s)", remote,
		sizestr.ToString(int64(len(data))), sizestr.ToString(size))
	return nil
}

// ── rm ───────────────────────────────────────────────────────────────

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rm REMOTE...",
		Short: "Delete remote files or empty directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var errs []error
			for _, p := range args {
				removed, err := await(cmd.Context(), func(done func(string, error)) error {
					return a.mgr.SFTPDelete(p, done)
				})
				if err != nil {
					errs = append(errs, fmt.Errorf("rm %s: %w", p, err))
					continue
				}
				a.log.Verbose("removed %s", removed)
			}
			return errors.Join(errs...)
		},
	}
}

// ── stat ─────────────────────────────────────────────────────────────

func newStatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat REMOTE",
		Short: "Show remote file metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fi, err := await(cmd.Context(), func(done func(os.FileInfo, error)) error {
				return a.mgr.SFTPStat(args[0], done)
			})
			if err != nil {
				return fmt.Errorf("stat %s: %w", args[0], err)
			}
			kind := "regular file"
			switch {
			case fi.IsDir():
				kind = "directory"
			case fi.Mode()&os.ModeSymlink != 0:
				kind = "symbolic link"
			}
			fmt.Fprintf(a.out, "  File: %s\n  Size: %d (%s)\n  Type: %s\n  Mode: %s\nModify: %s\n",
				args[0], fi.Size(), sizestr.ToString(fi.Size()), kind, fi.Mode(),
				fi.ModTime().Format("2006-01-02 15:04:05 -0700"))
			return nil
		},
	}
}

// ── mkdir ────────────────────────────────────────────────────────────

func newMkdirCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "mkdir REMOTE_DIR",
		Short: "Create a remote directory and any missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ensureDir(cmd.Context(), args[0], !check)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Only verify the directory exists")
	return cmd
}

func (a *app) ensureDir(ctx context.Context, dir string, mkdir bool) error {
	_, err := await(ctx, func(done func(struct{}, error)) error {
		return a.mgr.SFTPEnsureDir(dir, mkdir, func(err error) { done(struct{}{}, err) })
	})
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// ── pwd ──────────────────────────────────────────────────────────────

func newPwdCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pwd",
		Short: "Print the remote working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := await(cmd.Context(), a.mgr.SFTPPwd)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, filepath.ToSlash(dir))
			return nil
		},
	}
}
