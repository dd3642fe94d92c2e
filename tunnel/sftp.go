package tunnel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	smerr "sshmux/internal/errors"
)

// readSettle is how long a finished read waits before closing its
// subsystem channel.
const readSettle = 10 * time.Millisecond

// startSFTP opens an SFTP subsystem channel for one operation. The
// channel is closed exactly once when the operation ends.
func (m *Manager) startSFTP(gen uint64, client *ssh.Client, req Request) {
	c, err := sftp.NewClient(client)
	if err != nil {
		m.complete(req, m.channelErr(client, "sftp", err))
		return
	}
	s := newStream(KindSFTP, m.log)
	s.sftp = c
	s.remoteHost, s.remotePort = m.cfg.Host, m.cfg.Port
	if err := m.track(gen, s); err != nil {
		c.Close()
		m.complete(req, err)
		return
	}

	go func() {
		err := runSFTP(c, req)
		if err != nil {
			m.log.Verbose("%s: %v", req.Kind(), err)
		}
		m.settled(req, err)
		s.Close()
	}()
}

// runSFTP performs the operation and delivers its callbacks.
func runSFTP(c *sftp.Client, req Request) error {
	switch r := req.(type) {
	case *SFTPPwdRequest:
		dir, err := c.RealPath(".")
		err = fileErr("pwd", ".", err)
		r.finish(dir, err)
		return err

	case *SFTPStatRequest:
		fi, err := c.Stat(r.Path)
		err = fileErr("stat", r.Path, err)
		r.finish(fi, err)
		return err

	case *SFTPDeleteRequest:
		err := remove(c, r.Path)
		r.finish(err)
		return err

	case *SFTPDirEnsureRequest:
		err := ensureDir(c, r.Path, r.Mkdir)
		r.finish(err)
		return err

	case *SFTPReadRequest:
		err := readChunks(c, r)
		if err != nil {
			r.deliver(ReadChunk{}, err, true)
			return err
		}
		time.Sleep(readSettle)
		return nil

	case *SFTPWriteRequest:
		err := writeChunks(c, r)
		if err != nil {
			r.deliver(WriteChunk{}, err)
		}
		return err
	}
	req.fail(smerr.ErrUnknownCommand)
	return smerr.ErrUnknownCommand
}

func remove(c *sftp.Client, p string) error {
	fi, err := c.Stat(p)
	if err != nil {
		return fileErr("delete", p, err)
	}
	if fi.IsDir() {
		return fileErr("rmdir", p, c.RemoveDirectory(p))
	}
	return fileErr("delete", p, c.Remove(p))
}

// readChunks delivers the file in sequential ChunkSize pieces. An
// empty file yields a single empty chunk.
func readChunks(c *sftp.Client, r *SFTPReadRequest) error {
	f, err := c.Open(r.Path)
	if err != nil {
		return fileErr("open", r.Path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fileErr("stat", r.Path, err)
	}
	size := fi.Size()
	if size == 0 {
		r.deliver(ReadChunk{Data: []byte{}}, nil, true)
		return nil
	}

	var pos int64
	for pos < size {
		want := min(int64(ChunkSize), size-pos)
		buf := make([]byte, want)
		n, err := f.ReadAt(buf, pos)
		if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fileErr("read", r.Path, err)
		}
		pos += int64(n)
		chunk := ReadChunk{Data: buf[:n], Position: pos - int64(n), BytesRead: pos, FileSize: size}
		r.deliver(chunk, nil, chunk.Last())
		if int64(n) < want {
			// The file shrank underneath us; report what we have.
			r.deliver(ReadChunk{Data: []byte{}, Position: pos, BytesRead: pos, FileSize: pos}, nil, true)
			return nil
		}
	}
	return nil
}

// writeChunks writes r.Data at sequential offsets, starting at the
// current end of file when appending.
func writeChunks(c *sftp.Client, r *SFTPWriteRequest) error {
	flags := os.O_WRONLY | os.O_CREATE
	if !r.Options.Append {
		flags |= os.O_TRUNC
	}
	f, err := c.OpenFile(r.Path, flags)
	if err != nil {
		return fileErr("open", r.Path, err)
	}
	closed := false
	defer func() {
		if !closed {
			f.Close()
		}
	}()

	fi, err := f.Stat()
	if err != nil {
		return fileErr("stat", r.Path, err)
	}
	start := fi.Size()

	finish := func(chunk WriteChunk) error {
		closed = true
		if err := f.Close(); err != nil {
			return fileErr("close", r.Path, err)
		}
		r.deliver(chunk, nil)
		return nil
	}

	if len(r.Data) == 0 {
		return finish(WriteChunk{Data: r.Data, Position: start, FileSize: start, Finished: true})
	}

	for off := 0; off < len(r.Data); {
		end := min(off+ChunkSize, len(r.Data))
		pos := start + int64(off)
		n, err := f.WriteAt(r.Data[off:end], pos)
		if err != nil {
			return fileErr("write", r.Path, err)
		}
		chunk := WriteChunk{
			Data:     r.Data[off : off+n],
			Position: pos,
			FileSize: pos + int64(n),
			Finished: off+n >= len(r.Data),
		}
		off += n
		if chunk.Finished {
			return finish(chunk)
		}
		r.deliver(chunk, nil)
	}
	return nil
}

// ensureDir stats every cumulative prefix of target, creating missing
// directories when mkdir is set.
func ensureDir(c *sftp.Client, target string, mkdir bool) error {
	p := path.Clean(target)
	cur := ""
	if strings.HasPrefix(p, "/") {
		cur = "/"
	}
	for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if seg == "" || seg == "." {
			continue
		}
		cur = path.Join(cur, seg)

		fi, err := c.Stat(cur)
		switch {
		case err == nil && fi.IsDir():
			continue
		case err == nil:
			return fmt.Errorf("dirsync %s: %w", cur, smerr.ErrFileExists)
		case !errors.Is(err, os.ErrNotExist):
			return fileErr("dirsync", cur, err)
		case !mkdir:
			return fmt.Errorf("dirsync %s: %w", cur, smerr.ErrNoSuchFile)
		}
		if err := c.Mkdir(cur); err != nil {
			return fileErr("mkdir", cur, err)
		}
	}
	return nil
}

// fileErr tags remote file errors with the matching sentinel.
func fileErr(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%s %s: %w: %w", op, p, smerr.ErrNoSuchFile, err)
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%s %s: %w: %w", op, p, smerr.ErrFileExists, err)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}
