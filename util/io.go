package util

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultBufSize is the standard buffer size for stream copies (32 KiB).
const DefaultBufSize = 32 * 1024

// Bridge copies data in both directions between a and b until one side
// closes or the context is cancelled. It returns the bytes moved each
// way.
func Bridge(ctx context.Context, a, b io.ReadWriteCloser) (aToB, bToA int64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		aToB, _ = copyPooled(b, a)
		cancel()
	}()

	go func() {
		defer wg.Done()
		bToA, _ = copyPooled(a, b)
		cancel()
	}()

	<-ctx.Done()
	a.Close()
	b.Close()
	wg.Wait()
	return aToB, bToA
}

func copyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)
	return io.CopyBuffer(dst, src, *buf)
}

// IsHarmless reports whether err is expected while a stream shuts down.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
