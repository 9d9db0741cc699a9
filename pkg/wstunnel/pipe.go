package wstunnel

import (
	"io"
	"sync"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wsmux/pkg/wsmux"
)

// Pipe concurrently copies in both directions between two socket-like
// objects until end-of-stream is reached in both directions, then closes
// both. After each direction completes, the destination's write half is
// shut down (when it supports half-close) so protocols that signal with EOF
// keep working. Returns the bytes copied a->b and b->a, and the first
// error from either direction.
func Pipe(lg logger.Logger, a io.ReadWriteCloser, b io.ReadWriteCloser) (int64, int64, error) {
	var aToB, bToA int64
	var aErr, bErr error
	var wg sync.WaitGroup
	wg.Add(2)
	copyHalf := func(dst, src io.ReadWriteCloser, n *int64, copyErr *error) {
		defer wg.Done()
		*n, *copyErr = io.Copy(dst, src)
		if *copyErr != nil {
			lg.DLogf("copy ended with error after %d bytes: %s", *n, *copyErr)
		}
		closeWriteHalf(dst)
	}
	go copyHalf(b, a, &aToB, &aErr)
	go copyHalf(a, b, &bToA, &bErr)
	wg.Wait()
	a.Close()
	b.Close()
	err := aErr
	if err == nil {
		err = bErr
	}
	return aToB, bToA, err
}

// closeWriteHalf half-closes w if it knows how, falling back to nothing; a
// full Close here would cut off the opposite direction mid-transfer.
func closeWriteHalf(w io.Writer) {
	if hc, ok := w.(wsmux.WriteHalfCloser); ok {
		hc.CloseWrite()
	}
}
