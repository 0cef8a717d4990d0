package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional copies between left and right until both directions
// reach EOF, either side fails, or ctx is cancelled. An EOF in one direction
// is forwarded as a half-close when the destination supports it. Both
// connections are closed on return.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{})

	g.Go(func() error {
		return copyHalf(left, right)
	})

	g.Go(func() error {
		return copyHalf(right, left)
	})

	// If the context is canceled, ensure we close both sides to unblock Copy.
	go func() {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	err := g.Wait()
	close(done)
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func copyHalf(dst, src net.Conn) error {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	if _, err := io.CopyBuffer(dst, src, *buf); err != nil {
		return err
	}
	if cw, ok := dst.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
