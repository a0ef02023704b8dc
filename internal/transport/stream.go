package transport

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// idleReader fires onExpire when a single Read blocks longer than timeout.
// The clock only runs inside Read, so time spent writing or throttling
// between reads does not count as idle.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, onExpire func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.expired.Store(true)
		onExpire()
	})
	ir.timer.Stop()
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	ir.timer.Reset(ir.timeout)
	n, err := ir.r.Read(p)
	ir.timer.Stop()
	return n, err
}

func (ir *idleReader) Stop() {
	ir.timer.Stop()
}

func (ir *idleReader) Expired() bool {
	return ir.expired.Load()
}

// fill reads until buf is full or the reader returns an error.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// streamChunks is the transfer loop shared by all transports. A chunk is
// reported only after it is completely written, and a partially read chunk
// is dropped on cancellation so the sink never holds unreported bytes.
func streamChunks(ctx context.Context, rawURL string, body *idleReader, sink Sink, chunkSize int, limiter *rate.Limiter, events Events) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if ctx.Err() != nil {
			return written, ErrCancelled
		}
		n, readErr := fill(body, buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			switch {
			case ctx.Err() != nil:
				return written, ErrCancelled
			case body.Expired():
				return written, &ConnectionError{URL: rawURL, Err: ErrIdleTimeout}
			default:
				return written, &ConnectionError{URL: rawURL, Err: readErr}
			}
		}
		if n > 0 {
			if ctx.Err() != nil {
				return written, ErrCancelled
			}
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return written, ErrCancelled
				}
			}
			if _, err := sink.Write(buf[:n]); err != nil {
				return written, &IOError{Op: "write", Err: err}
			}
			written += int64(n)
			events.chunk(int64(n))
		}
		if readErr != nil {
			return written, nil
		}
	}
}
