// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/treemirror/internal/transport"
)

// maxBurstSize caps the token bucket's burst to the same size as a single
// Contents/Delta chunk, so one write never has to wait for a reservation
// bigger than what chunkSize would ever hand it.
const maxBurstSize = chunkSize

// throttledWriter is an io.Writer with token-bucket rate limiting,
// adapted from internal/agent/throttle.go's ThrottledWriter for the
// sender's --bandwidth-limit flag (one limiter per connection, covering
// every Request frame written through it, not just file payloads).
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newThrottledWriter returns w unchanged when bytesPerSec <= 0 (no limit).
func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &throttledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write splits writes larger than the burst size into pieces so tokens are
// consumed gradually instead of reserving the whole write up front.
func (tw *throttledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}

// throttledWriteCloser pairs a throttled write side with the underlying
// connection's Close, so the result still satisfies io.WriteCloser for
// transport.NewStdio.
type throttledWriteCloser struct {
	io.Writer
	closer io.Closer
}

func (t *throttledWriteCloser) Close() error {
	return t.closer.Close()
}

// DialThrottled connects to addr like transport.DialTCP, but limits the
// outbound byte rate to bytesPerSec (0 or negative disables the limit).
// The read side is left unthrottled — only the sender's outbound traffic
// is bounded.
func DialThrottled(ctx context.Context, addr string, bytesPerSec int64) (*transport.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	tw := newThrottledWriter(ctx, conn, bytesPerSec)
	return transport.NewStdio(conn, &throttledWriteCloser{Writer: tw, closer: conn}), nil
}
