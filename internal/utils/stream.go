package utils

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/tanq16/mediagrab/internal/dlerror"
)

type idleReader struct {
	rc      io.ReadCloser
	d       time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

// NewIdleReader closes rc when a single Read waits longer than d for data.
// The stalled Read then fails with a Transport error.
func NewIdleReader(rc io.ReadCloser, d time.Duration) io.ReadCloser {
	if d <= 0 {
		return rc
	}
	r := &idleReader{rc: rc, d: d}
	r.timer = time.AfterFunc(d, func() {
		r.expired.Store(true)
		rc.Close()
	})
	r.timer.Stop()
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	r.timer.Reset(r.d)
	n, err := r.rc.Read(p)
	r.timer.Stop()
	if err != nil && err != io.EOF && r.expired.Load() {
		return n, dlerror.New(dlerror.Transport, "http/read", "no data received for %s", r.d)
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}

// CopyWithProgress copies src to dst, calling onBytes after every write and
// checking ctx between reads. Write failures are DiskIO; read failures are
// classified, defaulting to Transport.
func CopyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, onBytes func(int64)) (int64, error) {
	buffer := make([]byte, CopyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, dlerror.Wrap(dlerror.Cancelled, "transfer", err)
		}
		bytesRead, readErr := src.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := dst.Write(buffer[:bytesRead]); writeErr != nil {
				return written, dlerror.Wrap(dlerror.DiskIO, "transfer/write", writeErr)
			}
			written += int64(bytesRead)
			if onBytes != nil {
				onBytes(int64(bytesRead))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			if ctx.Err() != nil {
				return written, dlerror.Wrap(dlerror.Cancelled, "transfer", ctx.Err())
			}
			if dlerror.KindOf(readErr) == dlerror.Unknown {
				return written, dlerror.Wrap(dlerror.Transport, "transfer/read", readErr)
			}
			return written, dlerror.Classify("transfer/read", readErr)
		}
	}
}
