package usecase

import (
	"io"
	"sync/atomic"
)

// meter accumulates the byte length of a stream as it flows past. Reads
// happen on the upstream client's goroutine and the final value is read
// on the handler goroutine, hence the atomic.
type meter struct {
	n atomic.Int64
}

func (m *meter) Len() int64 { return m.n.Load() }

// meteredReadCloser tees the request body length while the upstream
// transport streams it. The body is never buffered.
type meteredReadCloser struct {
	rc io.ReadCloser
	m  *meter
}

func (r *meteredReadCloser) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.m.n.Add(int64(n))
	return n, err
}

func (r *meteredReadCloser) Close() error { return r.rc.Close() }

// meteredWriter counts response bytes on their way to the client.
type meteredWriter struct {
	w io.Writer
	m *meter
}

func (w *meteredWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.m.n.Add(int64(n))
	return n, err
}
