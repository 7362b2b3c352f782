package writer

import (
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/neterr"
	"github.com/corowire/corowire/runtime"
	"github.com/corowire/corowire/socket"
)

// BackpressureState reports whether a Writer is currently refusing new
// low-priority writes.
type BackpressureState int

const (
	Normal BackpressureState = iota
	HighWatermark
)

// Watermarks bounds how many queued bytes trigger (high) and release
// (low) backpressure. A zero Low is coerced to 1; a High below Low is
// raised to Low.
type Watermarks struct {
	Low  int
	High int
}

func (w Watermarks) normalize() Watermarks {
	if w.Low == 0 {
		w.Low = 1
	}
	if w.High < w.Low {
		w.High = w.Low
	}
	return w
}

// Stats is a read-only snapshot of a Writer's counters.
type Stats struct {
	TotalEnqueued      uint64
	TotalFlushed       uint64
	QueuedBytes        int
	HighWatermarkActive bool
}

// Writer queues outbound bytes and drains them against a stream's
// actual write capacity, applying backpressure once the high
// watermark is crossed.
type Writer struct {
	stream *socket.Stream
	marks  Watermarks

	buffers     *queue.Queue
	frontOffset int
	queuedBytes int

	highWatermarkActive bool
	totalEnqueued       uint64
	totalFlushed        uint64
}

// New wraps stream with the given watermarks.
func New(stream *socket.Stream, marks Watermarks) *Writer {
	return &Writer{
		stream:  stream,
		marks:   marks.normalize(),
		buffers: queue.New(),
	}
}

// Enqueue copies b and appends it to the write queue.
func (w *Writer) Enqueue(b []byte) (BackpressureState, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	return w.enqueueOwned(cp)
}

// EnqueueOwned appends b to the write queue without copying; the
// caller must not mutate b afterward.
func (w *Writer) EnqueueOwned(b []byte) (BackpressureState, error) {
	return w.enqueueOwned(b)
}

func (w *Writer) enqueueOwned(b []byte) (BackpressureState, error) {
	if w.stream == nil || !w.stream.Valid() {
		return Normal, neterr.ErrBadFD
	}

	if len(b) == 0 {
		return w.state(), nil
	}

	if w.highWatermarkActive && w.queuedBytes >= w.marks.Low {
		return Normal, neterr.ErrWouldBlock
	}

	w.buffers.Add(b)
	w.queuedBytes += len(b)
	w.totalEnqueued++

	if w.queuedBytes >= w.marks.High {
		w.highWatermarkActive = true
	}
	return w.state(), nil
}

func (w *Writer) state() BackpressureState {
	if w.highWatermarkActive {
		return HighWatermark
	}
	return Normal
}

const flushSliceMax = 100 * time.Millisecond

// Flush drains the queue until empty, canceled, or timeout elapses.
func (w *Writer) Flush(s runtime.Scheduler, timeout time.Duration, token runtime.CancelToken) error {
	if timeout < 0 {
		return neterr.ErrInvalid
	}
	deadline := time.Now().Add(timeout)

	for w.queuedBytes > 0 {
		if token.StopRequested() {
			return neterr.ErrCanceled
		}
		now := time.Now()
		if !now.Before(deadline) {
			return neterr.ErrTimedOut
		}

		front := w.buffers.Peek().([]byte)
		remaining := front[w.frontOffset:]

		slice := deadline.Sub(now)
		if slice > flushSliceMax {
			slice = flushSliceMax
		}
		if slice < time.Millisecond {
			slice = time.Millisecond
		}

		n, err := runtime.AsyncWriteSomeWithTimeout(s, w.stream, remaining, slice, token)
		if err != nil {
			// A slice timeout is a heartbeat, not the overall deadline:
			// loop back to the top and recheck against it. Any other
			// error (cancellation, a real write failure) is terminal.
			if neterr.Is(err, unix.ETIMEDOUT) {
				continue
			}
			return err
		}
		if n == 0 {
			return neterr.ErrBrokenPipe
		}

		w.frontOffset += n
		w.queuedBytes -= n
		w.totalFlushed += uint64(n)
		if w.frontOffset == len(front) {
			w.buffers.Remove()
			w.frontOffset = 0
		}
		w.updateBackpressureAfterDrain()
	}
	return nil
}

func (w *Writer) updateBackpressureAfterDrain() {
	if w.highWatermarkActive && w.queuedBytes <= w.marks.Low {
		w.highWatermarkActive = false
	}
}

// GracefulShutdown flushes the queue then shuts down the write half of
// the stream.
func (w *Writer) GracefulShutdown(s runtime.Scheduler, timeout time.Duration, token runtime.CancelToken) error {
	if err := w.Flush(s, timeout, token); err != nil {
		return err
	}
	return w.stream.ShutdownWrite()
}

// QueuedBytes reports how many bytes are currently buffered.
func (w *Writer) QueuedBytes() int { return w.queuedBytes }

// HighWatermarkActive reports whether backpressure is currently in effect.
func (w *Writer) HighWatermarkActive() bool { return w.highWatermarkActive }

// FD returns the wrapped stream's descriptor.
func (w *Writer) FD() int { return w.stream.FD() }

// Stats returns a snapshot of the writer's counters.
func (w *Writer) Stats() Stats {
	return Stats{
		TotalEnqueued:       w.totalEnqueued,
		TotalFlushed:        w.totalFlushed,
		QueuedBytes:         w.queuedBytes,
		HighWatermarkActive: w.highWatermarkActive,
	}
}
