// Package writer provides a backpressured queued writer over a
// nonblocking stream: callers enqueue byte slices without blocking,
// and a separate Flush/GracefulShutdown call drains the queue against
// the socket's actual write capacity.
package writer
