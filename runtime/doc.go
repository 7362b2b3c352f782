// Package runtime implements corowire's single-backend async task
// runtime: the Task/Scheduler abstraction, the epoll- and io_uring-
// backed event loops that implement it, the backend-neutral async I/O
// operations built on top, cooperative cancellation, and the DNS
// resolver handoff.
//
// A *Task[T] wraps one goroutine plus a one-shot result channel —
// Go's native suspend/resume primitive stands in for the coroutine
// frame the original design targets. See DESIGN.md for the full
// rationale.
package runtime
