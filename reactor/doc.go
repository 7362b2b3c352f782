// Package reactor wraps the two Linux kernel readiness backends the
// runtime event loops drive: an edge-triggered epoll set (Epoll) and
// an io_uring poll-submission ring (Uring). Neither type understands
// tasks, waiters, or deadlines — that bookkeeping lives in package
// runtime; a reactor only arms/disarms kernel interest and reports
// back what became ready.
package reactor
