// Package engine is corowire's backend-selecting façade: it picks
// between the epoll-backed and io_uring-backed Scheduler
// implementations in package runtime and exposes one Run/Stop/Spawn
// surface over whichever was selected.
package engine
