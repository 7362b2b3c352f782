//go:build linux

package engine

import (
	"github.com/corowire/corowire/neterr"
	"github.com/corowire/corowire/runtime"
)

// Backend selects which kernel readiness mechanism an Engine drives.
type Backend int

const (
	// ReadinessPoll drives an edge-triggered epoll set. Default.
	ReadinessPoll Backend = iota
	// CompletionPoll drives an io_uring poll-submission ring.
	CompletionPoll
)

const defaultRingDepth uint32 = 256

// Option customizes Engine construction.
type Option func(*config)

type config struct {
	ringDepth uint32
}

// WithRingDepth overrides the io_uring submission-queue depth. Ignored
// by the ReadinessPoll backend.
func WithRingDepth(n uint32) Option {
	return func(c *config) { c.ringDepth = n }
}

// Engine is the active-backend façade: it owns exactly one
// runtime.Scheduler implementation and forwards Run/Stop/Spawn to it.
type Engine struct {
	backend Backend
	epoll   *runtime.EpollLoop
	uring   *runtime.UringLoop
	initErr error
}

// New constructs an Engine bound to the given backend.
func New(backend Backend, opts ...Option) (*Engine, error) {
	cfg := config{ringDepth: defaultRingDepth}
	for _, o := range opts {
		o(&cfg)
	}

	e := &Engine{backend: backend}
	switch backend {
	case ReadinessPoll:
		l, err := runtime.NewEpollLoop()
		e.epoll = l
		e.initErr = err
	case CompletionPoll:
		l, err := runtime.NewUringLoop(cfg.ringDepth)
		e.uring = l
		e.initErr = err
	default:
		e.initErr = neterr.ErrInvalid
	}
	if e.initErr != nil {
		return e, e.initErr
	}
	return e, nil
}

// Valid reports whether construction succeeded.
func (e *Engine) Valid() bool { return e.initErr == nil }

// SelectedBackend reports which backend this Engine drives.
func (e *Engine) SelectedBackend() Backend { return e.backend }

// Control exposes a read-only snapshot of the active backend's
// scheduling counters, in the spirit of the teacher's
// control.MetricsRegistry introspection surface (see DESIGN.md).
type Control struct {
	Backend Backend
	runtime.Stats
}

// Control returns a snapshot of the active backend's current counters.
func (e *Engine) Control() Control {
	return Control{Backend: e.backend, Stats: e.scheduler().(interface{ Stats() runtime.Stats }).Stats()}
}

// scheduler returns the active backend's Scheduler implementation.
func (e *Engine) scheduler() runtime.Scheduler {
	if e.epoll != nil {
		return e.epoll
	}
	return e.uring
}

// Run drives the active backend until Stop is called, every spawned
// task completes, or an unrecoverable error is latched. Only the
// calling goroutine waits on the underlying reactor.
func (e *Engine) Run() error {
	if e.initErr != nil {
		return e.initErr
	}
	if e.epoll != nil {
		return e.epoll.Run()
	}
	return e.uring.Run()
}

// Stop requests Run to return.
func (e *Engine) Stop() {
	if e.epoll != nil {
		e.epoll.Stop()
		return
	}
	if e.uring != nil {
		e.uring.Stop()
	}
}

// Close releases the active backend's kernel resources. Call only
// after Run has returned.
func (e *Engine) Close() error {
	if e.epoll != nil {
		return e.epoll.Close()
	}
	if e.uring != nil {
		return e.uring.Close()
	}
	return nil
}

// Spawn starts fn as a new tracked root task on e's active backend.
func Spawn[T any](e *Engine, fn func() (T, error)) *runtime.Task[T] {
	return runtime.Spawn[T](e.scheduler(), fn)
}

// IOContext is a defaulted, friendlier entry point over Engine: it
// always selects ReadinessPoll with no extra options, matching the
// façade's "same surface, user-friendly defaults" role.
type IOContext struct {
	*Engine
}

// NewIOContext returns an IOContext pre-configured with ReadinessPoll.
func NewIOContext() (*IOContext, error) {
	e, err := New(ReadinessPoll)
	if err != nil {
		return &IOContext{Engine: e}, err
	}
	return &IOContext{Engine: e}, nil
}
