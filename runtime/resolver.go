package runtime

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/corowire/corowire/neterr"
	"github.com/corowire/corowire/socket"
)

// ResolvedEndpoints is the candidate list a lookup returns; each entry
// is individually usable as the Endpoint argument to AsyncConnect.
type ResolvedEndpoints = []socket.Endpoint

type resolveJob struct {
	host    string
	service string
	state   *resolveState
}

type resolveState struct {
	mu        sync.Mutex
	ready     bool
	canceled  atomic.Bool
	endpoints ResolvedEndpoints
	err       error
}

// resolverWorker is a single background goroutine draining a FIFO of
// lookup jobs, mirroring the original design's dedicated resolver
// thread. One instance backs the whole process.
type resolverWorker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    *queue.Queue
	stopped bool
}

var (
	globalResolverOnce sync.Once
	globalResolverPtr  *resolverWorker
)

// resolver lazily starts the background worker goroutine on first use
// rather than at package init, so importing runtime never spins up a
// goroutine a caller didn't ask for.
func resolver() *resolverWorker {
	globalResolverOnce.Do(func() {
		w := &resolverWorker{jobs: queue.New()}
		w.cond = sync.NewCond(&w.mu)
		go w.run()
		globalResolverPtr = w
	})
	return globalResolverPtr
}

// StopResolverWorker is a test hook that shuts down the shared
// background resolver goroutine; production callers never need it.
func StopResolverWorker() {
	if globalResolverPtr != nil {
		globalResolverPtr.stop()
	}
}

func (w *resolverWorker) enqueue(job resolveJob) {
	w.mu.Lock()
	w.jobs.Add(job)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *resolverWorker) run() {
	for {
		w.mu.Lock()
		for w.jobs.Length() == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped && w.jobs.Length() == 0 {
			w.mu.Unlock()
			return
		}
		job := w.jobs.Remove().(resolveJob)
		stopping := w.stopped
		w.mu.Unlock()

		if stopping || job.state.canceled.Load() {
			job.state.mu.Lock()
			job.state.err = neterr.ErrCanceled
			job.state.ready = true
			job.state.mu.Unlock()
			continue
		}

		endpoints, err := resolveIPv4TCPEndpoints(job.host, job.service)
		job.state.mu.Lock()
		job.state.endpoints = endpoints
		job.state.err = err
		job.state.ready = true
		job.state.mu.Unlock()
	}
}

// stop is a test hook: jobs still queued are published as ECANCELED
// and the worker goroutine exits once the queue is empty. stop does
// not wait for the goroutine to return. Not part of the public surface.
func (w *resolverWorker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cond.Signal()
}

func resolveIPv4TCPEndpoints(host, service string) (ResolvedEndpoints, error) {
	port, err := strconv.ParseUint(service, 10, 16)
	if err != nil {
		return nil, neterr.ErrInvalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		mapped := neterr.ErrHostUnreach
		if dnsErr, ok := err.(*net.DNSError); ok {
			switch {
			case dnsErr.IsTimeout || dnsErr.IsTemporary:
				mapped = neterr.ErrWouldBlock
			case dnsErr.IsNotFound:
				mapped = neterr.ErrNotFound
			}
		}
		return nil, mapped
	}

	endpoints := make(ResolvedEndpoints, 0, len(addrs))
	for _, ip := range addrs {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		endpoints = append(endpoints, socket.Endpoint{Host: v4.String(), Port: uint16(port)})
	}
	if len(endpoints) == 0 {
		return nil, neterr.ErrNotFound
	}
	return endpoints, nil
}

// ParseIPv4Endpoint parses a literal "host:port" string without
// touching the network, for callers that already have a dotted-quad
// address in hand.
func ParseIPv4Endpoint(value string) (socket.Endpoint, error) {
	sep := strings.LastIndexByte(value, ':')
	if sep <= 0 || sep+1 >= len(value) {
		return socket.Endpoint{}, neterr.ErrInvalid
	}
	host := value[:sep]
	portText := value[sep+1:]

	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return socket.Endpoint{}, neterr.ErrInvalid
	}
	if net.ParseIP(host).To4() == nil {
		return socket.Endpoint{}, neterr.ErrInvalid
	}
	return socket.Endpoint{Host: host, Port: uint16(port)}, nil
}

// FormatEndpoint renders ep as "host:port".
func FormatEndpoint(ep socket.Endpoint) string {
	return ep.Host + ":" + strconv.FormatUint(uint64(ep.Port), 10)
}

// AsyncResolve hands host/service off to the background resolver and
// polls for its result every 10ms, the same handoff cadence as the
// original design, yielding the scheduler between polls instead of
// blocking it.
func AsyncResolve(s Scheduler, host, service string, token CancelToken) (ResolvedEndpoints, error) {
	if token.StopRequested() {
		return nil, neterr.ErrCanceled
	}
	if host == "" {
		return nil, neterr.ErrInvalid
	}
	if _, err := strconv.ParseUint(service, 10, 16); err != nil {
		return nil, neterr.ErrInvalid
	}

	state := &resolveState{}
	resolver().enqueue(resolveJob{host: host, service: service, state: state})

	for {
		if token.StopRequested() {
			state.canceled.Store(true)
			return nil, neterr.ErrCanceled
		}

		state.mu.Lock()
		ready := state.ready
		endpoints, err := state.endpoints, state.err
		state.mu.Unlock()
		if ready {
			return endpoints, err
		}

		if err := AsyncSleep(s, 10*time.Millisecond, token); err != nil {
			return nil, err
		}
	}
}
