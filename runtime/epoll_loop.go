//go:build linux

package runtime

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/fd"
	"github.com/corowire/corowire/neterr"
	"github.com/corowire/corowire/reactor"
)

const epollReadReadyMask = unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
const epollWriteReadyMask = unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLHUP
const epollCommonFlags = unix.EPOLLET | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP

// EpollLoop is the readiness-poll Scheduler implementation: one
// edge-triggered epoll set plus the waiter bookkeeping and deadline
// index described in spec §4.6.
//
// Unlike the single-threaded C++ original, task bodies here run as
// concurrent goroutines and may call WaitReadable/WaitWritable at any
// time, including while Run is blocked inside the reactor's Wait. All
// waiter-map/counter mutation is therefore guarded by mu. Arming
// goroutines call the reactor's Add/Modify/Remove with mu held; only the
// goroutine running Run calls the reactor's Wait.
type EpollLoop struct {
	reactor *reactor.Epoll
	wakeFD  fd.Owned

	mu                 sync.Mutex
	waiters            map[int]*waiterSlot
	pendingWaiterCount int
	// unparkedCount counts tracked tasks that are running (or merely
	// spawned and not yet scheduled onto a goroutine) rather than
	// blocked in WaitReadable/WaitWritable. The original single-
	// threaded loop drains its ready queue - resuming every freshly
	// spawned task to its first await - before ever checking for
	// deadlock; Go's goroutine scheduler offers no equivalent
	// synchronous guarantee, so Run must treat "active tasks exist but
	// none has parked yet" as "still starting up", not EDEADLK.
	unparkedCount    int
	timedWaiterCount int
	nextDeadline       time.Time
	hasNextDeadline    bool
	deadlineDirty      bool
	loopErr            error

	activeTaskCount int64 // atomic
	stopRequested   atomic.Bool
	initErr         error
}

// NewEpollLoop creates an epoll reactor, a cross-thread wake eventfd,
// and registers the wake fd for read.
func NewEpollLoop() (*EpollLoop, error) {
	l := &EpollLoop{waiters: make(map[int]*waiterSlot)}

	r, err := reactor.NewEpoll()
	if err != nil {
		l.initErr = err
		return l, err
	}
	l.reactor = r

	raw, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		l.initErr = neterr.FromErrno(err)
		return l, l.initErr
	}
	l.wakeFD = fd.Adopt(raw)

	if err := l.reactor.Add(l.wakeFD.Get(), unix.EPOLLIN); err != nil {
		l.initErr = err
		return l, err
	}
	return l, nil
}

// Valid reports whether construction succeeded.
func (l *EpollLoop) Valid() bool { return l.initErr == nil }

// Stats is a read-only snapshot of a loop's scheduling counters, used
// by engine.Control for introspection.
type Stats struct {
	ActiveTaskCount    int64
	PendingWaiterCount int
	TimedWaiterCount   int
}

// Stats returns a snapshot of the loop's current counters.
func (l *EpollLoop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		ActiveTaskCount:    atomic.LoadInt64(&l.activeTaskCount),
		PendingWaiterCount: l.pendingWaiterCount,
		TimedWaiterCount:   l.timedWaiterCount,
	}
}

// Schedule launches fn as a new counted root-task goroutine. The task
// counts as unparked until it first parks in WaitReadable/WaitWritable
// (or finishes without ever parking).
func (l *EpollLoop) Schedule(fn func()) {
	atomic.AddInt64(&l.activeTaskCount, 1)
	l.mu.Lock()
	l.unparkedCount++
	l.mu.Unlock()
	go fn()
}

// OnTaskCompleted decrements the active root-task count. A task is
// always unparked (running, not blocked on a waiter) at the moment it
// completes, so this also undoes Schedule's unparkedCount bump.
func (l *EpollLoop) OnTaskCompleted() {
	atomic.AddInt64(&l.activeTaskCount, -1)
	l.mu.Lock()
	l.unparkedCount--
	l.mu.Unlock()
}

// WaitReadable parks until fd is readable or the timeout elapses.
func (l *EpollLoop) WaitReadable(f int, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
	return l.waitFor(f, true, timeout, hasTimeout, timeoutErr)
}

// WaitWritable parks until fd is writable or the timeout elapses.
func (l *EpollLoop) WaitWritable(f int, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
	return l.waitFor(f, false, timeout, hasTimeout, timeoutErr)
}

func (l *EpollLoop) waitFor(f int, readable bool, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
	reg := &waitRegistration{resultCh: make(chan error, 1), timeoutErr: timeoutErr}
	parked, err := l.armWaiter(f, readable, timeout, hasTimeout, reg)
	if err != nil {
		return err
	}
	result := <-reg.resultCh
	if parked {
		// The task is running again, not blocked on a waiter, from
		// here until its next park or its completion.
		l.mu.Lock()
		l.unparkedCount++
		l.mu.Unlock()
	}
	return result
}

// armWaiter registers reg in direction readable for f, per spec §4.6's
// arming rules: EBADF for a bad fd, immediate synchronous delivery for
// an already-elapsed timeout, EBUSY for a direction already armed.
// The returned bool reports whether the caller actually parked (and
// so must be credited back to unparkedCount on resume) as opposed to
// being resolved synchronously without ever leaving the ready state.
func (l *EpollLoop) armWaiter(f int, readable bool, timeout time.Duration, hasTimeout bool, reg *waitRegistration) (bool, error) {
	if f < 0 {
		return false, neterr.ErrBadFD
	}
	if hasTimeout && timeout <= 0 {
		reg.resultCh <- reg.timeoutErr
		return false, nil
	}

	l.mu.Lock()
	slot, ok := l.waiters[f]
	if !ok {
		slot = &waiterSlot{}
		l.waiters[f] = slot
	}
	target := &slot.writable
	if readable {
		target = &slot.readable
	}
	if *target != nil {
		if !ok {
			delete(l.waiters, f)
		}
		l.mu.Unlock()
		return false, neterr.ErrBusy
	}

	*target = reg
	if hasTimeout {
		reg.deadline = time.Now().Add(timeout)
		reg.hasDeadline = true
		l.timedWaiterCount++
		if !l.hasNextDeadline || reg.deadline.Before(l.nextDeadline) {
			l.nextDeadline = reg.deadline
			l.hasNextDeadline = true
		}
	}
	l.deadlineDirty = true
	l.pendingWaiterCount++
	l.unparkedCount--

	err := l.refreshInterestLocked(f, slot)
	if err != nil {
		*target = nil
		if reg.hasDeadline && l.timedWaiterCount > 0 {
			l.timedWaiterCount--
		}
		l.deadlineDirty = true
		if l.pendingWaiterCount > 0 {
			l.pendingWaiterCount--
		}
		l.unparkedCount++
		if slot.empty() {
			delete(l.waiters, f)
		}
		l.mu.Unlock()
		return false, err
	}
	l.mu.Unlock()

	// A task goroutine may be arming this waiter while Run is already
	// blocked in reactor.Wait with a stale interest set or deadline;
	// ping the wake fd so the next pass picks it up. See DESIGN.md.
	l.pingWake()
	return true, nil
}

// refreshInterestLocked must be called with mu held.
func (l *EpollLoop) refreshInterestLocked(f int, slot *waiterSlot) error {
	hasRead := slot.readable != nil
	hasWrite := slot.writable != nil

	var desired uint32
	if hasRead || hasWrite {
		desired = epollCommonFlags
		if hasRead {
			desired |= unix.EPOLLIN
		}
		if hasWrite {
			desired |= unix.EPOLLOUT
		}
	}

	if slot.registeredMask == desired {
		return nil
	}
	switch {
	case slot.registeredMask == 0 && desired != 0:
		if err := l.reactor.Add(f, desired); err != nil {
			return err
		}
	case slot.registeredMask != 0 && desired == 0:
		if err := l.reactor.Remove(f); err != nil {
			return err
		}
	default:
		if err := l.reactor.Modify(f, desired); err != nil {
			return err
		}
	}
	slot.registeredMask = desired
	return nil
}

// Run drives the loop until Stop is called, every task completes, or
// an unrecoverable error is latched.
func (l *EpollLoop) Run() error {
	if l.initErr != nil {
		return l.initErr
	}
	l.stopRequested.Store(false)

	events := make([]reactor.Event, 64)
	for {
		l.processExpiredWaiters()
		if l.stopRequested.Load() {
			break
		}
		if err := l.latchedError(); err != nil {
			return err
		}

		active := atomic.LoadInt64(&l.activeTaskCount)
		l.mu.Lock()
		pending := l.pendingWaiterCount
		unparked := l.unparkedCount
		l.mu.Unlock()

		if active == 0 && pending == 0 {
			break
		}
		if pending == 0 {
			if unparked > 0 {
				// Tasks have been spawned or resumed but none has
				// reached its next await yet; give the Go scheduler a
				// turn rather than declaring deadlock prematurely.
				runtime.Gosched()
				continue
			}
			return neterr.ErrDeadlock
		}

		timeout, hasTimeout := l.computeTimeout()
		n, err := l.reactor.Wait(events, timeout, hasTimeout)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			l.processReadyEvent(events[i])
			if err := l.latchedError(); err != nil {
				return err
			}
		}
	}
	return l.latchedError()
}

func (l *EpollLoop) latchedError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loopErr
}

func (l *EpollLoop) computeTimeout() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timedWaiterCount == 0 {
		return 0, false
	}
	remaining := time.Until(l.nextDeadline)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

func (l *EpollLoop) processReadyEvent(ev reactor.Event) {
	if ev.Fd == l.wakeFD.Get() {
		l.drainWake()
		return
	}

	l.mu.Lock()
	slot, ok := l.waiters[ev.Fd]
	if !ok {
		l.mu.Unlock()
		return
	}

	var toDeliver []*waitRegistration
	if slot.readable != nil && ev.Mask&epollReadReadyMask != 0 {
		reg := slot.readable
		slot.readable = nil
		if reg.hasDeadline && l.timedWaiterCount > 0 {
			l.timedWaiterCount--
			l.deadlineDirty = true
		}
		if l.pendingWaiterCount > 0 {
			l.pendingWaiterCount--
		}
		toDeliver = append(toDeliver, reg)
	}
	if slot.writable != nil && ev.Mask&epollWriteReadyMask != 0 {
		reg := slot.writable
		slot.writable = nil
		if reg.hasDeadline && l.timedWaiterCount > 0 {
			l.timedWaiterCount--
			l.deadlineDirty = true
		}
		if l.pendingWaiterCount > 0 {
			l.pendingWaiterCount--
		}
		toDeliver = append(toDeliver, reg)
	}

	if err := l.refreshInterestLocked(ev.Fd, slot); err != nil {
		l.loopErr = err
		l.stopRequested.Store(true)
		l.mu.Unlock()
		return
	}
	if slot.empty() {
		delete(l.waiters, ev.Fd)
	}
	l.mu.Unlock()

	for _, reg := range toDeliver {
		reg.resultCh <- nil
	}
}

func (l *EpollLoop) processExpiredWaiters() {
	l.mu.Lock()
	if l.timedWaiterCount == 0 {
		l.hasNextDeadline = false
		l.deadlineDirty = false
		l.mu.Unlock()
		return
	}

	now := time.Now()
	if !l.deadlineDirty && l.hasNextDeadline && now.Before(l.nextDeadline) {
		l.mu.Unlock()
		return
	}

	var toDeliver []*waitRegistration
	var newNext time.Time
	hasNew := false

	for f, slot := range l.waiters {
		changed := false
		if slot.readable != nil && slot.readable.hasDeadline && !now.Before(slot.readable.deadline) {
			reg := slot.readable
			slot.readable = nil
			l.timedWaiterCount--
			if l.pendingWaiterCount > 0 {
				l.pendingWaiterCount--
			}
			toDeliver = append(toDeliver, reg)
			changed = true
		}
		if slot.writable != nil && slot.writable.hasDeadline && !now.Before(slot.writable.deadline) {
			reg := slot.writable
			slot.writable = nil
			l.timedWaiterCount--
			if l.pendingWaiterCount > 0 {
				l.pendingWaiterCount--
			}
			toDeliver = append(toDeliver, reg)
			changed = true
		}
		if changed {
			if err := l.refreshInterestLocked(f, slot); err != nil {
				l.loopErr = err
				l.stopRequested.Store(true)
				l.mu.Unlock()
				for _, reg := range toDeliver {
					reg.resultCh <- reg.timeoutErr
				}
				return
			}
		}
		if slot.empty() {
			delete(l.waiters, f)
			continue
		}
		if slot.readable != nil && slot.readable.hasDeadline {
			if !hasNew || slot.readable.deadline.Before(newNext) {
				newNext = slot.readable.deadline
				hasNew = true
			}
		}
		if slot.writable != nil && slot.writable.hasDeadline {
			if !hasNew || slot.writable.deadline.Before(newNext) {
				newNext = slot.writable.deadline
				hasNew = true
			}
		}
	}

	l.hasNextDeadline = hasNew
	l.nextDeadline = newNext
	l.deadlineDirty = false
	l.mu.Unlock()

	for _, reg := range toDeliver {
		reg.resultCh <- reg.timeoutErr
	}
}

func (l *EpollLoop) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFD.Get(), buf[:])
		if err == nil {
			continue
		}
		break
	}
}

func (l *EpollLoop) pingWake() {
	l.writeWake()
}

func (l *EpollLoop) writeWake() {
	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0} // eventfd counter value 1, little-endian
	for {
		_, err := unix.Write(l.wakeFD.Get(), buf[:])
		if err == nil || err != unix.EINTR {
			return // success, or EAGAIN (already signaled), or any other error: no-op
		}
	}
}

// Stop requests the loop to exit and unblocks a parked Wait call.
func (l *EpollLoop) Stop() {
	l.stopRequested.Store(true)
	l.writeWake()
}

// Close releases the reactor and wake fd.
func (l *EpollLoop) Close() error {
	if l.reactor != nil {
		_ = l.reactor.Close()
	}
	return fd.Close(l.wakeFD.Release())
}
