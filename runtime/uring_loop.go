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

// wakeToken is reserved for the loop's own self-poll on wakeFD; it
// never collides with a real waiter token since nextToken starts at 1
// and wraps back to 1 before reaching it.
const wakeToken uint64 = ^uint64(0)

// pollContext records what a submitted poll token is waiting for, so a
// completion can be routed back to its waiterSlot without walking the
// whole waiter map.
type pollContext struct {
	fd       int
	readable bool
}

// UringLoop is the completion-poll Scheduler implementation: one
// io_uring instance submitting nothing but poll-add/poll-remove/
// timeout SQEs, per spec's explicit scope note that this module never
// issues read/write submissions.
//
// Token identity replaces the coroutine-frame-address key the
// original design uses to match a completion back to its waiter: a
// completion whose token no longer names a live registration (because
// a timeout or cancellation already resolved it) is simply dropped.
type UringLoop struct {
	ring   *reactor.Uring
	wakeFD fd.Owned

	mu                 sync.Mutex
	waiters            map[int]*waiterSlot
	inflight           map[uint64]pollContext
	nextToken          uint64
	pendingWaiterCount int
	// unparkedCount counts tracked tasks that are running (or merely
	// spawned and not yet scheduled onto a goroutine) rather than
	// blocked in WaitReadable/WaitWritable. See the matching field in
	// EpollLoop for the full rationale.
	unparkedCount    int
	timedWaiterCount int
	nextDeadline     time.Time
	hasNextDeadline  bool
	loopErr          error

	activeTaskCount int64 // atomic
	stopRequested   atomic.Bool
	initErr         error
}

// NewUringLoop creates a ring of the given submission-queue depth
// (0 selects the reactor's default) and arms the loop's wake eventfd.
func NewUringLoop(queueDepth uint32) (*UringLoop, error) {
	l := &UringLoop{
		waiters:   make(map[int]*waiterSlot),
		inflight:  make(map[uint64]pollContext),
		nextToken: 1,
	}

	r, err := reactor.NewUring(queueDepth)
	if err != nil {
		l.initErr = err
		return l, err
	}
	l.ring = r

	raw, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		l.initErr = neterr.FromErrno(err)
		return l, l.initErr
	}
	l.wakeFD = fd.Adopt(raw)

	if err := l.armWake(); err != nil {
		l.initErr = err
		return l, err
	}
	return l, nil
}

// Valid reports whether construction succeeded.
func (l *UringLoop) Valid() bool { return l.initErr == nil }

// Stats returns a snapshot of the loop's current counters.
func (l *UringLoop) Stats() Stats {
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
func (l *UringLoop) Schedule(fn func()) {
	atomic.AddInt64(&l.activeTaskCount, 1)
	l.mu.Lock()
	l.unparkedCount++
	l.mu.Unlock()
	go fn()
}

// OnTaskCompleted decrements the active root-task count. A task is
// always unparked (running, not blocked on a waiter) at the moment it
// completes, so this also undoes Schedule's unparkedCount bump.
func (l *UringLoop) OnTaskCompleted() {
	atomic.AddInt64(&l.activeTaskCount, -1)
	l.mu.Lock()
	l.unparkedCount--
	l.mu.Unlock()
}

// WaitReadable parks until fd is readable or the timeout elapses.
func (l *UringLoop) WaitReadable(f int, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
	return l.waitFor(f, true, timeout, hasTimeout, timeoutErr)
}

// WaitWritable parks until fd is writable or the timeout elapses.
func (l *UringLoop) WaitWritable(f int, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
	return l.waitFor(f, false, timeout, hasTimeout, timeoutErr)
}

func (l *UringLoop) waitFor(f int, readable bool, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
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

func pollMaskFor(readable bool) uint32 {
	mask := uint32(unix.POLLERR) | uint32(unix.POLLHUP)
	if readable {
		return mask | uint32(unix.POLLIN) | uint32(unix.POLLRDHUP)
	}
	return mask | uint32(unix.POLLOUT)
}

// armWaiter submits a poll-add SQE for f in direction readable and
// registers the bookkeeping needed to resolve its eventual completion
// (or its deadline, whichever comes first). The returned bool reports
// whether the caller actually parked (and so must be credited back to
// unparkedCount on resume) as opposed to being resolved synchronously
// without ever leaving the ready state.
func (l *UringLoop) armWaiter(f int, readable bool, timeout time.Duration, hasTimeout bool, reg *waitRegistration) (bool, error) {
	if f < 0 {
		return false, neterr.ErrBadFD
	}
	if hasTimeout && timeout <= 0 {
		reg.resultCh <- reg.timeoutErr
		return false, nil
	}

	l.mu.Lock()
	slot, existed := l.waiters[f]
	if !existed {
		slot = &waiterSlot{}
		l.waiters[f] = slot
	}
	target := &slot.writable
	if readable {
		target = &slot.readable
	}
	if *target != nil {
		if !existed {
			delete(l.waiters, f)
		}
		l.mu.Unlock()
		return false, neterr.ErrBusy
	}

	token := l.nextToken
	for {
		l.nextToken++
		if l.nextToken == wakeToken {
			l.nextToken = 1
		}
		if _, live := l.inflight[token]; !live {
			break
		}
		token = l.nextToken
	}

	err := l.ring.SubmitPollAdd(token, f, pollMaskFor(readable))
	if neterr.Is(err, unix.EBUSY) {
		// Submission queue full: flush it and retry once.
		if err = l.ring.Submit(); err == nil {
			err = l.ring.SubmitPollAdd(token, f, pollMaskFor(readable))
		}
	}
	if err != nil {
		if slot.empty() {
			delete(l.waiters, f)
		}
		l.mu.Unlock()
		return false, err
	}
	if err := l.ring.Submit(); err != nil {
		if slot.empty() {
			delete(l.waiters, f)
		}
		l.mu.Unlock()
		return false, err
	}

	reg.token = token
	*target = reg
	l.inflight[token] = pollContext{fd: f, readable: readable}

	if hasTimeout {
		reg.deadline = time.Now().Add(timeout)
		reg.hasDeadline = true
		l.timedWaiterCount++
		if !l.hasNextDeadline || reg.deadline.Before(l.nextDeadline) {
			l.nextDeadline = reg.deadline
			l.hasNextDeadline = true
		}
	}
	l.pendingWaiterCount++
	l.unparkedCount--
	l.mu.Unlock()

	// A task goroutine may submit this poll-add while Run is already
	// blocked in ring.Wait with a stale (or absent) bounding timeout;
	// the wake completion forces the next pass to recompute it. See
	// DESIGN.md.
	l.pingWakeLocked()
	return true, nil
}

// armWake (re-)submits the loop's perpetual self-poll on wakeFD. It
// only touches the ring, never l.mu, so callers may hold the lock or
// not as convenient.
func (l *UringLoop) armWake() error {
	if err := l.ring.SubmitPollAdd(wakeToken, l.wakeFD.Get(), uint32(unix.POLLIN)); err != nil {
		return err
	}
	return l.ring.Submit()
}

func (l *UringLoop) pingWakeLocked() {
	var buf [8]byte
	buf[0] = 1
	for {
		_, err := unix.Write(l.wakeFD.Get(), buf[:])
		if err == nil || err != unix.EINTR {
			return
		}
	}
}

// Run drives the loop until Stop is called, every task completes, or
// an unrecoverable error is latched.
func (l *UringLoop) Run() error {
	if l.initErr != nil {
		return l.initErr
	}
	l.stopRequested.Store(false)

	completions := make([]reactor.Completion, 64)
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
		var timeoutPtr *time.Duration
		if hasTimeout {
			timeoutPtr = &timeout
		}

		n, err := l.ring.Wait(completions, timeoutPtr)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			l.processCompletion(completions[i])
			if err := l.latchedError(); err != nil {
				return err
			}
		}
	}
	return l.latchedError()
}

func (l *UringLoop) latchedError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loopErr
}

func (l *UringLoop) computeTimeout() (time.Duration, bool) {
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

func (l *UringLoop) processCompletion(c reactor.Completion) {
	if c.Token == wakeToken {
		l.drainAndRearmWake()
		return
	}

	l.mu.Lock()
	ctx, ok := l.inflight[c.Token]
	if !ok {
		l.mu.Unlock()
		return // stale: already resolved by timeout or cancellation
	}
	delete(l.inflight, c.Token)

	slot, ok := l.waiters[ctx.fd]
	if !ok {
		l.mu.Unlock()
		return
	}
	target := &slot.writable
	if ctx.readable {
		target = &slot.readable
	}
	reg := *target
	if reg == nil || reg.token != c.Token {
		l.mu.Unlock()
		return
	}
	*target = nil
	if reg.hasDeadline && l.timedWaiterCount > 0 {
		l.timedWaiterCount--
	}
	if l.pendingWaiterCount > 0 {
		l.pendingWaiterCount--
	}
	if slot.empty() {
		delete(l.waiters, ctx.fd)
	}
	l.mu.Unlock()

	if c.Result < 0 {
		reg.resultCh <- neterr.New(unix.Errno(-c.Result))
		return
	}
	reg.resultCh <- nil
}

func (l *UringLoop) drainAndRearmWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFD.Get(), buf[:])
		if err == nil {
			continue
		}
		break
	}

	l.mu.Lock()
	if err := l.armWake(); err != nil {
		l.loopErr = err
		l.stopRequested.Store(true)
	}
	l.mu.Unlock()
}

func (l *UringLoop) processExpiredWaiters() {
	l.mu.Lock()
	if l.timedWaiterCount == 0 {
		l.hasNextDeadline = false
		l.mu.Unlock()
		return
	}

	now := time.Now()
	if l.hasNextDeadline && now.Before(l.nextDeadline) {
		l.mu.Unlock()
		return
	}

	var toDeliver []*waitRegistration
	var toCancel []uint64
	var newNext time.Time
	hasNew := false

	for f, slot := range l.waiters {
		if slot.readable != nil && slot.readable.hasDeadline && !now.Before(slot.readable.deadline) {
			reg := slot.readable
			slot.readable = nil
			l.timedWaiterCount--
			if l.pendingWaiterCount > 0 {
				l.pendingWaiterCount--
			}
			delete(l.inflight, reg.token)
			toCancel = append(toCancel, reg.token)
			toDeliver = append(toDeliver, reg)
		}
		if slot.writable != nil && slot.writable.hasDeadline && !now.Before(slot.writable.deadline) {
			reg := slot.writable
			slot.writable = nil
			l.timedWaiterCount--
			if l.pendingWaiterCount > 0 {
				l.pendingWaiterCount--
			}
			delete(l.inflight, reg.token)
			toCancel = append(toCancel, reg.token)
			toDeliver = append(toDeliver, reg)
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

	for _, token := range toCancel {
		_ = l.ring.SubmitPollRemove(token)
	}
	if len(toCancel) > 0 {
		_ = l.ring.Submit()
	}
	l.mu.Unlock()

	for _, reg := range toDeliver {
		reg.resultCh <- reg.timeoutErr
	}
}

// Stop requests the loop to exit and unblocks a parked Wait call.
func (l *UringLoop) Stop() {
	l.stopRequested.Store(true)
	l.pingWakeLocked()
}

// Close releases the ring and wake fd.
func (l *UringLoop) Close() error {
	if l.ring != nil {
		_ = l.ring.Close()
	}
	return fd.Close(l.wakeFD.Release())
}
