//go:build linux

package reactor

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/neterr"
)

// io_uring opcodes and syscall numbers this reactor needs. The module
// only ever submits poll-add/poll-remove/timeout SQEs — no read/write
// submissions — per spec's explicit scope note.
const (
	ioringOpPollAdd    = 6
	ioringOpPollRemove = 7
	ioringOpTimeout    = 11

	sysIoUringSetup = 425
	sysIoUringEnter = 426

	ioringEnterGetevents = 1 << 0
)

// sqParams mirrors struct io_uring_params (the fields this reactor
// reads out of the kernel's setup response).
type sqParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        sqOffsets
	cqOff        cqOffsets
}

type sqOffsets struct {
	head, tail, ringMask, ringEntries, flags, dropped, array, resv1 uint32
	resv2                                                           uint64
}

type cqOffsets struct {
	head, tail, ringMask, ringEntries, overflow, cqes uint32
	flags                                             uint32
	resv1                                             uint32
	resv2                                             uint64
}

// sqe mirrors struct io_uring_sqe for the opcodes this reactor uses
// (poll add/remove, timeout). Layout matches the kernel ABI.
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	pollEvents  uint32 // union: poll_events / rw_flags / timeout flags, etc.
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	pad2        [2]uint64
}

// cqe mirrors struct io_uring_cqe.
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// kernelTimespec mirrors struct __kernel_timespec (64-bit fields,
// required ABI for IORING_OP_TIMEOUT regardless of host word size).
type kernelTimespec struct {
	sec  int64
	nsec int64
}

// Completion is one io_uring completion: the submitted token and its
// result (negative = negated errno, per spec).
type Completion struct {
	Token  uint64
	Result int32
}

// Uring wraps one io_uring instance configured for poll submissions
// only. The submission methods are serialized by an internal mutex;
// Wait drains the completion queue without it and must not run
// concurrently with itself. The owning event loop calls Wait only from
// its driver goroutine.
type Uring struct {
	fd int

	sqMmap  []byte
	cqMmap  []byte
	sqeMmap []byte

	sqHead, sqTail, sqMask, sqArrayOff *uint32
	sqArray                            []uint32
	cqHead, cqTail, cqMask             *uint32
	cqes                               []cqe

	sqEntries uint32
	sqeSize   uintptr

	mu            sync.Mutex
	pendingSubmit uint32

	// timespecs backs pending IORING_OP_TIMEOUT SQEs; kept alive until
	// submit completes since the kernel reads the pointer async.
	timespecs []*kernelTimespec
}

// NewUring initializes a ring with the given submission-queue depth.
func NewUring(queueDepth uint32) (*Uring, error) {
	if queueDepth == 0 {
		queueDepth = 256
	}
	var params sqParams
	r1, _, errno := unix.Syscall(sysIoUringSetup, uintptr(queueDepth), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, neterr.FromErrno(errno)
	}
	fd := int(r1)

	sqRingSize := uintptr(params.sqOff.array) + uintptr(params.sqEntries)*4
	cqRingSize := uintptr(params.cqOff.cqes) + uintptr(params.cqEntries)*uintptr(unsafe.Sizeof(cqe{}))

	sqMmap, err := unix.Mmap(fd, 0 /* IORING_OFF_SQ_RING */, int(sqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, neterr.FromErrno(err)
	}
	cqMmap, err := unix.Mmap(fd, 0x8000000 /* IORING_OFF_CQ_RING */, int(cqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Close(fd)
		return nil, neterr.FromErrno(err)
	}
	sqeSize := uintptr(unsafe.Sizeof(sqe{}))
	sqeMmap, err := unix.Mmap(fd, 0x10000000 /* IORING_OFF_SQES */, int(uintptr(params.sqEntries)*sqeSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Munmap(cqMmap)
		unix.Close(fd)
		return nil, neterr.FromErrno(err)
	}

	sqBase := unsafe.Pointer(&sqMmap[0])
	cqBase := unsafe.Pointer(&cqMmap[0])

	u := &Uring{
		fd:        fd,
		sqMmap:    sqMmap,
		cqMmap:    cqMmap,
		sqeMmap:   sqeMmap,
		sqHead:    (*uint32)(unsafe.Add(sqBase, params.sqOff.head)),
		sqTail:    (*uint32)(unsafe.Add(sqBase, params.sqOff.tail)),
		sqMask:    (*uint32)(unsafe.Add(sqBase, params.sqOff.ringMask)),
		cqHead:    (*uint32)(unsafe.Add(cqBase, params.cqOff.head)),
		cqTail:    (*uint32)(unsafe.Add(cqBase, params.cqOff.tail)),
		cqMask:    (*uint32)(unsafe.Add(cqBase, params.cqOff.ringMask)),
		sqEntries: params.sqEntries,
		sqeSize:   sqeSize,
	}
	sqArrayPtr := unsafe.Add(sqBase, params.sqOff.array)
	u.sqArray = unsafe.Slice((*uint32)(sqArrayPtr), params.sqEntries)
	cqesPtr := unsafe.Add(cqBase, params.cqOff.cqes)
	u.cqes = unsafe.Slice((*cqe)(cqesPtr), params.cqEntries)

	return u, nil
}

func (u *Uring) sqeAt(idx uint32) *sqe {
	off := uintptr(idx) * u.sqeSize
	return (*sqe)(unsafe.Add(unsafe.Pointer(&u.sqeMmap[0]), off))
}

// nextSQE reserves the next submission-queue slot, or reports EBUSY if
// the ring is full and hasn't been submitted yet.
func (u *Uring) nextSQE() (*sqe, error) {
	head := atomic.LoadUint32(u.sqHead)
	tail := *u.sqTail
	mask := *u.sqMask
	if tail-head >= u.sqEntries {
		return nil, neterr.ErrBusy
	}
	idx := tail & mask
	u.sqArray[idx] = idx
	e := u.sqeAt(idx)
	*e = sqe{}
	atomic.StoreUint32(u.sqTail, tail+1)
	return e, nil
}

// SubmitPollAdd enqueues a poll-add SQE for fd with the given kernel
// poll mask (EPOLLIN/EPOLLOUT bits), tagged with token.
func (u *Uring) SubmitPollAdd(token uint64, fd int, pollMask uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, err := u.nextSQE()
	if err != nil {
		return err
	}
	e.opcode = ioringOpPollAdd
	e.fd = int32(fd)
	e.pollEvents = pollMask
	e.userData = token
	u.pendingSubmit++
	return nil
}

// SubmitPollRemove enqueues cancellation of the poll-add previously
// submitted under targetToken.
func (u *Uring) SubmitPollRemove(targetToken uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, err := u.nextSQE()
	if err != nil {
		return err
	}
	e.opcode = ioringOpPollRemove
	e.addr = targetToken
	e.userData = 0
	u.pendingSubmit++
	return nil
}

// submitTimeout enqueues a one-shot IORING_OP_TIMEOUT SQE bounding the
// next Wait; its completion is filtered out of the reported batch.
func (u *Uring) submitTimeout(token uint64, d time.Duration) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	e, err := u.nextSQE()
	if err != nil {
		return err
	}
	ts := &kernelTimespec{sec: int64(d / time.Second), nsec: int64(d % time.Second)}
	u.timespecs = append(u.timespecs, ts)
	e.opcode = ioringOpTimeout
	e.addr = uint64(uintptr(unsafe.Pointer(ts)))
	e.len = 1
	e.userData = token
	u.pendingSubmit++
	return nil
}

// Submit flushes queued submission entries to the kernel without
// waiting for completions.
func (u *Uring) Submit() error {
	u.mu.Lock()
	n := u.pendingSubmit
	u.pendingSubmit = 0
	u.mu.Unlock()
	if n == 0 {
		return nil
	}
	_, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(u.fd), uintptr(n), 0, 0, 0, 0)
	if errno != 0 {
		return neterr.FromErrno(errno)
	}
	return nil
}

// timeoutToken is reserved: never a real waiter token (tokens skip 0).
// SubmitPollRemove also tags its own SQE with it, so Wait drops both the
// bounding timeout's and every poll-remove's completion.
const timeoutToken uint64 = 0

// Wait blocks until at least one completion is available or the
// timeout elapses, whichever comes first, draining up to len(out)
// completions. -ETIME/-EINTR collapse to zero completions. A nil
// timeout blocks indefinitely.
func (u *Uring) Wait(out []Completion, timeout *time.Duration) (int, error) {
	u.mu.Lock()
	pending := u.pendingSubmit
	u.pendingSubmit = 0
	u.mu.Unlock()

	if timeout != nil {
		if err := u.submitTimeout(timeoutToken, *timeout); err != nil {
			return 0, err
		}
		u.mu.Lock()
		pending = u.pendingSubmit
		u.pendingSubmit = 0
		u.mu.Unlock()
	}

	_, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(u.fd), uintptr(pending), 1, ioringEnterGetevents, 0, 0)
	if errno != 0 {
		if errno == unix.EINTR {
			return 0, nil
		}
		return 0, neterr.FromErrno(errno)
	}

	n := 0
	for {
		head := *u.cqHead
		tail := atomic.LoadUint32(u.cqTail)
		if head == tail || n >= len(out) {
			break
		}
		c := u.cqes[head&*u.cqMask]
		atomic.StoreUint32(u.cqHead, head+1)
		if c.userData == timeoutToken {
			continue // own bounding timeout or a poll-remove, not a caller-visible completion
		}
		out[n] = Completion{Token: c.userData, Result: c.res}
		n++
	}
	u.timespecs = u.timespecs[:0]
	return n, nil
}

// Close releases the ring's mmap regions and file descriptor.
func (u *Uring) Close() error {
	unix.Munmap(u.sqeMmap)
	unix.Munmap(u.cqMmap)
	unix.Munmap(u.sqMmap)
	return neterr.FromErrno(unix.Close(u.fd))
}
