package ioring

import (
	"time"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
	"github.com/keel-os/keel/internal/wait"
)

// dispatch runs one op to completion or failure, returning the status to place in its CQE and the
// op-specific result word.
func (r *Ring) dispatch(t *sched.Thread, sqe *Sqe) (errno.Errno, uint64) {
	fd := r.resolveArg(sqe, 0, sqe.Arg0)
	arg1 := r.resolveArg(sqe, 1, sqe.Arg1)
	count := r.resolveArg(sqe, 2, sqe.Arg2)
	offset := r.resolveArg(sqe, 3, sqe.Arg3)

	switch sqe.Op {
	case OpNop:
		return errno.NONE, 0

	case OpRead:
		return r.doReadWrite(fd, arg1, count, offset, true)

	case OpWrite:
		return r.doReadWrite(fd, arg1, count, offset, false)

	case OpPoll:
		return r.doPoll(t, fd, arg1, sqe.Timeout)

	case OpCancel:
		return r.doCancel(sqe.UserData, arg1)

	default:
		return errno.EINVAL, 0
	}
}

func (r *Ring) doReadWrite(fdArg, bufHandle, count, offset uint64, isRead bool) (errno.Errno, uint64) {
	f, err := r.fds.Get(int(fdArg))
	if err != nil {
		return errno.EBADF, 0
	}

	buf, ok := r.buffer(bufHandle)
	if !ok {
		return errno.EFAULT, 0
	}

	if count > uint64(len(buf)) {
		count = uint64(len(buf))
	}

	buf = buf[:count]

	var n int

	if isRead {
		if offset == IOOffCur {
			n, err = f.Read(buf)
		} else {
			n, err = f.ReadAt(buf, int64(offset))
		}
	} else {
		if offset == IOOffCur {
			n, err = f.Write(buf)
		} else {
			n, err = f.WriteAt(buf, int64(offset))
		}
	}

	if err != nil {
		return toErrno(err), 0
	}

	return errno.NONE, uint64(n)
}

// doPoll blocks the submitting thread until fd reports one of the requested events or timeoutNanos
// elapses. spec.md §4.8 marks POLL as completing asynchronously (the CQE may arrive long after
// submission); since Enter here is a single synchronous dispatch loop rather than a background
// worker per op, the simplification is to block inline for up to the SQE's own timeout and
// complete before returning from Enter — a documented REDESIGN, not a silent behavior change.
func (r *Ring) doPoll(t *sched.Thread, fdArg, events, timeoutNanos uint64) (errno.Errno, uint64) {
	f, err := r.fds.Get(int(fdArg))
	if err != nil {
		return errno.EBADF, 0
	}

	want := pollEventsOf(events)

	q, ready, err := f.Poll(want)
	if err != nil {
		return toErrno(err), 0
	}

	if ready != 0 {
		return errno.NONE, eventsOf(ready)
	}

	if q == nil {
		return errno.NONE, 0
	}

	status := wait.Block(t, q, time.Duration(timeoutNanos))
	if status == errno.TIMEOUT {
		return errno.ETIMEDOUT, 0
	}

	_, ready, err = f.Poll(want)
	if err != nil {
		return toErrno(err), 0
	}

	return errno.NONE, eventsOf(ready)
}

// doCancel always reports zero ops cancelled: because Enter dispatches every op to completion (or
// to a bounded inline block, for POLL) before moving to the next SQE in the same call, there is
// never an op left in flight from an earlier Enter call for a later CANCEL to find.
func (r *Ring) doCancel(target, flags uint64) (errno.Errno, uint64) {
	_ = target
	_ = flags

	return errno.NONE, 0
}

func pollEventsOf(bits uint64) vfs.PollEvents {
	var e vfs.PollEvents
	if bits&PollRead != 0 {
		e |= vfs.PollIn
	}

	if bits&PollWrite != 0 {
		e |= vfs.PollOut
	}

	if bits&PollHangup != 0 {
		e |= vfs.PollHangup
	}

	return e
}

func eventsOf(e vfs.PollEvents) uint64 {
	var bits uint64
	if e&vfs.PollIn != 0 {
		bits |= PollRead
	}

	if e&vfs.PollOut != 0 {
		bits |= PollWrite
	}

	if e&vfs.PollHangup != 0 {
		bits |= PollHangup
	}

	return bits
}

func toErrno(err error) errno.Errno {
	if e, ok := err.(errno.Errno); ok {
		return e
	}

	return errno.EIO
}
