package ioring

import (
	"fmt"
	"sync/atomic"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
	"github.com/keel-os/keel/internal/wait"
)

// Ring is a per-process I/O ring: a shared submission/completion queue pair plus the seven
// general-purpose registers spec.md §4.8 describes as a program's between-enter-calls
// indirection mechanism.
//
// shead/ctail are written only by Enter (the kernel side); stail/chead are written only by
// PushSqe/PopCqe (the user side). Each is an atomic.Uint32 so the opposite side's load/store pair
// gives the acquire/release ordering spec.md calls for without a separate lock on the indices
// themselves; mu only protects the slice contents and register file against concurrent PushSqe
// calls from multiple threads sharing one ring.
type Ring struct {
	mu deadlock.Mutex

	sEntries uint32
	cEntries uint32
	sMask    uint32
	cMask    uint32

	sq []Sqe
	cq []Cqe

	shead atomic.Uint32
	stail atomic.Uint32
	chead atomic.Uint32
	ctail atomic.Uint32

	regs [7]uint64

	fds     *vfs.FdTable
	buffers map[uint64][]byte
	nextBuf uint64

	completions *wait.WaitQueue
	ownerPID    uint64
}

func isPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Setup creates a ring of the given submission/completion sizes, both of which must be powers of
// two, bound to fds for resolving SQE file descriptors. It corresponds to spec.md §4.8's
// `setup(addr, sEntries, cEntries)`, minus the address parameter: this simulation has no separate
// user/kernel address spaces for the ring to be mapped between, so the Ring value itself is the
// shared memory.
func Setup(ownerPID uint64, fds *vfs.FdTable, sEntries, cEntries uint32) (*Ring, error) {
	if !isPowerOfTwo(sEntries) || !isPowerOfTwo(cEntries) {
		return nil, fmt.Errorf("ioring: sizes must be powers of two, got %d/%d", sEntries, cEntries)
	}

	return &Ring{
		sEntries:    sEntries,
		cEntries:    cEntries,
		sMask:       sEntries - 1,
		cMask:       cEntries - 1,
		sq:          make([]Sqe, sEntries),
		cq:          make([]Cqe, cEntries),
		fds:         fds,
		buffers:     make(map[uint64][]byte),
		completions: wait.NewQueue("ioring.completions"),
		ownerPID:    ownerPID,
	}, nil
}

// RegisterBuffer hands the ring a buffer a program wants to read into or write from, returning a
// handle to place in an SQE's Arg1. Real io_uring resolves Arg1 as a user virtual address the
// kernel already has mapped; without a shared address space between "user" and "kernel" goroutines
// here, a handle table stands in for that resolution.
func (r *Ring) RegisterBuffer(buf []byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.nextBuf
	r.nextBuf++
	r.buffers[h] = buf

	return h
}

func (r *Ring) buffer(handle uint64) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buffers[handle]

	return b, ok
}

// PushSqe writes sqe at the current submission tail and advances it; it is the "user space" side
// of filling the ring.
func (r *Ring) PushSqe(sqe Sqe) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stail.Load()-r.shead.Load() >= r.sEntries {
		return errno.ENOSPC
	}

	idx := r.stail.Load() & r.sMask
	r.sq[idx] = sqe
	r.stail.Add(1)

	return nil
}

// PopCqe reads the oldest unconsumed completion and advances the completion head, or reports none
// ready.
func (r *Ring) PopCqe() (Cqe, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.chead.Load() == r.ctail.Load() {
		return Cqe{}, false
	}

	idx := r.chead.Load() & r.cMask
	cqe := r.cq[idx]
	r.chead.Add(1)

	return cqe, true
}

// Pending reports the number of completions not yet popped.
func (r *Ring) Pending() uint32 {
	return r.ctail.Load() - r.chead.Load()
}

func (r *Ring) pushCqe(cqe Cqe) {
	r.mu.Lock()
	idx := r.ctail.Load() & r.cMask
	r.cq[idx] = cqe
	r.ctail.Add(1)
	r.mu.Unlock()

	wait.Wake(r.completions, 1)
}

// resolveArg substitutes a register's value for literal if the SQE's LOAD bitfield marks slot arg
// as register-indirect.
func (r *Ring) resolveArg(sqe *Sqe, arg int, literal uint64) uint64 {
	reg, ok := sqe.LoadRegister(arg)
	if !ok {
		return literal
	}

	r.mu.Lock()
	v := r.regs[reg]
	r.mu.Unlock()

	return v
}

func (r *Ring) saveResult(sqe *Sqe, result uint64) {
	reg, ok := sqe.SaveRegister()
	if !ok {
		return
	}

	r.mu.Lock()
	r.regs[reg] = result
	r.mu.Unlock()
}

// Enter consumes up to submit SQEs starting at the submission head, dispatches each to its op
// handler, and blocks (respecting t's cancellation via wait.Block's timeout) until at least
// waitMin completions are visible, per spec.md §4.8. It returns the number of SQEs processed.
func (r *Ring) Enter(t *sched.Thread, submit, waitMin int) (int, error) {
	r.mu.Lock()
	head := r.shead.Load()
	tail := r.stail.Load()

	available := int(tail - head)
	if submit > available {
		submit = available
	}

	batch := make([]Sqe, submit)
	for i := range batch {
		batch[i] = r.sq[(head+uint32(i))&r.sMask]
	}
	r.mu.Unlock()

	cancelNext := false

	for _, sqe := range batch {
		sqe := sqe

		var status errno.Errno

		var result uint64

		if cancelNext {
			status, result = errno.ECANCELED, 0
		} else {
			status, result = r.dispatch(t, &sqe)
		}

		r.saveResult(&sqe, result)
		r.pushCqe(Cqe{Op: sqe.Op, Status: errno.FromErrno(status), UserData: sqe.UserData, Result: result})

		// LINK propagates cancellation to the next entry on failure; HARDLINK (or no flag at
		// all) always lets the next entry dispatch normally, per spec.md §4.8.
		cancelNext = status != errno.NONE && sqe.Flags&FlagLink != 0
	}

	r.mu.Lock()
	r.shead.Store(head + uint32(len(batch)))
	r.mu.Unlock()

	for waitMin > 0 && int(r.Pending()) < waitMin {
		if status := wait.Block(t, r.completions, 0); status != errno.NORM {
			break
		}
	}

	return len(batch), nil
}
