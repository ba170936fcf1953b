// Package proc implements the Process/Thread/Loader component from spec.md §4.9: a process owns
// an address space, a VFS context, and a set of threads, the same struct-of-owned-resources shape
// the teacher's internal/vm/vm.go LC3 type uses to bundle PC/PSR/REG/Mem into one machine value.
// Here the "machine" is one user process instead of the single simulated LC-3, and there can be
// many of them, each scheduled across the CPU fleet.
package proc

import (
	"sync/atomic"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
)

// DefaultKernelStack is the per-thread kernel stack size used when a caller doesn't override it.
const DefaultKernelStack = 16 * 1024

// Process owns the resources spec.md §3 lists: an address space, a VFS context, argv, and the
// threads running inside it. It is freed when the last thread drops the last reference.
type Process struct {
	ID uint64

	mu      deadlock.Mutex
	threads map[uint64]*sched.Thread
	nextTid uint64

	Argv   []byte
	Killed atomic.Bool

	Vfs   *vfs.Context
	Space *mem.AddressSpace

	refs atomic.Int32
}

// OwnerID implements sched.Owner.
func (p *Process) OwnerID() uint64 { return p.ID }

// Ref increments the process's reference count, held once per live thread plus once per anything
// else (e.g. a sysfs /proc/<pid> node) that needs the process to outlive its threads.
func (p *Process) Ref() { p.refs.Add(1) }

// Deref decrements the reference count and reports whether this was the last reference, in which
// case the caller is responsible for tearing down Space and Vfs.
func (p *Process) Deref() bool { return p.refs.Add(-1) == 0 }

// NewThread allocates a new thread owned by p, at priority, with a fresh kernel stack, and tracks
// it for process_exit bookkeeping. It does not push the thread to a scheduler; callers do that.
func (p *Process) NewThread(priority, kernelStackSize int) *sched.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextTid++
	t := sched.NewThread(p.nextTid, p, priority, kernelStackSize)
	p.threads[t.ID] = t

	return t
}

// ThreadExit marks t killed and, if it was the process's last thread, marks the whole process
// killed too, per spec.md §4.9's "thread_exit and process_exit mark the thread (and optionally
// all threads of the process) as killed".
func (p *Process) ThreadExit(t *sched.Thread) {
	t.MarkKilled()

	p.mu.Lock()
	delete(p.threads, t.ID)
	remaining := len(p.threads)
	p.mu.Unlock()

	if remaining == 0 {
		p.Exit()
	}
}

// Exit marks every thread of p killed. Per spec.md §5, a thread observing `killed` is reaped no
// later than its next trap back into the kernel; Exit only flips the flags, it does not itself
// remove anything from a scheduler's queues.
func (p *Process) Exit() {
	if !p.Killed.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.threads {
		t.MarkKilled()
	}
}

// ThreadCount reports the number of live threads, used by tests and by /proc/<pid> status nodes.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.threads)
}
