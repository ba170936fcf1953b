// Package sched implements the per-CPU scheduler: ready queues indexed by priority, load
// balancing at enqueue time, time slices, and preemption driven by the timer IPI or an explicit
// yield. It generalizes the teacher's instruction-cycle loop (internal/vm/exec.go's fetch,
// decode, execute, service-interrupts loop) into a preemptible scheduling loop running one
// logical thread of control per trap, instead of one fixed LC-3 register file.
package sched

import (
	"fmt"
	"sync/atomic"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
)

// PriorityLevels is the number of distinct priority queues per CPU. Priority 0 is lowest,
// PriorityMax is highest.
const (
	PriorityLevels = 4
	PriorityIdle   = 0
	PriorityMax    = PriorityLevels - 1
)

// TimeSlice is the number of scheduler ticks a thread runs before an equal-priority ready thread
// gets its turn; a ready higher-priority thread takes over at the next Schedule call even within
// the slice. It is a tick count rather than a wall-clock duration because
// the clock package drives every CPU's notion of "now" from the same monotonic tick counter.
const TimeSlice = 10

// State is a thread's run state.
type State int32

const (
	Ready State = iota
	Running
	Blocked
	Parked
	Killed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Parked:
		return "parked"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Owner identifies the process a thread belongs to without sched needing to import the proc
// package — proc imports sched.Thread, not the other way around.
type Owner interface {
	OwnerID() uint64
}

// TrapFrame is the register image saved at kernel entry, large enough to resume either a user-
// or kernel-mode thread. Only the owning CPU may mutate it, and only while the thread it belongs
// to is not running.
type TrapFrame struct {
	RIP, RSP, RFLAGS, CR3 uint64
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RBP         uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
}

// SimdState stands in for the FXSAVE/XSAVE area saved and restored alongside the trap frame.
type SimdState struct {
	Data [512]byte
}

// Thread is one schedulable unit of execution. It belongs to exactly one process (its Owner) and
// is never shared across CPUs while running: exactly one CPU's runThread pointer refers to a
// given thread at a time, which is also the only CPU allowed to mutate its TrapFrame.
type Thread struct {
	ID       uint64
	Owner    Owner
	Priority int

	state    atomic.Int32
	deadline atomic.Uint64

	TrapFrame TrapFrame
	Simd      SimdState

	KernelStack []byte

	Errno  errno.Errno
	Result errno.Status

	mu deadlock.Mutex

	// onCPU is the id of the CPU whose ready queue the thread was last pushed onto, set by
	// pushLocal. Nothing reads it: per-CPU load comes from each CPU's runnableCount.
	onCPU int
}

// NewThread allocates a thread with a kernel stack of the given size, owned by owner, at the
// given priority.
func NewThread(id uint64, owner Owner, priority int, stackSize int) *Thread {
	t := &Thread{
		ID:          id,
		Owner:       owner,
		Priority:    clampPriority(priority),
		KernelStack: make([]byte, stackSize),
	}
	t.state.Store(int32(Ready))

	return t
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}

	if p > PriorityMax {
		return PriorityMax
	}

	return p
}

func (t *Thread) State() State        { return State(t.state.Load()) }
func (t *Thread) setState(s State)    { t.state.Store(int32(s)) }
func (t *Thread) Deadline() uint64    { return t.deadline.Load() }
func (t *Thread) setDeadline(d uint64) { t.deadline.Store(d) }

// Lock/Unlock guard the thread's wait-context fields (used by the wait package when transitioning
// a thread through parked -> blocked -> ready). Scheduling fields above use atomics instead,
// since the hot path (Schedule) must not block on a lock a waiter might be holding.
func (t *Thread) Lock()   { t.mu.Lock() }
func (t *Thread) Unlock() { t.mu.Unlock() }

// MarkBlocked and MarkReady record a thread's transition into and out of a wait queue. They exist
// so the wait package, which does not otherwise touch scheduling internals, can keep a thread's
// observable state consistent with spec.md §4.3's state ∈ {ready, running, blocked, killed}.
func (t *Thread) MarkBlocked() { t.setState(Blocked) }
func (t *Thread) MarkReady()   { t.setState(Ready) }
func (t *Thread) MarkParked()  { t.setState(Parked) }

// MarkKilled flags the thread for reaping. Per spec.md §4.9, a killed thread is not removed
// immediately; it is reaped the next time it traps into the kernel at a user-mode site (modeled
// here as the next time the scheduler's graveyard sweep observes the state).
func (t *Thread) MarkKilled() { t.setState(Killed) }
