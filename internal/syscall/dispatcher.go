package syscall

import (
	"sync/atomic"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/clock"
	"github.com/keel-os/keel/internal/cpu"
	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/ioring"
	"github.com/keel-os/keel/internal/loader"
	"github.com/keel-os/keel/internal/log"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/proc"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
)

// Handler implements one syscall ordinal: it receives the calling thread and its argument
// registers and returns either a success value or an Errno, never both.
type Handler func(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno)

var table map[Ordinal]Handler

func register(o Ordinal, h Handler) {
	if table == nil {
		table = make(map[Ordinal]Handler)
	}

	table[o] = h
}

// Dispatcher holds every resource a syscall handler might need to touch, the same bundling
// internal/boot.Config uses for bring-up parameters, here reused for the one thing bring-up
// deliberately keeps out of its own scope: running code on behalf of userland.
type Dispatcher struct {
	Procs     *proc.Registry
	Shares    *proc.ShareTable
	Scheduler *sched.Scheduler
	Clock     *clock.Clock
	Loader    *loader.Loader
	Alloc     *mem.Allocator
	Volumes   *vfs.Registry

	RootLabel       string
	UserBase        mem.VirtAddr
	UserLimit       mem.VirtAddr
	KernelStackSize int

	mu    deadlock.Mutex
	rings map[uint64]map[uint32]*ioring.Ring

	nextShareKey atomic.Uint64

	log *log.Logger
}

// Config bundles the resources New needs, mirroring boot.Config's functional-bundle shape.
type Config struct {
	Procs     *proc.Registry
	Shares    *proc.ShareTable
	Scheduler *sched.Scheduler
	Clock     *clock.Clock
	Loader    *loader.Loader
	Alloc     *mem.Allocator
	Volumes   *vfs.Registry

	RootLabel       string
	UserBase        mem.VirtAddr
	UserLimit       mem.VirtAddr
	KernelStackSize int
}

// New creates a dispatcher ready to install at cpu.VectorSyscall via boot.WithSyscallHandler.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		Procs:           cfg.Procs,
		Shares:          cfg.Shares,
		Scheduler:       cfg.Scheduler,
		Clock:           cfg.Clock,
		Loader:          cfg.Loader,
		Alloc:           cfg.Alloc,
		Volumes:         cfg.Volumes,
		RootLabel:       cfg.RootLabel,
		UserBase:        cfg.UserBase,
		UserLimit:       cfg.UserLimit,
		KernelStackSize: cfg.KernelStackSize,
		rings:           make(map[uint64]map[uint32]*ioring.Ring),
		log:             log.DefaultLogger(),
	}
}

// Dispatch is the cpu.Handler installed at cpu.VectorSyscall: it reads the ordinal from RAX, the
// arguments from the SysV register convention, runs the matching handler, and writes the result
// (or ErrSentinel plus the thread's errno) back into the frame, per spec.md §6.1's return
// convention.
func (d *Dispatcher) Dispatch(c *cpu.Cpu, frame *sched.TrapFrame) {
	t := c.Sched.Current()
	if t == nil {
		return
	}

	ord := Ordinal(frame.RAX)

	h, ok := table[ord]
	if !ok {
		t.Errno = errno.ENOSYS
		frame.RAX = ErrSentinel

		return
	}

	args := argsFromFrame(frame.RDI, frame.RSI, frame.RDX, frame.R10, frame.R8, frame.R9)

	result, errn := h(d, t, args)

	t.Errno = errn

	if errn != errno.NONE {
		frame.RAX = ErrSentinel
		return
	}

	frame.RAX = result
}

// owner recovers the process that owns t. Every user thread is created via proc.Process.NewThread,
// which always passes itself as sched.NewThread's owner, so this assertion only fails for a
// kernel-only thread (the per-CPU idle thread) mistakenly routed through a syscall trap.
func owner(t *sched.Thread) (*proc.Process, errno.Errno) {
	p, ok := t.Owner.(*proc.Process)
	if !ok {
		return nil, errno.EFAULT
	}

	return p, errno.NONE
}
