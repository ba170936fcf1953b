package proc

import (
	"sync/atomic"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
)

// Registry tracks every live process by id, the way a real kernel's process table does; sysfs's
// /proc/<pid> node reads through it.
type Registry struct {
	mu        deadlock.Mutex
	nextID    atomic.Uint64
	processes map[uint64]*Process
}

// NewRegistry creates an empty process table.
func NewRegistry() *Registry {
	return &Registry{processes: make(map[uint64]*Process)}
}

// Lookup returns the process with the given id, if still live.
func (r *Registry) Lookup(id uint64) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.processes[id]

	return p, ok
}

// Remove drops a process from the table, called once its last reference is gone.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.processes, id)
}

// SpawnConfig bundles the resources a new process needs, mirroring the boot.Config functional-
// options idiom described for the ambient configuration layer: every field here would otherwise
// be threaded through Spawn's argument list by hand.
type SpawnConfig struct {
	Scheduler       *sched.Scheduler
	Allocator       *mem.Allocator
	Volumes         *vfs.Registry
	RootVolume      string
	UserBase        mem.VirtAddr
	UserLimit       mem.VirtAddr
	KernelStackSize int
}

// Spawn implements spec.md §4.9's spawn(argv): it allocates a Process, copies argv into a single
// contiguous buffer, creates the first thread at max priority, and hands it to the scheduler. The
// thread's entry point (loader_entry, in internal/loader) is the caller's responsibility to wire
// up via the thread's TrapFrame before it first runs.
func (r *Registry) Spawn(cfg SpawnConfig, argv []string) (*Process, *sched.Thread, error) {
	argvBuf, err := EncodeArgv(argv)
	if err != nil {
		return nil, nil, errno.ESPAWNFAIL
	}

	space, err := mem.NewAddressSpace(cfg.Allocator, cfg.UserBase, cfg.UserLimit)
	if err != nil {
		return nil, nil, errno.ESPAWNFAIL
	}

	id := r.nextID.Add(1)
	vfsCtx := vfs.NewContext(cfg.Volumes, cfg.RootVolume)

	p := &Process{
		ID:      id,
		threads: make(map[uint64]*sched.Thread),
		Argv:    argvBuf,
		Vfs:     vfsCtx,
		Space:   space,
	}
	p.Ref()

	stackSize := cfg.KernelStackSize
	if stackSize == 0 {
		stackSize = DefaultKernelStack
	}

	t := p.NewThread(sched.PriorityMax, stackSize)

	r.mu.Lock()
	r.processes[id] = p
	r.mu.Unlock()

	cfg.Scheduler.Push(t)

	return p, t, nil
}
