package syscall

import (
	"time"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/proc"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/wait"
)

func init() {
	register(ProcessExit, processExit)
	register(ThreadExit, threadExit)
	register(Spawn, spawn)
	register(Sleep, sleep)
	register(Error, errorOrdinal)
	register(Pid, pid)
	register(Tid, tid)
	register(Uptime, uptime)
}

// processExit marks every thread of the calling process killed, per spec.md §4.9: reaping itself
// happens the next time the scheduler observes the state, not here.
func processExit(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	p.Exit()

	return 0, errno.NONE
}

// threadExit marks only the calling thread killed, tearing down the whole process if it was the
// last one left.
func threadExit(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	p.ThreadExit(t)

	return 0, errno.NONE
}

// spawn implements spec.md §4.9's spawn(argv): argv[0] is opened through the calling process's
// own VFS context and its bytes are handed to internal/loader as a single flat segment — ELF
// parsing is explicitly out of scope, so the "image" spawn loads is whatever bytes the path
// holds, exactly as internal/boot loads the init image.
func spawn(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	parent, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	argv, errn := readArgv(d.Alloc, parent.Space, mem.VirtAddr(a[0]))
	if errn != errno.NONE {
		return 0, errn
	}

	if len(argv) == 0 {
		return 0, errno.EINVAL
	}

	image, errn := readFileFully(parent, argv[0])
	if errn != errno.NONE {
		return 0, errn
	}

	cfg := proc.SpawnConfig{
		Scheduler:       d.Scheduler,
		Allocator:       d.Alloc,
		Volumes:         d.Volumes,
		RootVolume:      d.RootLabel,
		UserBase:        d.UserBase,
		UserLimit:       d.UserLimit,
		KernelStackSize: d.KernelStackSize,
	}

	child, childThread, err := d.Procs.Spawn(cfg, argv)
	if err != nil {
		return 0, errno.ESPAWNFAIL
	}

	base, err := d.Loader.Load(child.Space, loaderSegment(image))
	if err != nil {
		return 0, errno.ESPAWNFAIL
	}

	argvBase, err := d.Loader.LoadArgv(child.Space, child.Argv)
	if err != nil {
		return 0, errno.ESPAWNFAIL
	}

	if err := d.Loader.Enter(childThread, child.Space, base, len(argv), argvBase); err != nil {
		return 0, errno.ESPAWNFAIL
	}

	return child.ID, errno.NONE
}

// sleep blocks the calling thread on a private queue nobody ever wakes for nsec nanoseconds, the
// simplest possible suspension point that still goes through the same wait subsystem every other
// blocking call uses. A timed-out block is sleep's normal, successful return, not a failure.
func sleep(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	q := wait.NewQueue("sleep")

	switch wait.Block(t, q, time.Duration(a[0])) {
	case errno.DEAD:
		return 0, errno.ECANCELED
	default:
		return 0, errno.NONE
	}
}

// errorOrdinal implements the error() syscall: it reads back the errno the thread's most recent
// failed syscall set, per spec.md §4.9's "thread-local error is exposed to userland via the error
// syscall".
func errorOrdinal(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	return uint64(t.Errno), errno.NONE
}

func pid(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	return p.ID, errno.NONE
}

func tid(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	return t.ID, errno.NONE
}

func uptime(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	return uint64(d.Clock.Uptime().Nanoseconds()), errno.NONE
}
