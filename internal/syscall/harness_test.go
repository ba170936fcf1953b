package syscall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/clock"
	"github.com/keel-os/keel/internal/cpu"
	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/loader"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/proc"
	"github.com/keel-os/keel/internal/ramfs"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
)

// testSystem bundles everything a syscall handler test needs: a live Dispatcher, a spawned
// process with its first thread made current on CPU 0, and the volume registry backing it.
type testSystem struct {
	d       *Dispatcher
	sched   *sched.Scheduler
	proc    *proc.Process
	thread  *sched.Thread
	volumes *vfs.Registry
}

func newTestSystem(t *testing.T, argv []string) *testSystem {
	t.Helper()

	root, err := ramfs.New("root")
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })

	volumes := vfs.NewRegistry()
	volumes.Mount(root)

	alloc := mem.NewAllocator(16*1024*1024, []mem.MemoryMapEntry{
		{Base: 0, Length: 16 * 1024 * 1024, Kind: mem.Usable},
	}, mem.Eager)

	scheduler := sched.NewScheduler(1, 4096)

	d := New(Config{
		Procs:           proc.NewRegistry(),
		Shares:          proc.NewShareTable(),
		Scheduler:       scheduler,
		Clock:           clock.New(time.Now()),
		Loader:          loader.New(alloc),
		Alloc:           alloc,
		Volumes:         volumes,
		RootLabel:       "root",
		UserBase:        mem.DefaultUserBase,
		UserLimit:       mem.DefaultUserLimit,
		KernelStackSize: 4096,
	})

	cfg := proc.SpawnConfig{
		Scheduler:       scheduler,
		Allocator:       alloc,
		Volumes:         volumes,
		RootVolume:      "root",
		UserBase:        mem.DefaultUserBase,
		UserLimit:       mem.DefaultUserLimit,
		KernelStackSize: 4096,
	}

	p, th, err := d.Procs.Spawn(cfg, argv)
	require.NoError(t, err)

	scheduler.CPU(0).Schedule(0)

	return &testSystem{d: d, sched: scheduler, proc: p, thread: th, volumes: volumes}
}

// dispatch drives one syscall through the Dispatcher exactly as cpu.VectorSyscall would, using the
// SysV argument registers, and returns the frame's RAX plus the thread's resulting errno.
func (ts *testSystem) dispatch(t *testing.T, ord Ordinal, a Args) (uint64, error) {
	t.Helper()

	c := &cpu.Cpu{Sched: ts.sched.CPU(0)}
	frame := &sched.TrapFrame{
		RAX: uint64(ord),
		RDI: a[0], RSI: a[1], RDX: a[2], R10: a[3], R8: a[4], R9: a[5],
	}

	ts.d.Dispatch(c, frame)

	if frame.RAX == ErrSentinel {
		return frame.RAX, ts.thread.Errno
	}

	return frame.RAX, nil
}

// mapUser maps pages fresh pages into the process's address space and returns their base.
func (ts *testSystem) mapUser(t *testing.T, pages int, flags mem.PageFlags) mem.VirtAddr {
	t.Helper()

	base, err := ts.proc.Space.MapRange(ts.d.Alloc, pages, flags)
	require.NoError(t, err)

	return base
}

func (ts *testSystem) writeUser(t *testing.T, addr mem.VirtAddr, data []byte) {
	t.Helper()

	require.Equal(t, errno.NONE, writeBuf(ts.d.Alloc, ts.proc.Space, addr, data))
}

func (ts *testSystem) readUser(t *testing.T, addr mem.VirtAddr, n int) []byte {
	t.Helper()

	buf, errn := readBuf(ts.d.Alloc, ts.proc.Space, addr, n)
	require.Equal(t, errno.NONE, errn)

	return buf
}
