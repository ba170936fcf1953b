// Package loader implements spawn's load step: copying argv and pre-built code/data segments into
// a freshly created address space, then pointing a thread's trap frame at the entry address,
// matching the teacher's own object loader (internal/vm/loader.go: origin address plus a code
// slice, copied into machine memory) generalized from "one flat LC-3 address space" to "one
// segment mapped into one page range of one process's AddressSpace". Real ELF parsing is
// explicitly out of scope (spec.md §1); callers hand this package pre-extracted segments.
package loader

import (
	"encoding/binary"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/log"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/sched"
)

// DefaultStackPages sizes the user stack Enter maps for a newly loaded thread.
const DefaultStackPages = 4

// Segment is one pre-built chunk of a program image to map and copy, standing in for an ELF
// PT_LOAD program header.
type Segment struct {
	Data  []byte
	Flags mem.PageFlags
}

// Loader copies segments and argv into address spaces carved from alloc.
type Loader struct {
	alloc *mem.Allocator
	log   *log.Logger
}

// New creates a loader drawing physical frames from alloc.
func New(alloc *mem.Allocator) *Loader {
	return &Loader{alloc: alloc, log: log.DefaultLogger()}
}

func pagesFor(n int) int {
	pages := (n + mem.PageSize - 1) / mem.PageSize
	if pages == 0 {
		pages = 1
	}

	return pages
}

func (l *Loader) writePages(space *mem.AddressSpace, base mem.VirtAddr, data []byte) error {
	remaining := data

	for len(remaining) > 0 {
		phys, ok := space.Tables().PhysAddrOf(base)
		if !ok {
			return errno.EFAULT
		}

		n := len(remaining)
		if n > mem.PageSize {
			n = mem.PageSize
		}

		l.alloc.WriteAt(phys, remaining[:n])

		remaining = remaining[n:]
		base += mem.VirtAddr(mem.PageSize)
	}

	return nil
}

// Load maps a fresh range of pages in space and copies seg.Data into it, returning the virtual
// base address the segment was placed at.
func (l *Loader) Load(space *mem.AddressSpace, seg Segment) (mem.VirtAddr, error) {
	pages := pagesFor(len(seg.Data))

	base, err := space.MapRange(l.alloc, pages, seg.Flags)
	if err != nil {
		return 0, err
	}

	if err := l.writePages(space, base, seg.Data); err != nil {
		return 0, err
	}

	l.log.Debug("loaded segment", "base", base, "bytes", len(seg.Data))

	return base, nil
}

// LoadArgv maps argvBuf (built by proc.EncodeArgv) into space and relocates its pointer table from
// offsets relative to the buffer's own start to absolute virtual addresses, completing the
// relocation EncodeArgv defers to whoever actually knows where the buffer will live.
func (l *Loader) LoadArgv(space *mem.AddressSpace, argvBuf []byte) (mem.VirtAddr, error) {
	pages := pagesFor(len(argvBuf))

	base, err := space.MapRange(l.alloc, pages, mem.Write|mem.User)
	if err != nil {
		return 0, err
	}

	relocated := append([]byte(nil), argvBuf...)

	for off := 0; ; off += 8 {
		if off+8 > len(relocated) {
			return 0, errno.EFAULT
		}

		ptr := binary.LittleEndian.Uint64(relocated[off:])
		if ptr == 0 {
			break
		}

		binary.LittleEndian.PutUint64(relocated[off:], uint64(base)+ptr)
	}

	if err := l.writePages(space, base, relocated); err != nil {
		return 0, err
	}

	return base, nil
}

// Enter maps a user stack in space and points t's trap frame at entry, ready for the scheduler to
// resume it in user mode: argc in RDI and the (already relocated) argv pointer in RSI, the same
// SysV-style argument registers the teacher's own TrapHALT convention stands in for with LC-3's
// R0/R1 trap argument registers.
func (l *Loader) Enter(t *sched.Thread, space *mem.AddressSpace, entry mem.VirtAddr, argc int, argvPtr mem.VirtAddr) error {
	stackBase, err := space.MapRange(l.alloc, DefaultStackPages, mem.Write|mem.User)
	if err != nil {
		return err
	}

	t.TrapFrame.RIP = uint64(entry)
	t.TrapFrame.RSP = uint64(stackBase) + uint64(DefaultStackPages*mem.PageSize)
	t.TrapFrame.RDI = uint64(argc)
	t.TrapFrame.RSI = uint64(argvPtr)
	t.TrapFrame.CR3 = uint64(space.Tables().Root())

	return nil
}
