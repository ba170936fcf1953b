package syscall

import (
	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/sched"
)

func init() {
	register(Mmap, mmap)
	register(Munmap, munmap)
	register(Mprotect, mprotect)
}

// Mmap protection bits, matching PROT_READ/PROT_WRITE/PROT_EXEC. PROT_EXEC has no effect: the
// page tables this kernel builds (internal/mem) carry no NX bit to withhold.
const (
	ProtRead  = 1 << 0
	ProtWrite = 1 << 1
	ProtExec  = 1 << 2
)

// noFd is the sentinel fd value meaning "anonymous mapping", mirroring mmap's MAP_ANONYMOUS.
// File-backed mmap would need a page cache this kernel doesn't have (§1's "no ELF loader /
// on-disk filesystem" non-goal extends naturally to mmap of ordinary files), so any other fd
// value fails with EIMPL.
const noFd = ^uint64(0)

func protFlags(prot uint64) mem.PageFlags {
	flags := mem.User
	if prot&ProtWrite != 0 {
		flags |= mem.Write
	}

	return flags
}

// mmap maps len(rounded up to pages) fresh anonymous pages into the calling process's address
// space and returns their base address. The addr hint is ignored: this address space has no
// holes to place a mapping into deliberately, only its bump cursor (spec.md §4.2).
func mmap(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	if a[0] != noFd {
		return 0, errno.EIMPL
	}

	length := int64(a[2])
	if length <= 0 {
		return 0, errno.EINVAL
	}

	pages := (int(length) + mem.PageSize - 1) / mem.PageSize

	base, err := p.Space.MapRange(d.Alloc, pages, protFlags(a[3]))
	if err != nil {
		return 0, errno.ENOMEM
	}

	return uint64(base), errno.NONE
}

func pagesInRange(length int64) int {
	return (int(length) + mem.PageSize - 1) / mem.PageSize
}

// munmap unmaps every page in [addr, addr+len), freeing any page this process owns the frame of.
func munmap(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	base := mem.VirtAddr(a[0])
	pages := pagesInRange(int64(a[1]))

	for i := 0; i < pages; i++ {
		p.Space.Tables().Unmap(base + mem.VirtAddr(i*mem.PageSize))
	}

	return 0, errno.NONE
}

// mprotect changes the protection bits of every page in [addr, addr+len) without touching the
// frames or ownership underneath them.
func mprotect(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	base := mem.VirtAddr(a[0])
	pages := pagesInRange(int64(a[1]))
	flags := protFlags(a[2])

	for i := 0; i < pages; i++ {
		v := base + mem.VirtAddr(i*mem.PageSize)
		if err := p.Space.Tables().ChangeFlags(v, flags); err != nil {
			return 0, errno.EFAULT
		}
	}

	return 0, errno.NONE
}
