package mem

import (
	"fmt"

	deadlock "github.com/sasha-s/go-deadlock"
)

// Default layout of a user address space: a single growable region starting just above the null
// page, capped well below the canonical-address split so sign-extension of user pointers never
// produces a kernel-looking address.
const (
	DefaultUserBase  VirtAddr = 0x0000000000400000
	DefaultUserLimit VirtAddr = 0x0000800000000000
)

// AddressSpace is one process's virtual memory: its page tables plus a bump cursor handing out
// fresh virtual ranges for the loader, the heap, and stack growth. Real kernels track holes and
// reuse them; this one does not need to, since nothing in spec.md ever shrinks a user address
// space except by tearing down the whole thing at exit.
type AddressSpace struct {
	mu deadlock.Mutex

	tables *PageTable
	cursor VirtAddr
	limit  VirtAddr
}

// NewAddressSpace creates an address space over a fresh top-level page table, with the bump
// cursor starting at base and refusing to hand out any range touching or past limit.
func NewAddressSpace(alloc *Allocator, base, limit VirtAddr) (*AddressSpace, error) {
	pt, err := NewPageTable(alloc)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{tables: pt, cursor: base, limit: limit}, nil
}

// Reserve bumps the cursor forward by n pages and returns the base of the freshly reserved,
// unmapped range. It panics if the address space is exhausted: spec.md treats running out of
// user virtual address space the same as running out of any other unrecoverable kernel resource,
// not a condition a caller can sensibly recover from mid-mapping.
func (as *AddressSpace) Reserve(pages int) VirtAddr {
	as.mu.Lock()
	defer as.mu.Unlock()

	size := VirtAddr(pages * PageSize)

	if as.cursor+size > as.limit || as.cursor+size < as.cursor {
		panic(fmt.Sprintf("mem: address space exhausted reserving %d pages at %s", pages, as.cursor))
	}

	base := as.cursor
	as.cursor += size

	return base
}

// MapRange reserves pages fresh frames and maps them contiguously starting at the returned
// virtual base, returning an error instead of panicking if the allocator runs dry partway
// through (the reservation itself never fails; running out of physical frames is recoverable).
func (as *AddressSpace) MapRange(alloc *Allocator, pages int, flags PageFlags) (VirtAddr, error) {
	base := as.Reserve(pages)

	for i := 0; i < pages; i++ {
		frame, ok := alloc.Alloc()
		if !ok {
			as.unmapRangeLocked(base, i)
			return 0, ErrOutOfMemory
		}

		v := base + VirtAddr(i*PageSize)
		if err := as.tables.Map(v, frame, flags, true); err != nil {
			alloc.Free(frame)
			as.unmapRangeLocked(base, i)

			return 0, err
		}
	}

	return base, nil
}

func (as *AddressSpace) unmapRangeLocked(base VirtAddr, pages int) {
	for i := 0; i < pages; i++ {
		as.tables.Unmap(base + VirtAddr(i*PageSize))
	}
}

// MapBorrowed maps a single frame this address space does not own (MMIO, a shared buffer) at a
// freshly reserved virtual address.
func (as *AddressSpace) MapBorrowed(frame PhysFrame, flags PageFlags) (VirtAddr, error) {
	base := as.Reserve(1)

	if err := as.tables.Map(base, frame, flags, false); err != nil {
		return 0, err
	}

	return base, nil
}

// Tables exposes the underlying page-table walker for translation and teardown.
func (as *AddressSpace) Tables() *PageTable { return as.tables }

// Destroy frees every owned frame mapped in this address space, including the page tables
// themselves. Called once, when the owning process exits.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.tables.Free()
}
