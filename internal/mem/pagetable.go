package mem

import (
	"encoding/binary"
	"fmt"
)

// VirtAddr is a virtual address as seen by a running thread.
type VirtAddr uint64

func (v VirtAddr) String() string { return fmt.Sprintf("%#014x", uint64(v)) }

// PageFlags are the software- and hardware-defined bits carried in a page-table entry. The low
// bits mirror real x86-64 PTE bits so the layout reads the way a reference manual describes it;
// Owned is a bit the hardware ignores (bits 9-11 are available for OS use) that this kernel
// repurposes to record whether unmapping the page should also free its frame (spec.md §9's
// owned-vs-borrowed distinction).
type PageFlags uint64

const (
	Present PageFlags = 1 << 0
	Write   PageFlags = 1 << 1
	User    PageFlags = 1 << 2
	Global  PageFlags = 1 << 8
	Owned   PageFlags = 1 << 9

	addrMask PageFlags = 0x000ffffffffff000
	flagMask PageFlags = ^addrMask
)

func entryFor(frame PhysFrame, flags PageFlags) uint64 {
	return uint64(PageFlags(frame.Addr)&addrMask | flags&flagMask | Present)
}

func frameOf(entry uint64) PhysFrame { return PhysFrame{Addr: PhysAddr(PageFlags(entry) & addrMask)} }
func flagsOf(entry uint64) PageFlags { return PageFlags(entry) & flagMask }
func present(entry uint64) bool      { return PageFlags(entry)&Present != 0 }

const entriesPerTable = 512

// indices splits a virtual address into its four 9-bit page-table indices, most significant
// first: PML4, PDPT, PD, PT, matching the x86-64 4-level paging scheme.
func indices(v VirtAddr) [4]uint64 {
	return [4]uint64{
		(uint64(v) >> 39) & 0x1ff,
		(uint64(v) >> 30) & 0x1ff,
		(uint64(v) >> 21) & 0x1ff,
		(uint64(v) >> 12) & 0x1ff,
	}
}

// PageTable walks and mutates a 4-level page-table tree rooted at a PhysFrame. Tables are stored
// as physical frames themselves — each is 512 little-endian uint64 entries, exactly PageSize
// bytes, the same layout a real MMU would expect — allocated from the same Allocator that hands
// out frames for ordinary pages, per spec.md §4.2.
type PageTable struct {
	alloc *Allocator
	root  PhysAddr
}

// NewPageTable allocates a fresh, empty top-level table.
func NewPageTable(alloc *Allocator) (*PageTable, error) {
	frame, ok := alloc.Alloc()
	if !ok {
		return nil, ErrOutOfMemory
	}

	zeroTable(alloc, frame.Addr)

	return &PageTable{alloc: alloc, root: frame.Addr}, nil
}

func zeroTable(alloc *Allocator, addr PhysAddr) {
	ram := alloc.ramBytes()
	for i := 0; i < PageSize; i++ {
		ram[uint64(addr)+uint64(i)] = 0
	}
}

func readEntry(alloc *Allocator, table PhysAddr, idx uint64) uint64 {
	off := uint64(table) + idx*8
	return binary.LittleEndian.Uint64(alloc.ramBytes()[off:])
}

func writeEntry(alloc *Allocator, table PhysAddr, idx uint64, entry uint64) {
	off := uint64(table) + idx*8
	binary.LittleEndian.PutUint64(alloc.ramBytes()[off:], entry)
}

// walk descends the table tree for the given indices, creating intermediate tables along the way
// when create is true. It returns the physical address of the level-1 (PT) table and the final
// index into it, or ok=false if a non-present intermediate entry was hit and create was false.
func (pt *PageTable) walk(idx [4]uint64, create bool) (table PhysAddr, last uint64, ok bool) {
	table = pt.root

	for level := 0; level < 3; level++ {
		entry := readEntry(pt.alloc, table, idx[level])

		if !present(entry) {
			if !create {
				return 0, 0, false
			}

			frame, allocOk := pt.alloc.Alloc()
			if !allocOk {
				return 0, 0, false
			}

			zeroTable(pt.alloc, frame.Addr)
			entry = entryFor(frame, Write|User)
			writeEntry(pt.alloc, table, idx[level], entry)
		}

		table = frameOf(entry).Addr
	}

	return table, idx[3], true
}

// Map installs a mapping from v to frame with the given flags. If owned is true, unmapping this
// page later also frees the frame back to the allocator; if false (a borrowed mapping, e.g. a
// device's MMIO page or a frame shared with another address space), Unmap leaves the frame alone.
func (pt *PageTable) Map(v VirtAddr, frame PhysFrame, flags PageFlags, owned bool) error {
	idx := indices(v)

	table, last, ok := pt.walk(idx, true)
	if !ok {
		return ErrOutOfMemory
	}

	if present(readEntry(pt.alloc, table, last)) {
		return ErrAlreadyMapped
	}

	if owned {
		flags |= Owned
	}

	writeEntry(pt.alloc, table, last, entryFor(frame, flags))

	return nil
}

// Unmap removes the mapping at v. If the mapping was Owned, the underlying frame is freed.
// Unmapping an address with no mapping is a no-op, matching the C kernel's munmap semantics for
// a hole.
func (pt *PageTable) Unmap(v VirtAddr) {
	idx := indices(v)

	table, last, ok := pt.walk(idx, false)
	if !ok {
		return
	}

	entry := readEntry(pt.alloc, table, last)
	if !present(entry) {
		return
	}

	if flagsOf(entry)&Owned != 0 {
		pt.alloc.Free(frameOf(entry))
	}

	writeEntry(pt.alloc, table, last, 0)
}

// ChangeFlags replaces the permission bits of an existing mapping without touching its frame or
// ownership bit.
func (pt *PageTable) ChangeFlags(v VirtAddr, flags PageFlags) error {
	idx := indices(v)

	table, last, ok := pt.walk(idx, false)
	if !ok {
		return ErrNotMapped
	}

	entry := readEntry(pt.alloc, table, last)
	if !present(entry) {
		return ErrNotMapped
	}

	owned := flagsOf(entry) & Owned
	writeEntry(pt.alloc, table, last, entryFor(frameOf(entry), flags|owned))

	return nil
}

// PhysAddrOf translates a virtual address, returning the frame it maps to plus the byte offset
// within the page. The second return is false if v is unmapped.
func (pt *PageTable) PhysAddrOf(v VirtAddr) (PhysAddr, bool) {
	idx := indices(v)

	table, last, ok := pt.walk(idx, false)
	if !ok {
		return 0, false
	}

	entry := readEntry(pt.alloc, table, last)
	if !present(entry) {
		return 0, false
	}

	return frameOf(entry).Addr + PhysAddr(uint64(v)&(PageSize-1)), true
}

// Mapped reports whether v currently has a mapping.
func (pt *PageTable) Mapped(v VirtAddr) bool {
	_, ok := pt.PhysAddrOf(v)
	return ok
}

// Unmapped is the complement of Mapped, spelled out for readability at call sites that check for
// a hole before mapping into it.
func (pt *PageTable) Unmapped(v VirtAddr) bool { return !pt.Mapped(v) }

// Free releases every owned frame reachable from this table, then the table frames themselves.
// It is called when a process exits and its address space is torn down.
func (pt *PageTable) Free() {
	pt.freeLevel(pt.root, 0)
}

func (pt *PageTable) freeLevel(table PhysAddr, level int) {
	for i := uint64(0); i < entriesPerTable; i++ {
		entry := readEntry(pt.alloc, table, i)
		if !present(entry) {
			continue
		}

		if level < 3 {
			pt.freeLevel(frameOf(entry).Addr, level+1)
		} else if flagsOf(entry)&Owned != 0 {
			pt.alloc.Free(frameOf(entry))
		}
	}

	pt.alloc.Free(PhysFrame{Addr: table})
}

// Root returns the physical address of the top-level table, for installing into CR3 (or, here,
// into the simulated CPU's active address-space register).
func (pt *PageTable) Root() PhysAddr { return pt.root }
