// Package mem implements the physical frame allocator, the 4-level page-table walker, and the
// per-process address space built on top of them. It generalizes the teacher's memory controller
// (internal/vm/mem.go: a single MAR/MDR-addressed 16-bit space with access control) to a
// two-level translation scheme: physical frames carved from a firmware memory map, and 4-level
// page tables mapping virtual ranges onto them, per spec.md §4.1–§4.2.
package mem

import (
	"encoding/binary"
	"errors"
	"fmt"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/log"
)

// PageSize is the frame and page granularity. The source kernel only ever maps 4 KiB pages.
const PageSize = 4096

// PhysAddr is a physical address. PhysFrame values are always PageSize-aligned.
type PhysAddr uint64

func (p PhysAddr) String() string { return fmt.Sprintf("%#011x", uint64(p)) }

// PhysFrame is a handle to one physical frame. It carries no ownership semantics of its own — per
// spec.md §9, ownership is tracked explicitly by whoever holds the frame (a page-table entry with
// its Owned bit set, or a long-lived structure), never by the frame itself.
type PhysFrame struct {
	Addr PhysAddr
}

func (f PhysFrame) String() string { return f.Addr.String() }

// DescriptorKind classifies a region of the firmware memory map.
type DescriptorKind int

const (
	// Usable regions are loaded into the free list.
	Usable DescriptorKind = iota
	// Reserved regions (MMIO holes, ACPI tables the firmware still owns, ...) are never touched.
	Reserved
	// BootServices is the distinguished descriptor type occupied by the firmware memory map
	// itself; it is freed back to the pool exactly once, when loading completes (spec.md §4.1).
	BootServices
)

// MemoryMapEntry is one descriptor from the firmware-provided memory map handed to the kernel in
// the boot-info blob (spec.md §6.4).
type MemoryMapEntry struct {
	Base   PhysAddr
	Length uint64 // bytes, a multiple of PageSize
	Kind   DescriptorKind
}

func (e MemoryMapEntry) frames() uint64 { return e.Length / PageSize }

// LoadMode selects whether the allocator walks the entire firmware memory map at construction
// (Eager) or pulls descriptors in one at a time as the free list runs dry (Lazy). It is a
// build-time configuration choice per spec.md §4.1, carried as a boot.Config field rather than a
// Go build tag so tests can exercise both modes.
type LoadMode int

const (
	Eager LoadMode = iota
	Lazy
)

// Allocator is the physical frame allocator. One global instance backs the whole machine; it owns
// the byte storage that stands in for physical RAM (every PhysAddr below totalFrames*PageSize
// indexes into it directly) plus the free list threaded through the free frames' own storage, per
// spec.md §4.1.
type Allocator struct {
	mu deadlock.Mutex

	ram []byte // simulated physical RAM; PhysAddr is a byte offset into it

	freeHead   PhysAddr // PhysAddr of the first free frame, or noFrame
	freeCount  uint64
	reserved   uint64 // frames currently handed out
	totalBytes uint64

	// reservedBits tracks, per frame index, whether the frame is off the free list: allocated, or
	// never loaded from the memory map (reserved regions, descriptors Lazy mode has not pulled
	// yet, RAM no descriptor covers). It exists
	// purely to make alloc_at_bitmap's contiguous-range scan and the conservation invariant
	// cheap to check; the free list above remains the actual source of truth for alloc/free.
	reservedBits []bool

	mode    LoadMode
	pending []MemoryMapEntry // unloaded descriptors, consumed lazily
	loadedBootServices bool

	log *log.Logger
}

const noFrame PhysAddr = ^PhysAddr(0)

var ErrOutOfMemory = errors.New("mem: no free frames")

// NewAllocator builds an allocator over ramBytes of simulated physical memory and the firmware
// memory map describing which parts of it are usable. ramBytes must be large enough to hold the
// highest Base+Length of any entry in memoryMap.
func NewAllocator(ramBytes uint64, memoryMap []MemoryMapEntry, mode LoadMode) *Allocator {
	a := &Allocator{
		ram:          make([]byte, ramBytes),
		freeHead:     noFrame,
		totalBytes:   ramBytes,
		reservedBits: make([]bool, ramBytes/PageSize),
		mode:         mode,
		pending:      append([]MemoryMapEntry(nil), memoryMap...),
		log:          log.DefaultLogger(),
	}

	// No frame is free until a descriptor load pushes it onto the free list.
	for i := range a.reservedBits {
		a.reservedBits[i] = true
	}

	if mode == Eager {
		for len(a.pending) > 0 {
			a.loadNextDescriptorLocked()
		}
	} else {
		a.loadDescriptorsLocked(1) // prime just enough to serve the first allocation
	}

	return a
}

// loadNextDescriptorLocked consumes one pending descriptor, pushing its usable frames onto the
// free list. Must be called with mu held.
func (a *Allocator) loadNextDescriptorLocked() {
	if len(a.pending) == 0 {
		return
	}

	entry := a.pending[0]
	a.pending = a.pending[1:]

	if entry.Kind == Reserved {
		return
	}

	if entry.Kind == BootServices {
		// The firmware memory map itself is freed back to the pool exactly once, when loading
		// completes: i.e. only after every other descriptor has already been consumed.
		if len(a.pending) != 0 {
			a.pending = append(a.pending, entry)
			return
		}

		if a.loadedBootServices {
			return
		}

		a.loadedBootServices = true
	}

	for i := uint64(0); i < entry.frames(); i++ {
		a.pushFreeLocked(entry.Base + PhysAddr(i*PageSize))
	}
}

// loadDescriptorsLocked pulls descriptors until at least `want` frames are free or the map is
// exhausted. Used by Lazy mode when the free list runs dry.
func (a *Allocator) loadDescriptorsLocked(want uint64) {
	for a.freeCount < want && len(a.pending) > 0 {
		a.loadNextDescriptorLocked()
	}
}

func (a *Allocator) frameIndex(p PhysAddr) uint64 { return uint64(p) / PageSize }

func (a *Allocator) pushFreeLocked(addr PhysAddr) {
	idx := a.frameIndex(addr)
	a.reservedBits[idx] = false

	a.putLink(addr, noFrame, a.freeHead)
	if a.freeHead != noFrame {
		a.setPrev(a.freeHead, addr)
	}

	a.freeHead = addr
	a.freeCount++
}

// popFreeLocked removes and returns the head of the free list.
func (a *Allocator) popFreeLocked() (PhysAddr, bool) {
	if a.freeHead == noFrame {
		return 0, false
	}

	addr := a.freeHead
	_, next := a.getLink(addr)
	a.freeHead = next

	if next != noFrame {
		a.setPrev(next, noFrame)
	}

	a.freeCount--
	a.reservedBits[a.frameIndex(addr)] = true

	return addr, true
}

// unlinkLocked removes an arbitrary frame from the free list, used by AllocAtBitmap once a
// contiguous run has been located.
func (a *Allocator) unlinkLocked(addr PhysAddr) {
	prev, next := a.getLink(addr)

	if prev != noFrame {
		a.setNext(prev, next)
	} else {
		a.freeHead = next
	}

	if next != noFrame {
		a.setPrev(next, prev)
	}

	a.freeCount--
	a.reservedBits[a.frameIndex(addr)] = true
}

func (a *Allocator) putLink(addr, prev, next PhysAddr) {
	binary.LittleEndian.PutUint64(a.ram[addr:], uint64(prev))
	binary.LittleEndian.PutUint64(a.ram[addr+8:], uint64(next))
}

func (a *Allocator) getLink(addr PhysAddr) (prev, next PhysAddr) {
	prev = PhysAddr(binary.LittleEndian.Uint64(a.ram[addr:]))
	next = PhysAddr(binary.LittleEndian.Uint64(a.ram[addr+8:]))

	return prev, next
}

func (a *Allocator) setPrev(addr, prev PhysAddr) {
	binary.LittleEndian.PutUint64(a.ram[addr:], uint64(prev))
}

func (a *Allocator) setNext(addr, next PhysAddr) {
	binary.LittleEndian.PutUint64(a.ram[addr+8:], uint64(next))
}

// Alloc hands out one frame, or reports failure. O(1) amortized: the Lazy mode's occasional
// descriptor pull is the only non-constant-time path, and it happens at most once per descriptor
// over the lifetime of the allocator.
func (a *Allocator) Alloc() (PhysFrame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeCount == 0 && a.mode == Lazy {
		a.loadDescriptorsLocked(1)
	}

	addr, ok := a.popFreeLocked()
	if !ok {
		return PhysFrame{}, false
	}

	a.reserved++

	return PhysFrame{Addr: addr}, true
}

// Free returns a frame to the pool. Freeing an address not obtained from Alloc is undefined
// behavior and is not checked, per spec.md §4.1.
func (a *Allocator) Free(f PhysFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pushFreeLocked(f.Addr)
	a.reserved--
}

// FreePages frees count contiguous frames starting at f, as allocated by AllocAtBitmap.
func (a *Allocator) FreePages(f PhysFrame, count int) {
	for i := 0; i < count; i++ {
		a.Free(PhysFrame{Addr: f.Addr + PhysAddr(i*PageSize)})
	}
}

// AllocAtBitmap finds `count` contiguous free frames below maxAddr, aligned to align frames, and
// reserves them atomically. It is used for allocations with placement constraints — the AP
// trampoline page below 1 MiB, or an I/O ring's physically-contiguous buffer — and is
// O(totalFrames), unlike the O(1) single-frame path, which is why it is a separate operation
// (spec.md §4.1).
func (a *Allocator) AllocAtBitmap(count int, maxAddr PhysAddr, align int) (PhysFrame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode == Lazy {
		a.loadDescriptorsLocked(uint64(count))
	}

	limit := len(a.reservedBits)
	if maxAddr != 0 {
		lim := int(maxAddr / PageSize)
		if lim < limit {
			limit = lim
		}
	}

	for start := 0; start+count <= limit; start++ {
		if start%align != 0 {
			continue
		}

		free := true

		for i := 0; i < count; i++ {
			if a.reservedBits[start+i] {
				free = false
				break
			}
		}

		if !free {
			continue
		}

		for i := 0; i < count; i++ {
			a.unlinkLocked(PhysAddr((start + i) * PageSize))
		}

		a.reserved += uint64(count)

		return PhysFrame{Addr: PhysAddr(start * PageSize)}, true
	}

	return PhysFrame{}, false
}

// Stats reports the allocator's conservation invariant (spec.md §8 property 2): Total == Free +
// Reserved always.
type Stats struct {
	Total, Free, Reserved uint64
}

func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Stats{
		Total:    a.totalBytes / PageSize,
		Free:     a.freeCount,
		Reserved: a.reserved,
	}
}

// ramBytes exposes the allocator's backing store so the page-table walker (which stores PTEs
// inside allocated frames, exactly as real page tables live in physical memory) can read and
// write frame contents directly.
func (a *Allocator) ramBytes() []byte { return a.ram }

// ReadAt copies len(dst) bytes of simulated physical memory starting at addr into dst, the same
// direct-frame-content access ramBytes gives the page-table walker, exported for internal/loader
// to copy a segment's bytes into newly mapped frames.
func (a *Allocator) ReadAt(addr PhysAddr, dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	copy(dst, a.ram[addr:])
}

// WriteAt copies src into simulated physical memory starting at addr.
func (a *Allocator) WriteAt(addr PhysAddr, src []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	copy(a.ram[addr:], src)
}
