package boot

import (
	"github.com/keel-os/keel/internal/loader"
	"github.com/keel-os/keel/internal/mem"
)

// FramebufferDescriptor is the GOP framebuffer descriptor spec.md §6.4 says the bootloader hands
// in. Nothing in this module renders to it — pixel output is an explicit Non-goal (spec.md §1) —
// it is carried here only so Info's shape matches what a real boot_info blob contains.
type FramebufferDescriptor struct {
	Base          mem.PhysAddr
	Width, Height uint32
	Stride        uint32
}

// Info is the boot_info blob a bootloader hands the kernel at start-up (spec.md §6.4): the
// firmware memory map, the framebuffer descriptor, and the init program to load.
type Info struct {
	MemoryMap []mem.MemoryMapEntry
	RAMBytes  uint64

	Framebuffer FramebufferDescriptor

	// Init is the init program's code/data, copied verbatim into its own address space.
	// InitEntryOffset is the entry point's offset within Init.Data.
	Init            loader.Segment
	InitEntryOffset mem.VirtAddr
	InitArgv        []string
}
