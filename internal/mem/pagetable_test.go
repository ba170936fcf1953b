package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T, frames uint64) *Allocator {
	t.Helper()

	mm := []MemoryMapEntry{{Base: 0, Length: frames * PageSize, Kind: Usable}}

	return NewAllocator(frames*PageSize, mm, Eager)
}

func TestPageTable_MapUnmap(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64)

	pt, err := NewPageTable(a)
	require.NoError(t, err)

	frame, ok := a.Alloc()
	require.True(t, ok)

	v := VirtAddr(0x0000000000401000)

	require.NoError(t, pt.Map(v, frame, Write, true))
	assert.True(t, pt.Mapped(v))

	phys, ok := pt.PhysAddrOf(v)
	require.True(t, ok)
	assert.Equal(t, frame.Addr, phys)

	pt.Unmap(v)
	assert.True(t, pt.Unmapped(v))
}

func TestPageTable_MapAlreadyMapped(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 16)
	pt, err := NewPageTable(a)
	require.NoError(t, err)

	f1, _ := a.Alloc()
	f2, _ := a.Alloc()

	v := VirtAddr(0x0000000000500000)

	require.NoError(t, pt.Map(v, f1, Write, true))
	err = pt.Map(v, f2, Write, true)
	assert.ErrorIs(t, err, ErrAlreadyMapped)
}

func TestPageTable_UnmapOwnedFreesFrame(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 16)
	pt, err := NewPageTable(a)
	require.NoError(t, err)

	before := a.Stats().Free

	frame, _ := a.Alloc()
	v := VirtAddr(0x0000000000600000)
	require.NoError(t, pt.Map(v, frame, Write, true))

	pt.Unmap(v)

	assert.Equal(t, before, a.Stats().Free, "owned unmap returns the frame")
}

func TestPageTable_UnmapBorrowedKeepsFrame(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 16)
	pt, err := NewPageTable(a)
	require.NoError(t, err)

	frame, ok := a.Alloc()
	require.True(t, ok)

	reservedBefore := a.Stats().Reserved

	v := VirtAddr(0x0000000000700000)
	require.NoError(t, pt.Map(v, frame, Write, false))

	pt.Unmap(v)

	assert.Equal(t, reservedBefore, a.Stats().Reserved, "borrowed unmap leaves the frame reserved by its owner")
}

func TestPageTable_ChangeFlags(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 16)
	pt, err := NewPageTable(a)
	require.NoError(t, err)

	frame, _ := a.Alloc()
	v := VirtAddr(0x0000000000800000)
	require.NoError(t, pt.Map(v, frame, Write, true))

	require.NoError(t, pt.ChangeFlags(v, User))

	phys, ok := pt.PhysAddrOf(v)
	require.True(t, ok)
	assert.Equal(t, frame.Addr, phys, "changing flags does not move the frame")
}

func TestPageTable_ChangeFlagsNotMapped(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 16)
	pt, err := NewPageTable(a)
	require.NoError(t, err)

	err = pt.ChangeFlags(VirtAddr(0x0000000000900000), Write)
	assert.ErrorIs(t, err, ErrNotMapped)
}

func TestPageTable_SpansMultipleDirectories(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 1024)
	pt, err := NewPageTable(a)
	require.NoError(t, err)

	// Two addresses that differ only in their PDPT index exercise table creation at every level.
	low := VirtAddr(0x0000000000001000)
	high := VirtAddr(0x0000008000001000)

	f1, _ := a.Alloc()
	f2, _ := a.Alloc()

	require.NoError(t, pt.Map(low, f1, Write, true))
	require.NoError(t, pt.Map(high, f2, Write, true))

	p1, ok := pt.PhysAddrOf(low)
	require.True(t, ok)
	p2, ok := pt.PhysAddrOf(high)
	require.True(t, ok)

	assert.NotEqual(t, p1, p2)
}

func TestPageTable_Free(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64)
	before := a.Stats().Free

	pt, err := NewPageTable(a)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		frame, ok := a.Alloc()
		require.True(t, ok)
		require.NoError(t, pt.Map(VirtAddr(i*PageSize), frame, Write, true))
	}

	pt.Free()

	assert.Equal(t, before, a.Stats().Free, "freeing the table reclaims every owned page and the tables themselves")
}
