package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressSpace_MapRange(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 256)

	as, err := NewAddressSpace(a, DefaultUserBase, DefaultUserLimit)
	require.NoError(t, err)

	base, err := as.MapRange(a, 4, Write|User)
	require.NoError(t, err)
	assert.Equal(t, DefaultUserBase, base)

	for i := 0; i < 4; i++ {
		assert.True(t, as.Tables().Mapped(base+VirtAddr(i*PageSize)))
	}

	next := as.Reserve(0)
	assert.Equal(t, DefaultUserBase+VirtAddr(4*PageSize), next, "cursor advances past the mapped range")
}

func TestAddressSpace_ReservePanicsOnExhaustion(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 16)

	limit := DefaultUserBase + VirtAddr(2*PageSize)
	as, err := NewAddressSpace(a, DefaultUserBase, limit)
	require.NoError(t, err)

	as.Reserve(2)

	assert.Panics(t, func() {
		as.Reserve(1)
	})
}

func TestAddressSpace_MapRangeRollsBackOnExhaustion(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 32)

	as, err := NewAddressSpace(a, DefaultUserBase, DefaultUserLimit)
	require.NoError(t, err)

	// Prime the page-directory chain with one mapping so the frames consumed below are all data
	// pages landing in the same already-allocated leaf table, not new interior tables.
	_, err = as.MapRange(a, 1, Write)
	require.NoError(t, err)

	before := a.Stats().Free

	_, err = as.MapRange(a, int(before)+4, Write)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	assert.Equal(t, before, a.Stats().Free, "partial mapping is rolled back on exhaustion")
}

func TestAddressSpace_Destroy(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 256)
	before := a.Stats().Free

	as, err := NewAddressSpace(a, DefaultUserBase, DefaultUserLimit)
	require.NoError(t, err)

	_, err = as.MapRange(a, 8, Write|User)
	require.NoError(t, err)

	as.Destroy()

	assert.Equal(t, before, a.Stats().Free)
}

func TestAddressSpace_MapBorrowedDoesNotOwnFrame(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 64)

	as, err := NewAddressSpace(a, DefaultUserBase, DefaultUserLimit)
	require.NoError(t, err)

	frame, ok := a.Alloc()
	require.True(t, ok)

	v, err := as.MapBorrowed(frame, Write)
	require.NoError(t, err)
	assert.True(t, as.Tables().Mapped(v))

	reservedBefore := a.Stats().Reserved
	as.Tables().Unmap(v)
	assert.Equal(t, reservedBefore, a.Stats().Reserved, "borrowed frame outlives the mapping")

	a.Free(frame)
}
