package loader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/proc"
	"github.com/keel-os/keel/internal/sched"
)

func newTestSpace(t *testing.T) (*Loader, *mem.AddressSpace) {
	t.Helper()

	alloc := mem.NewAllocator(4*1024*1024, []mem.MemoryMapEntry{
		{Base: 0, Length: 4 * 1024 * 1024, Kind: mem.Usable},
	}, mem.Eager)

	space, err := mem.NewAddressSpace(alloc, mem.DefaultUserBase, mem.DefaultUserLimit)
	require.NoError(t, err)

	return New(alloc), space
}

func TestLoad_CopiesSegmentBytesIntoMappedPages(t *testing.T) {
	t.Parallel()

	l, space := newTestSpace(t)

	code := make([]byte, mem.PageSize+16)
	for i := range code {
		code[i] = byte(i)
	}

	base, err := l.Load(space, Segment{Data: code, Flags: mem.Write | mem.User})
	require.NoError(t, err)
	assert.Equal(t, mem.DefaultUserBase, base)

	for i, want := range code {
		phys, ok := space.Tables().PhysAddrOf(base + mem.VirtAddr(i))
		require.True(t, ok)

		var got [1]byte
		l.alloc.ReadAt(phys, got[:])
		assert.Equal(t, want, got[0], "byte %d mismatches", i)
	}
}

func TestLoadArgv_RelocatesPointerTableToAbsoluteAddresses(t *testing.T) {
	t.Parallel()

	l, space := newTestSpace(t)

	argvBuf, err := proc.EncodeArgv([]string{"/bin/init", "-v"})
	require.NoError(t, err)

	base, err := l.LoadArgv(space, argvBuf)
	require.NoError(t, err)

	var ptr0, ptr1 [8]byte

	phys0, ok := space.Tables().PhysAddrOf(base)
	require.True(t, ok)
	l.alloc.ReadAt(phys0, ptr0[:])

	phys1, ok := space.Tables().PhysAddrOf(base + 8)
	require.True(t, ok)
	l.alloc.ReadAt(phys1, ptr1[:])

	got0 := binary.LittleEndian.Uint64(ptr0[:])
	got1 := binary.LittleEndian.Uint64(ptr1[:])

	assert.Greater(t, got0, uint64(base))
	assert.Greater(t, got1, got0)
}

func TestEnter_SetsTrapFrameForUserEntry(t *testing.T) {
	t.Parallel()

	l, space := newTestSpace(t)

	th := sched.NewThread(1, nil, sched.PriorityMax, 4096)

	entry := mem.VirtAddr(0x401000)
	argvPtr := mem.VirtAddr(0x402000)

	err := l.Enter(th, space, entry, 2, argvPtr)
	require.NoError(t, err)

	assert.Equal(t, uint64(entry), th.TrapFrame.RIP)
	assert.Equal(t, uint64(2), th.TrapFrame.RDI)
	assert.Equal(t, uint64(argvPtr), th.TrapFrame.RSI)
	assert.Equal(t, uint64(space.Tables().Root()), th.TrapFrame.CR3)
	assert.NotZero(t, th.TrapFrame.RSP)
}
