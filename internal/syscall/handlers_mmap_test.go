package syscall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
)

func TestSyscall_MmapMunmapRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	base, err := ts.dispatch(t, Mmap, Args{noFd, 0, uint64(mem.PageSize), ProtRead | ProtWrite})
	require.NoError(t, err)
	require.NotZero(t, base)

	ts.writeUser(t, mem.VirtAddr(base), []byte("mapped"))
	assert.Equal(t, "mapped", string(ts.readUser(t, mem.VirtAddr(base), 6)))

	_, err = ts.dispatch(t, Munmap, Args{base, uint64(mem.PageSize)})
	require.NoError(t, err)

	_, errn := readBuf(ts.d.Alloc, ts.proc.Space, mem.VirtAddr(base), 1)
	assert.Equal(t, errno.EFAULT, errn)
}

func TestSyscall_MmapRejectsFileBacked(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	_, err := ts.dispatch(t, Mmap, Args{3, 0, uint64(mem.PageSize), ProtRead})
	assert.Equal(t, errno.EIMPL, err)
}

func TestSyscall_MprotectKeepsPageMapped(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	base, err := ts.dispatch(t, Mmap, Args{noFd, 0, uint64(mem.PageSize), ProtRead | ProtWrite})
	require.NoError(t, err)

	_, err = ts.dispatch(t, Mprotect, Args{base, uint64(mem.PageSize), ProtRead})
	require.NoError(t, err)

	assert.True(t, ts.proc.Space.Tables().Mapped(mem.VirtAddr(base)))
}
