package syscall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/ioring"
)

func TestSyscall_IoringSetupPushEnterTeardown(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	ringID, err := ts.dispatch(t, IoringSetup, Args{8, 8})
	require.NoError(t, err)

	r, ok := ts.d.Ring(ts.proc.ID, uint32(ringID))
	require.True(t, ok)

	require.NoError(t, r.PushSqe(ioring.NewSqe(ioring.OpNop, 0, 42)))

	n, err := ts.dispatch(t, IoringEnter, Args{ringID, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	cqe, ok := r.PopCqe()
	require.True(t, ok)
	assert.Equal(t, uint64(42), cqe.UserData)

	_, err = ts.dispatch(t, IoringTeardown, Args{ringID})
	require.NoError(t, err)

	_, ok = ts.d.Ring(ts.proc.ID, uint32(ringID))
	assert.False(t, ok)
}

func TestSyscall_IoringEnterUnknownRingFails(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	_, err := ts.dispatch(t, IoringEnter, Args{999, 1, 0})
	assert.Equal(t, errno.EBADF, err)
}
