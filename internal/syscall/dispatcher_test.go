package syscall

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keel-os/keel/internal/errno"
)

func TestDispatch_UnknownOrdinalSetsENOSYS(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	rax, err := ts.dispatch(t, Ordinal(9999), Args{})
	assert.Equal(t, ErrSentinel, rax)
	assert.Equal(t, errno.ENOSYS, err)
}

func TestDispatch_PidAndTid(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	rax, err := ts.dispatch(t, Pid, Args{})
	assert.NoError(t, err)
	assert.Equal(t, ts.proc.ID, rax)

	rax, err = ts.dispatch(t, Tid, Args{})
	assert.NoError(t, err)
	assert.Equal(t, ts.thread.ID, rax)
}

func TestDispatch_ErrorOrdinalReadsLastErrno(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	_, err := ts.dispatch(t, Ordinal(9999), Args{})
	assert.Equal(t, errno.ENOSYS, err)

	rax, err := ts.dispatch(t, Error, Args{})
	assert.NoError(t, err)
	assert.Equal(t, uint64(errno.ENOSYS), rax)
}

func TestOrdinal_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "ioring_enter", IoringEnter.String())
	assert.Contains(t, Ordinal(9999).String(), "9999")
}
