package syscall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/vfs"
)

func TestSyscall_ShareThenClaimHandsOffFile(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	pathBuf := ts.mapUser(t, 1, mem.Write|mem.User)
	ts.writeUser(t, pathBuf, append([]byte("/shared"), 0))

	fd, err := ts.dispatch(t, Open, Args{uint64(pathBuf), uint64(vfs.OpenCreate)})
	require.NoError(t, err)

	keyBuf := pathBuf + 256

	_, err = ts.dispatch(t, Share, Args{uint64(keyBuf), fd})
	require.NoError(t, err)

	claimFd, err := ts.dispatch(t, Claim, Args{uint64(keyBuf)})
	require.NoError(t, err)
	assert.NotEqual(t, ErrSentinel, claimFd)
}
