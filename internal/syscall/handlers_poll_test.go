package syscall

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/vfs"
)

func TestSyscall_PollReportsReadableFd(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	pathBuf := ts.mapUser(t, 1, mem.Write|mem.User)
	ts.writeUser(t, pathBuf, append([]byte("/pollable"), 0))

	fd, err := ts.dispatch(t, Open, Args{uint64(pathBuf), uint64(vfs.OpenCreate)})
	require.NoError(t, err)

	dataBuf := pathBuf + 256
	ts.writeUser(t, dataBuf, []byte("x"))
	_, err = ts.dispatch(t, Write, Args{fd, uint64(dataBuf), 1})
	require.NoError(t, err)
	_, err = ts.dispatch(t, Seek, Args{fd, 0, 0})
	require.NoError(t, err)

	entriesBuf := pathBuf + 1024

	entry := make([]byte, pollFdSize)
	binary.LittleEndian.PutUint32(entry[0:], uint32(fd))
	binary.LittleEndian.PutUint32(entry[4:], uint32(vfs.PollIn))
	ts.writeUser(t, entriesBuf, entry)

	n, err := ts.dispatch(t, Poll, Args{uint64(entriesBuf), 1, 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	raw := ts.readUser(t, entriesBuf, pollFdSize)
	observed := binary.LittleEndian.Uint32(raw[8:])
	assert.NotZero(t, observed&uint32(vfs.PollIn))
}

func TestSyscall_PollRejectsOversizedCount(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	_, err := ts.dispatch(t, Poll, Args{0, uint64(MaxPollFds + 1), 0})
	assert.Error(t, err)
}
