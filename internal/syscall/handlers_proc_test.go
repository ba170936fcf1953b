package syscall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
)

func TestSyscall_SleepReturnsOnTimeout(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	done := make(chan struct{})

	go func() {
		rax, err := ts.dispatch(t, Sleep, Args{uint64(5 * time.Millisecond)})
		assert.NoError(t, err)
		assert.Equal(t, uint64(0), rax)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleep syscall never returned")
	}
}

func TestSyscall_SleepReturnsCanceledWhenThreadKilled(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	done := make(chan error)

	go func() {
		_, err := ts.dispatch(t, Sleep, Args{uint64(time.Hour)})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ts.sched.CPU(0).Kill(ts.thread)
	ts.sched.CPU(0).Schedule(0)

	select {
	case err := <-done:
		assert.Equal(t, errno.ECANCELED, err)
	case <-time.After(time.Second):
		t.Fatal("sleep syscall never observed the kill")
	}
}

func TestSyscall_ProcessExitMarksAllThreadsKilled(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	_, err := ts.dispatch(t, ProcessExit, Args{})
	require.NoError(t, err)

	assert.Equal(t, sched.Killed, ts.thread.State())
}

func TestSyscall_SpawnLoadsChildFromArgv0(t *testing.T) {
	t.Parallel()

	ts := newTestSystem(t, []string{"/bin/init"})

	fd, err := ts.proc.Vfs.Open("/child", vfs.OpenCreate)
	require.NoError(t, err)

	f, err := ts.proc.Vfs.Fds.Get(fd)
	require.NoError(t, err)

	_, err = f.Write([]byte("CHILDIMAGE"))
	require.NoError(t, err)
	require.NoError(t, ts.proc.Vfs.Fds.Close(fd))

	argvBase := ts.mapUser(t, 1, mem.Write|mem.User)
	pathBase := argvBase + 64

	ts.writeUser(t, pathBase, append([]byte("/child"), 0))
	ts.writeUser(t, argvBase, encodePtrTable(t, []uint64{uint64(pathBase), 0}))

	rax, err := ts.dispatch(t, Spawn, Args{uint64(argvBase)})
	require.NoError(t, err)
	assert.NotEqual(t, ts.proc.ID, rax)
}

func encodePtrTable(t *testing.T, ptrs []uint64) []byte {
	t.Helper()

	buf := make([]byte, len(ptrs)*8)

	for i, p := range ptrs {
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(p >> (8 * b))
		}
	}

	return buf
}
