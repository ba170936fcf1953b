package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/ramfs"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
)

func newTestConfig(t *testing.T) SpawnConfig {
	t.Helper()

	root, err := ramfs.New("root")
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })

	volumes := vfs.NewRegistry()
	volumes.Mount(root)

	alloc := mem.NewAllocator(16*1024*1024, []mem.MemoryMapEntry{
		{Base: 0, Length: 16 * 1024 * 1024, Kind: mem.Usable},
	}, mem.Eager)

	return SpawnConfig{
		Scheduler:  sched.NewScheduler(1, 4096),
		Allocator:  alloc,
		Volumes:    volumes,
		RootVolume: "root",
		UserBase:   mem.DefaultUserBase,
		UserLimit:  mem.DefaultUserLimit,
	}
}

func TestRegistry_SpawnCreatesProcessAndThread(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	cfg := newTestConfig(t)

	p, th, err := r.Spawn(cfg, []string{"/bin/init", "-v"})
	require.NoError(t, err)

	assert.Equal(t, sched.PriorityMax, th.Priority)
	assert.Same(t, p, th.Owner)
	assert.Equal(t, 1, p.ThreadCount())

	got, ok := r.Lookup(p.ID)
	require.True(t, ok)
	assert.Same(t, p, got)

	argv, err := DecodeArgv(p.Argv)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/init", "-v"}, argv)
}

func TestRegistry_SpawnDefaultsKernelStack(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	cfg := newTestConfig(t)

	_, th, err := r.Spawn(cfg, nil)
	require.NoError(t, err)
	assert.Len(t, th.KernelStack, DefaultKernelStack)
}

func TestRegistry_SpawnHonorsKernelStackOverride(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	cfg := newTestConfig(t)
	cfg.KernelStackSize = 8192

	_, th, err := r.Spawn(cfg, nil)
	require.NoError(t, err)
	assert.Len(t, th.KernelStack, 8192)
}

func TestRegistry_RemoveDropsProcess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	cfg := newTestConfig(t)

	p, _, err := r.Spawn(cfg, nil)
	require.NoError(t, err)

	r.Remove(p.ID)

	_, ok := r.Lookup(p.ID)
	assert.False(t, ok)
}

func TestRegistry_LookupMissingIsFalse(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, ok := r.Lookup(999)
	assert.False(t, ok)
}
