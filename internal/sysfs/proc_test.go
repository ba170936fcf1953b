package sysfs

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/proc"
	"github.com/keel-os/keel/internal/ramfs"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
)

func TestRegisterProcRegistry_ReadsLiveProcess(t *testing.T) {
	t.Parallel()

	root, err := ramfs.New("root")
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Close() })

	volumes := vfs.NewRegistry()
	volumes.Mount(root)

	alloc := mem.NewAllocator(1024*1024, []mem.MemoryMapEntry{
		{Base: 0, Length: 1024 * 1024, Kind: mem.Usable},
	}, mem.Eager)

	registry := proc.NewRegistry()
	cfg := proc.SpawnConfig{
		Scheduler:  sched.NewScheduler(1, 4096),
		Allocator:  alloc,
		Volumes:    volumes,
		RootVolume: "root",
		UserBase:   mem.DefaultUserBase,
		UserLimit:  mem.DefaultUserLimit,
	}

	p, _, err := registry.Spawn(cfg, []string{"/bin/init"})
	require.NoError(t, err)

	tr := New("sys")
	RegisterProcRegistry(tr, registry)

	ops, priv, err := tr.Open([]string{"proc", strconv.FormatUint(p.ID, 10)}, 0)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := ops.Read(priv, buf, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "pid=1 "))
}

func TestRegisterProcRegistry_MissingPidIsENOENT(t *testing.T) {
	t.Parallel()

	registry := proc.NewRegistry()
	tr := New("sys")
	RegisterProcRegistry(tr, registry)

	_, _, err := tr.Open([]string{"proc", "999"}, 0)
	assert.ErrorIs(t, err, errno.ENOENT)
}
