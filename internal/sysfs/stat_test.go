package sysfs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-os/keel/internal/clock"
	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
)

func TestRegisterCPUStats_ReadsFormattedSnapshot(t *testing.T) {
	t.Parallel()

	s := sched.NewScheduler(2, 4096)
	clk := clock.New(time.Unix(0, 0))

	tr := New("sys")
	RegisterCPUStats(tr, s, clk)

	ops, priv, err := tr.Open([]string{"stat", "cpu", "0"}, 0)
	require.NoError(t, err)

	buf := make([]byte, 256)
	n, err := ops.Read(priv, buf, 0)
	require.NoError(t, err)

	line := string(buf[:n])
	assert.True(t, strings.HasPrefix(line, "cpu=0 "))
	assert.Contains(t, line, "idle=true")
}

func TestRegisterCPUStats_CtlResetClocks(t *testing.T) {
	t.Parallel()

	s := sched.NewScheduler(1, 4096)
	clk := clock.New(time.Unix(0, 0))
	clk.Advance(time.Hour)

	tr := New("sys")
	RegisterCPUStats(tr, s, clk)

	ops, priv, err := tr.Open([]string{"stat", "cpu", "0", "ctl"}, 0)
	require.NoError(t, err)

	n, err := ops.Write(priv, []byte("reset_clocks"), 0)
	require.NoError(t, err)
	assert.Equal(t, len("reset_clocks"), n)
	assert.Less(t, clk.Uptime(), time.Hour)
}

func TestRegisterCPUStats_CtlUnknownCommand(t *testing.T) {
	t.Parallel()

	s := sched.NewScheduler(1, 4096)
	clk := clock.New(time.Unix(0, 0))

	tr := New("sys")
	RegisterCPUStats(tr, s, clk)

	ops, priv, err := tr.Open([]string{"stat", "cpu", "0", "ctl"}, 0)
	require.NoError(t, err)

	_, err = ops.Write(priv, []byte("bogus"), 0)
	assert.ErrorIs(t, err, errno.EUNKNOWNCTL)
}
