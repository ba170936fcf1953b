package sysfs

import (
	"fmt"
	"strconv"

	"github.com/keel-os/keel/internal/clock"
	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
)

// RegisterCPUStats adds a /stat/cpu/<n> status file plus a writable /stat/cpu/<n>/ctl file for
// every CPU in s, the ctl-child convention supplemented from original_source/src/kernel/ctl.c: a
// node that reports state also gets a sibling accepting out-of-band commands for it, here just
// "reset_clocks", which folds clk's uptime accumulator back towards zero.
func RegisterCPUStats(t *Tree, s *sched.Scheduler, clk *clock.Clock) {
	for i := 0; i < s.NumCPU(); i++ {
		cpu := s.CPU(i)

		t.AddFile([]string{"stat", "cpu", strconv.Itoa(i)}, func() ([]byte, error) {
			st := cpu.Stats()

			return []byte(fmt.Sprintf(
				"cpu=%d idle=%t current=%d runnable=%d graveyard=%d uptime=%s\n",
				st.ID, st.Idle, st.CurrentID, st.Runnable, st.GraveyardLen, clk.Uptime(),
			)), nil
		}, nil, nil)

		t.AddFile([]string{"stat", "cpu", strconv.Itoa(i), "ctl"}, nil, func(cmd []byte) error {
			switch string(cmd) {
			case "reset_clocks":
				clk.ResetOffset()
				return nil
			default:
				return errno.EUNKNOWNCTL
			}
		}, nil)
	}
}
