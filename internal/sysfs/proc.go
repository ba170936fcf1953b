package sysfs

import (
	"fmt"
	"strconv"

	"github.com/keel-os/keel/internal/proc"
)

// RegisterProcRegistry wires /proc/<pid> status nodes to a live process table, resolved
// dynamically rather than created per spawn: PatchworkOS exposes process status under sysfs
// (SPEC_FULL §5), and since processes come and go far more often than CPUs do, a resolver avoids
// having to add and remove a static node on every spawn/exit.
func RegisterProcRegistry(t *Tree, registry *proc.Registry) {
	t.AddResolver([]string{"proc"}, func(rest []string) (*Node, bool) {
		if len(rest) != 1 {
			return nil, false
		}

		pid, err := strconv.ParseUint(rest[0], 10, 64)
		if err != nil {
			return nil, false
		}

		p, ok := registry.Lookup(pid)
		if !ok {
			return nil, false
		}

		return &Node{
			name: rest[0],
			read: func() ([]byte, error) {
				return []byte(fmt.Sprintf(
					"pid=%d threads=%d killed=%t\n", p.ID, p.ThreadCount(), p.Killed.Load(),
				)), nil
			},
		}, true
	})
}
