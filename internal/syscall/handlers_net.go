package syscall

import (
	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
)

func init() {
	register(Announce, unimplementedNet)
	register(Dial, unimplementedNet)
	register(Accept, unimplementedNet)
	register(Bind, unimplementedNet)
}

// unimplementedNet backs announce/dial/accept/bind. Networking is out of scope (spec.md §1's
// non-goals); these ordinals exist so a caller gets EIMPL rather than an unknown-syscall fault.
func unimplementedNet(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	return 0, errno.EIMPL
}
