package syscall

import (
	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/ioring"
	"github.com/keel-os/keel/internal/sched"
)

func init() {
	register(IoringSetup, ioringSetup)
	register(IoringTeardown, ioringTeardown)
	register(IoringEnter, ioringEnter)
}

// ioringSetup creates a ring bound to the calling process's fd table and files it under a fresh
// per-process ring id, the simulation's stand-in for mapping the ring's control page into user
// memory (internal/ioring.Setup needs no address-space argument at all, since the Go Ring value
// itself is the shared memory here).
func ioringSetup(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	r, err := ioring.Setup(p.ID, p.Vfs.Fds, uint32(a[0]), uint32(a[1]))
	if err != nil {
		return 0, errno.EINVAL
	}

	return uint64(d.addRing(p.ID, r)), errno.NONE
}

// ioringTeardown drops a process's ring. The ring's own buffers and registers are reclaimed by
// the garbage collector once the last reference (this table's) is gone; there is no separate
// frame ownership to release, unlike an address-space mapping.
func ioringTeardown(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	if !d.removeRing(p.ID, uint32(a[0])) {
		return 0, errno.EBADF
	}

	return 0, errno.NONE
}

// ioringEnter submits up to submit pending SQEs and blocks until waitMin completions are ready,
// per spec.md §4.8.
func ioringEnter(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	r, ok := d.Ring(p.ID, uint32(a[0]))
	if !ok {
		return 0, errno.EBADF
	}

	n, err := r.Enter(t, int(a[1]), int(a[2]))
	if err != nil {
		return 0, errno.EIO
	}

	return uint64(n), errno.NONE
}

func (d *Dispatcher) addRing(pid uint64, r *ioring.Ring) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	table, ok := d.rings[pid]
	if !ok {
		table = make(map[uint32]*ioring.Ring)
		d.rings[pid] = table
	}

	id := uint32(len(table))
	for {
		if _, exists := table[id]; !exists {
			break
		}

		id++
	}

	table[id] = r

	return id
}

func (d *Dispatcher) removeRing(pid uint64, id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	table, ok := d.rings[pid]
	if !ok {
		return false
	}

	if _, ok := table[id]; !ok {
		return false
	}

	delete(table, id)

	return true
}

// Ring returns a process's ring by id, exported so tests (and anything else acting as the
// "userland" side of the ring, since this simulation has no real instruction-level user code) can
// reach the shared Ring value directly to push SQEs or pop CQEs, after obtaining its id from
// ioring_setup.
func (d *Dispatcher) Ring(pid uint64, id uint32) (*ioring.Ring, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	table, ok := d.rings[pid]
	if !ok {
		return nil, false
	}

	r, ok := table[id]

	return r, ok
}
