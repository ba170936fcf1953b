package syscall

import (
	"encoding/binary"
	"time"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
	"github.com/keel-os/keel/internal/wait"
)

func init() {
	register(Poll, poll)
}

// pollFdSize is one entry of the poll(fds[], n, timeout) array: fd (int32), requested events
// (uint32), and the kernel-filled-in observed events (uint32), padded to 16 bytes.
const pollFdSize = 16

const maxPollFds = 1024

// MaxPollFds is the largest fds[] length poll() accepts in one call.
const MaxPollFds = maxPollFds

func pollEventsOf(bits uint32) vfs.PollEvents { return vfs.PollEvents(bits) }

// poll implements spec.md §6.1's poll(fds[], n, timeout): it checks every fd once for already-
// ready events and, if none are ready, blocks on all of their wait queues at once via
// wait.BlockMany before re-checking exactly once more, per spec.md §4.4's multi-queue block.
func poll(d *Dispatcher, t *sched.Thread, a Args) (uint64, errno.Errno) {
	p, errn := owner(t)
	if errn != errno.NONE {
		return 0, errn
	}

	n := int(a[1])
	if n < 0 || n > maxPollFds {
		return 0, errno.EINVAL
	}

	base := mem.VirtAddr(a[0])

	raw, errn := readBuf(d.Alloc, p.Space, base, n*pollFdSize)
	if errn != errno.NONE {
		return 0, errn
	}

	fds := make([]int32, n)
	events := make([]vfs.PollEvents, n)

	for i := 0; i < n; i++ {
		off := i * pollFdSize
		fds[i] = int32(binary.LittleEndian.Uint32(raw[off:]))
		events[i] = pollEventsOf(binary.LittleEndian.Uint32(raw[off+4:]))
	}

	ready, queues := pollOnce(p.Vfs.Fds, fds, events)

	if countReady(ready) == 0 && len(queues) > 0 {
		wait.BlockMany(t, queues, time.Duration(a[2]))

		ready, _ = pollOnce(p.Vfs.Fds, fds, events)
	}

	for i := 0; i < n; i++ {
		off := i * pollFdSize
		binary.LittleEndian.PutUint32(raw[off+8:], uint32(ready[i]))
	}

	if errn := writeBuf(d.Alloc, p.Space, base, raw); errn != errno.NONE {
		return 0, errn
	}

	return uint64(countReady(ready)), errno.NONE
}

func pollOnce(fdt *vfs.FdTable, fds []int32, events []vfs.PollEvents) ([]vfs.PollEvents, []*wait.WaitQueue) {
	ready := make([]vfs.PollEvents, len(fds))

	var queues []*wait.WaitQueue

	for i, fd := range fds {
		f, err := fdt.Get(int(fd))
		if err != nil {
			ready[i] = vfs.PollErr
			continue
		}

		q, observed, err := f.Poll(events[i])
		if err != nil {
			ready[i] = vfs.PollErr
			continue
		}

		ready[i] = observed

		if observed == 0 && q != nil {
			queues = append(queues, q)
		}
	}

	return ready, queues
}

func countReady(ready []vfs.PollEvents) int {
	n := 0

	for _, r := range ready {
		if r != 0 {
			n++
		}
	}

	return n
}
