package proc

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/vfs"
	"github.com/keel-os/keel/internal/wait"
)

// ShareTable implements the share/claim fd handoff from PatchworkOS's keyed descriptor exchange
// (include/libstd/sys/io.h), present in the syscall ABI table (spec.md §6.1) but undiscussed in
// the component design there. One process calls Share(key, file) to hand a File to whoever next
// calls Claim(key); Claim blocks (bounded by a timeout) until a matching Share arrives, the same
// rendezvous shape as everything else in this module that waits — a WaitQueue per key.
type ShareTable struct {
	mu    deadlock.Mutex
	slots map[uint64]*shareSlot
}

type shareSlot struct {
	file  *vfs.File
	ready *wait.WaitQueue
}

// NewShareTable creates an empty handoff table, scoped however the caller likes (per-namespace,
// per-boot, ...).
func NewShareTable() *ShareTable {
	return &ShareTable{slots: make(map[uint64]*shareSlot)}
}

func (s *ShareTable) slotLocked(key uint64) *shareSlot {
	slot, ok := s.slots[key]
	if !ok {
		slot = &shareSlot{ready: wait.NewQueue("share")}
		s.slots[key] = slot
	}

	return slot
}

// Share deposits f under key and wakes any thread already waiting in Claim for it. f's caller
// gives up ownership of the reference; the claimer takes it over.
func (s *ShareTable) Share(key uint64, f *vfs.File) {
	s.mu.Lock()
	slot := s.slotLocked(key)
	slot.file = f
	q := slot.ready
	s.mu.Unlock()

	wait.Wake(q, 1)
}

// Claim waits up to timeout (0 disables the timeout) for a Share under key, consuming it on
// success. A second Claim on the same key after one already consumed it waits for a fresh Share.
func (s *ShareTable) Claim(t *sched.Thread, key uint64, timeout time.Duration) (*vfs.File, error) {
	s.mu.Lock()
	slot := s.slotLocked(key)

	if slot.file != nil {
		f := slot.file
		delete(s.slots, key)
		s.mu.Unlock()

		return f, nil
	}

	q := slot.ready
	s.mu.Unlock()

	if status := wait.Block(t, q, timeout); status != errno.NORM {
		return nil, errno.ETIMEDOUT
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[key]
	if !ok || slot.file == nil {
		return nil, errno.EREQ
	}

	f := slot.file
	delete(s.slots, key)

	return f, nil
}
