// Package wait implements wait queues: a thread may block on one or many queues with a single
// deadline, and any Wake unblocks up to n waiters, atomically removing each one's entries from
// every other queue it was also registered on. It generalizes the teacher's interrupt table
// (internal/vm/intr.go's priority-ordered ISR registration and service loop) from "deliver one
// of several pending interrupt vectors" to "deliver one of several pending wake events," per
// spec.md §4.4.
//
// The source kernel parks a thread in two phases — link its WaitEntry records, raise a trap, and
// only commit to "blocked" on the next timer tick — so a racing wake arriving mid-park can be
// remembered via a cancelBlock flag instead of lost. Block and BlockMany collapse that into one
// synchronous call: entries are linked before the calling goroutine ever waits on anything, so a
// racing Wake always finds them and there is no window a cancelBlock flag would need to cover.
package wait

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/errno"
	"github.com/keel-os/keel/internal/sched"
)

// WaitQueue is a set of threads blocked waiting for some event, unblocked by Wake.
type WaitQueue struct {
	Name string

	mu      deadlock.Mutex
	entries []*WaitEntry
}

// NewQueue creates a named, empty wait queue. The name is used only for logging and debugging,
// mirroring the source kernel's practice of naming its wait queues after the resource they guard.
func NewQueue(name string) *WaitQueue {
	return &WaitQueue{Name: name}
}

// WaitEntry is one thread's registration on one queue. A thread blocking on several queues at
// once (block_many) holds one entry per queue, all sharing the same parkState so that whichever
// queue wakes it first can unlink the others.
type WaitEntry struct {
	queue  *WaitQueue
	thread *sched.Thread
	state  *parkState
}

type parkState struct {
	mu        deadlock.Mutex
	completed bool
	result    errno.Status
	done      chan struct{}
	entries   []*WaitEntry
	thread    *sched.Thread
}

// Block suspends the calling goroutine on a single queue until woken or timeout elapses. A
// timeout of zero means wait forever (spec.md §4.4's CLOCKS_NEVER).
func Block(t *sched.Thread, q *WaitQueue, timeout time.Duration) errno.Status {
	return BlockMany(t, []*WaitQueue{q}, timeout)
}

// BlockMany suspends the calling goroutine on every queue in queues, with one shared deadline.
// Queue locks are acquired in the order the caller supplied, per spec.md §9's lock-ordering rule,
// so two concurrent BlockMany calls naming the same queues in the same order never deadlock.
func BlockMany(t *sched.Thread, queues []*WaitQueue, timeout time.Duration) errno.Status {
	ps := &parkState{done: make(chan struct{}), thread: t}

	entries := make([]*WaitEntry, len(queues))
	for i, q := range queues {
		entries[i] = &WaitEntry{queue: q, thread: t, state: ps}
	}

	ps.entries = entries
	t.MarkParked()

	for _, e := range entries {
		e.queue.mu.Lock()
		e.queue.entries = append(e.queue.entries, e)
		e.queue.mu.Unlock()
	}

	t.MarkBlocked()

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		timerC = timer.C
	}

	defer t.MarkReady()

	select {
	case <-ps.done:
		return ps.result

	case <-timerC:
		ps.mu.Lock()
		if ps.completed {
			result := ps.result
			ps.mu.Unlock()
			<-ps.done

			return result
		}

		ps.completed = true
		ps.result = errno.TIMEOUT
		ps.mu.Unlock()

		unlinkAll(entries)
		close(ps.done)

		return errno.TIMEOUT
	}
}

// unlinkAll removes every entry in entries from its queue. Entries already removed (because Wake
// is concurrently processing the same queue) are skipped harmlessly.
func unlinkAll(entries []*WaitEntry) {
	for _, e := range entries {
		e.queue.mu.Lock()
		e.queue.entries = removeEntry(e.queue.entries, e)
		e.queue.mu.Unlock()
	}
}

func removeEntry(list []*WaitEntry, target *WaitEntry) []*WaitEntry {
	for i, e := range list {
		if e == target {
			return append(list[:i], list[i+1:]...)
		}
	}

	return list
}

// Wake unblocks up to n waiters on q, in FIFO registration order, with result NORM. For each
// woken thread it removes every entry that thread holds on every other queue it was also
// blocking on, so a thread blocking on several queues at once is never left with a stale
// registration after one of them fires.
func Wake(q *WaitQueue, n int) int {
	return wake(q, n, errno.NORM)
}

// Cancel wakes up to n waiters on q with result DEAD, used when a blocked thread's process is
// killed (spec.md §4.4's cancellation path).
func Cancel(q *WaitQueue, n int) int {
	return wake(q, n, errno.DEAD)
}

// WakeAll wakes every waiter currently on q, used when a resource a queue guards is torn down
// (e.g. a pipe end closing) and every blocked reader or writer needs to observe that, not just
// one of them.
func WakeAll(q *WaitQueue) int {
	return wake(q, q.Pending(), errno.NORM)
}

func wake(q *WaitQueue, n int, result errno.Status) int {
	q.mu.Lock()

	var woken []*WaitEntry

	remaining := q.entries[:0]

	for _, e := range q.entries {
		if len(woken) >= n {
			remaining = append(remaining, e)
			continue
		}

		e.state.mu.Lock()
		if e.state.completed {
			e.state.mu.Unlock()
			continue // already handled by a racing timeout
		}

		e.state.completed = true
		e.state.result = result
		e.state.mu.Unlock()

		woken = append(woken, e)
	}

	q.entries = remaining
	q.mu.Unlock()

	for _, e := range woken {
		others := make([]*WaitEntry, 0, len(e.state.entries)-1)

		for _, other := range e.state.entries {
			if other != e {
				others = append(others, other)
			}
		}

		unlinkAll(others)
		close(e.state.done)
	}

	return len(woken)
}

// Pending reports how many threads are currently registered on q. It does not distinguish
// threads mid-park from fully blocked ones, since this package collapses that distinction.
func (q *WaitQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}
