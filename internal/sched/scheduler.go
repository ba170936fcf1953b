package sched

import (
	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/log"
)

// readyQueue is a FIFO of threads at one priority level.
type readyQueue struct {
	threads []*Thread
}

func (q *readyQueue) push(t *Thread)  { q.threads = append(q.threads, t) }
func (q *readyQueue) empty() bool     { return len(q.threads) == 0 }
func (q *readyQueue) pop() *Thread {
	if q.empty() {
		return nil
	}

	t := q.threads[0]
	q.threads = q.threads[1:]

	return t
}

// CPU holds one logical processor's scheduling state: its ready queues, the thread it is
// currently running, and a graveyard of killed threads awaiting reaping. It mirrors the `Cpu`
// struct in spec.md §4.1, minus the fields (localApicId, tss, cli depth) that belong to the trap
// and SMP layers built on top of this package.
type CPU struct {
	ID int

	mu deadlock.Mutex

	queues    [PriorityLevels]readyQueue
	runThread *Thread
	graveyard []*Thread

	idle *Thread

	log *log.Logger
}

// NewCPU creates a CPU with an idle thread that the scheduler selects whenever no ready thread
// exists, matching spec.md §4.3's "hlt in a loop with interrupts enabled" idle behavior.
func NewCPU(id int, idleStackSize int) *CPU {
	idle := NewThread(idleThreadID(id), nil, PriorityIdle, idleStackSize)
	idle.setDeadline(^uint64(0))

	return &CPU{
		ID:   id,
		idle: idle,
		log:  log.DefaultLogger(),
	}
}

func idleThreadID(cpu int) uint64 { return ^uint64(0) - uint64(cpu) }

// runnableCount is the number of threads this CPU is currently responsible for: everything on its
// ready queues plus the thread it is running, if any and not idle.
func (c *CPU) runnableCount() int {
	n := 0
	for i := range c.queues {
		n += len(c.queues[i].threads)
	}

	if c.runThread != nil && c.runThread != c.idle {
		n++
	}

	return n
}

// pushLocal enqueues t directly onto this CPU's ready queue at its priority. It is unexported:
// callers outside this package use Scheduler.Push, which picks the least-loaded CPU and then calls
// pushLocal on it.
func (c *CPU) pushLocal(t *Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.setState(Ready)
	t.onCPU = c.ID
	c.queues[t.Priority].push(t)
}

// Kill marks a thread killed. The actual reclaim happens the next time Schedule runs on the CPU
// the thread belongs to, per spec.md §4.9 ("the next time the dying thread traps into the kernel
// ... it is reaped").
func (c *CPU) Kill(t *Thread) {
	t.setState(Killed)
}

// drainGraveyardLocked moves every killed thread sitting in runThread or the ready queues. Must be
// called with mu held.
func (c *CPU) drainGraveyardLocked(now uint64) {
	for i := range c.queues {
		kept := c.queues[i].threads[:0]

		for _, t := range c.queues[i].threads {
			if t.State() == Killed {
				c.graveyard = append(c.graveyard, t)
				continue
			}

			kept = append(kept, t)
		}

		c.queues[i].threads = kept
	}

	if c.runThread != nil && c.runThread.State() == Killed {
		c.graveyard = append(c.graveyard, c.runThread)
		c.runThread = nil
	}
}

// Reap drains and returns the graveyard, freeing this CPU's reference to every thread in it. The
// caller (proc.Process teardown) is responsible for releasing the thread's remaining resources.
func (c *CPU) Reap() []*Thread {
	c.mu.Lock()
	defer c.mu.Unlock()

	dead := c.graveyard
	c.graveyard = nil

	return dead
}

// Schedule implements spec.md §4.3's select algorithm. now is the current tick count from the
// clock package. It returns the thread the caller (internal/cpu's trap dispatcher) should resume
// — possibly the same thread that was already running, possibly the idle thread.
func (c *CPU) Schedule(now uint64) *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drainGraveyardLocked(now)

	if c.runThread != nil && c.runThread.State() == Running && c.runThread.Deadline() > now {
		higherReady := false
		for p := c.runThread.Priority + 1; p <= PriorityMax; p++ {
			higherReady = higherReady || !c.queues[p].empty()
		}

		if !higherReady {
			return c.runThread
		}
	}

	if c.runThread != nil && c.runThread.State() == Running {
		// Time slice expired, or a higher-priority thread is ready: put the running thread back on
		// its ready queue and let the queue scan below pick. The idle thread is never queued.
		if c.runThread != c.idle {
			c.runThread.setState(Ready)
			c.queues[c.runThread.Priority].push(c.runThread)
		}

		c.runThread = nil
	}

	var next *Thread

	for p := PriorityMax; p >= 0; p-- {
		if !c.queues[p].empty() {
			next = c.queues[p].pop()
			break
		}
	}

	if next == nil {
		next = c.idle
	}

	next.setState(Running)
	next.setDeadline(now + TimeSlice)
	c.runThread = next

	return next
}

// Current returns the thread presently running on this CPU, or nil.
func (c *CPU) Current() *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.runThread
}

// Stats is a point-in-time snapshot of a CPU's scheduling state, read by sysfs's /stat/cpu nodes.
type Stats struct {
	ID           int
	CurrentID    uint64
	Idle         bool
	Runnable     int
	GraveyardLen int
}

// Stats snapshots c's current scheduling state.
func (c *CPU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{ID: c.ID, Runnable: c.runnableCount(), GraveyardLen: len(c.graveyard)}

	if c.runThread == nil || c.runThread == c.idle {
		st.Idle = true
	} else {
		st.CurrentID = c.runThread.ID
	}

	return st
}

// Scheduler owns every CPU in the system and implements spec.md §4.3's push load-balancing: at
// enqueue time, pick the CPU with the fewest runnable threads, biasing towards idle CPUs.
type Scheduler struct {
	mu   deadlock.Mutex
	cpus []*CPU
}

// NewScheduler creates a scheduler over n CPUs, each with the given idle-stack size.
func NewScheduler(n int, idleStackSize int) *Scheduler {
	s := &Scheduler{cpus: make([]*CPU, n)}
	for i := range s.cpus {
		s.cpus[i] = NewCPU(i, idleStackSize)
	}

	return s
}

// CPU returns the CPU with the given id.
func (s *Scheduler) CPU(id int) *CPU { return s.cpus[id] }

// NumCPU returns the number of CPUs this scheduler manages.
func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// Push selects the least-loaded CPU and enqueues t onto it, per spec.md §4.3. Idle CPUs get a
// bias of -1 in the load comparison so ties prefer waking an idle CPU over piling onto a busy
// one.
func (s *Scheduler) Push(t *Thread) {
	s.mu.Lock()
	target := s.cpus[0]
	best := load(target)

	for _, c := range s.cpus[1:] {
		l := load(c)
		if l < best {
			best = l
			target = c
		}
	}
	s.mu.Unlock()

	target.pushLocal(t)
}

func load(c *CPU) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.runnableCount()
	if c.runThread == nil || c.runThread == c.idle {
		n--
	}

	return n
}

// Yield preempts the calling thread on CPU id immediately: it is pushed back onto its own ready
// queue (it keeps its priority) and Schedule is re-run. spec.md §4.3 models this as a
// self-targeted VECTOR_SCHED trap; here, with no real trap path, the caller achieves the same
// effect by invoking Yield directly from the syscall handler.
func (s *Scheduler) Yield(id int, now uint64) *Thread {
	c := s.cpus[id]

	c.mu.Lock()
	if c.runThread != nil {
		c.runThread.setState(Ready)
		c.queues[c.runThread.Priority].push(c.runThread)
		c.runThread = nil
	}
	c.mu.Unlock()

	return c.Schedule(now)
}
