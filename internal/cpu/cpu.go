// Package cpu models one logical processor: its segment/trap descriptor tables, its trap
// dispatch table, and the nested interrupt-enable depth counter that replaces raw flag
// manipulation. It generalizes the teacher's interrupt controller (internal/vm/intr.go's
// Interrupt type: a priority-ordered table of ISRs dispatched by vector) from "one shared
// 8-vector LC-3 interrupt table" to "one dispatch table per logical CPU, covering exceptions,
// IRQs, IPIs, syscalls, and the scheduler/wait subsystems' own synthesized vectors," per
// spec.md §4.5 and §5.
package cpu

import (
	"fmt"
	"sync/atomic"

	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/keel-os/keel/internal/log"
	"github.com/keel-os/keel/internal/sched"
)

// Vector identifies a trap dispatch target. The low range holds the exception vectors, numbered
// consecutively from 0 rather than with their real x86-64 numbers (#PF is 1 here, not 14; #GP is
// 2, not 13); IPI and software vectors live above the exception range, the way a real IDT
// reserves 0-31 for exceptions and lets software pick anything above 31.
type Vector int

const (
	VectorDivideError Vector = iota
	VectorPageFault
	VectorGeneralProtection

	VectorSyscall Vector = 0x80

	VectorIPIHalt Vector = 0xf0 + iota
	VectorIPIStart
	VectorIPISchedule // timer-driven reschedule
	VectorIPIWaitBlock
	VectorIPITimer
)

func (v Vector) String() string {
	switch v {
	case VectorDivideError:
		return "#DE"
	case VectorPageFault:
		return "#PF"
	case VectorGeneralProtection:
		return "#GP"
	case VectorSyscall:
		return "SYSCALL"
	case VectorIPIHalt:
		return "IPI_HALT"
	case VectorIPIStart:
		return "IPI_START"
	case VectorIPISchedule:
		return "IPI_SCHEDULE"
	case VectorIPIWaitBlock:
		return "IPI_WAIT_BLOCK"
	case VectorIPITimer:
		return "IPI_TIMER"
	default:
		return fmt.Sprintf("VECTOR(%#x)", int(v))
	}
}

// Tss stands in for the task-state segment. Only rsp0, the kernel stack pointer loaded on a
// ring3-to-ring0 transition, matters to this simulation.
type Tss struct {
	Rsp0 uint64
}

// Handler processes a trap once TrapDispatch has routed it to the right vector.
type Handler func(c *Cpu, frame *sched.TrapFrame)

// Cpu is one logical processor: its identity, its scheduler slice, and its trap dispatch table.
// Exactly one Cpu exists per running logical processor, addressed in the real kernel by an MSR
// set at CPU init; here, by its ID field.
type Cpu struct {
	ID          int
	LocalAPICID uint32
	IdleStack   []byte
	TSS         Tss

	Sched *sched.CPU

	cliDepth atomic.Int32
	enabled  atomic.Bool

	mu       deadlock.Mutex
	vectors  map[Vector]Handler
	onPanic  func(*Cpu, Vector, any)

	log *log.Logger
}

// New creates a Cpu bound to the given scheduler slice.
func New(id int, localAPICID uint32, idleStackSize int, schedCPU *sched.CPU) *Cpu {
	c := &Cpu{
		ID:          id,
		LocalAPICID: localAPICID,
		IdleStack:   make([]byte, idleStackSize),
		Sched:       schedCPU,
		vectors:     make(map[Vector]Handler),
		log:         log.DefaultLogger(),
	}
	c.enabled.Store(true)

	return c
}

// OnPanic installs the callback TrapDispatch invokes for an unregistered vector or a handler
// panic, per spec.md §7: "bad trap vector ... → panic, halt other CPUs via HALT IPI, print a
// dump, spin." The callback is injected rather than imported directly to avoid a cpu -> smp
// import cycle; internal/smp wires this up when it brings a Cpu online.
func (c *Cpu) OnPanic(fn func(*Cpu, Vector, any)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onPanic = fn
}

// Register installs the handler for a vector. Registering the same vector twice is a
// configuration bug and panics immediately rather than silently shadowing the first handler.
func (c *Cpu) Register(v Vector, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.vectors[v]; exists {
		panic(fmt.Sprintf("cpu: vector %s already registered", v))
	}

	c.vectors[v] = h
}

// Dispatch is the unified entry point from the (simulated) trap stubs: it routes a vector to its
// registered handler. An unregistered vector, or a handler that panics, is an internal invariant
// violation per spec.md §7 and is reported via OnPanic instead of crashing the whole process.
func (c *Cpu) Dispatch(v Vector, frame *sched.TrapFrame) {
	c.mu.Lock()
	h, ok := c.vectors[v]
	c.mu.Unlock()

	if !ok {
		c.fail(v, fmt.Errorf("cpu: no handler registered for vector %s", v))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.fail(v, r)
		}
	}()

	h(c, frame)
}

func (c *Cpu) fail(v Vector, reason any) {
	c.log.Error("trap dispatch failure", "cpu", c.ID, "vector", v.String(), "reason", reason)

	c.mu.Lock()
	onPanic := c.onPanic
	c.mu.Unlock()

	if onPanic != nil {
		onPanic(c, v, reason)
		return
	}

	panic(fmt.Sprintf("cpu %d: unhandled trap %s: %v", c.ID, v, reason))
}

// Cli disables interrupts, incrementing the nesting depth. Cli/Sti pairs nest safely: only the
// outermost Cli actually disables, and only the matching outermost Sti re-enables, per spec.md
// §9's cli_push/cli_pop replacement for raw IF manipulation.
func (c *Cpu) Cli() {
	if c.cliDepth.Add(1) == 1 {
		c.enabled.Store(false)
	}
}

// Sti re-enables interrupts once the nesting depth returns to zero.
func (c *Cpu) Sti() {
	if d := c.cliDepth.Add(-1); d == 0 {
		c.enabled.Store(true)
	} else if d < 0 {
		panic("cpu: Sti without matching Cli")
	}
}

// InterruptsEnabled reports the CPU's current interrupt-enable state.
func (c *Cpu) InterruptsEnabled() bool { return c.enabled.Load() }
