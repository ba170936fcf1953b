// Package syscall implements the ABI trampoline table spec.md §6.1 describes: one ordinal per
// entry point, SysV-register-convention argument passing, and the ERR-sentinel/thread-local-
// errno return convention. It generalizes the teacher's TRAP dispatch (internal/vm/trap.go's
// TrapHALT/TrapOUT/... table, each reading its arguments out of R0/R1 before running) to a wider
// x86-64 register file and a much larger ordinal space, wired in as cpu.VectorSyscall's handler
// rather than a single fixed LC-3 trap vector.
package syscall

import "fmt"

// Ordinal identifies one syscall entry point, in the order spec.md §6.1 lists them.
type Ordinal uint64

const (
	ProcessExit Ordinal = iota
	ThreadExit
	Spawn
	Sleep
	Error
	Pid
	Tid
	Uptime
	Open
	Close
	Read
	Write
	Seek
	Ioctl
	Realpath
	Chdir
	Poll
	Stat
	Mmap
	Munmap
	Mprotect
	Announce
	Dial
	Accept
	IoringSetup
	IoringTeardown
	IoringEnter
	Share
	Claim
	Bind
)

func (o Ordinal) String() string {
	switch o {
	case ProcessExit:
		return "process_exit"
	case ThreadExit:
		return "thread_exit"
	case Spawn:
		return "spawn"
	case Sleep:
		return "sleep"
	case Error:
		return "error"
	case Pid:
		return "pid"
	case Tid:
		return "tid"
	case Uptime:
		return "uptime"
	case Open:
		return "open"
	case Close:
		return "close"
	case Read:
		return "read"
	case Write:
		return "write"
	case Seek:
		return "seek"
	case Ioctl:
		return "ioctl"
	case Realpath:
		return "realpath"
	case Chdir:
		return "chdir"
	case Poll:
		return "poll"
	case Stat:
		return "stat"
	case Mmap:
		return "mmap"
	case Munmap:
		return "munmap"
	case Mprotect:
		return "mprotect"
	case Announce:
		return "announce"
	case Dial:
		return "dial"
	case Accept:
		return "accept"
	case IoringSetup:
		return "ioring_setup"
	case IoringTeardown:
		return "ioring_teardown"
	case IoringEnter:
		return "ioring_enter"
	case Share:
		return "share"
	case Claim:
		return "claim"
	case Bind:
		return "bind"
	default:
		return fmt.Sprintf("ordinal(%d)", uint64(o))
	}
}

// ErrSentinel is the ABI's ERR value: ~0, returned in RAX whenever a syscall fails. The failure's
// errno is read separately via the error() ordinal, per spec.md §6.1.
const ErrSentinel = ^uint64(0)

// Args is a syscall's argument registers, in SysV order (RDI, RSI, RDX, R10, R8, R9): the same
// convention real Linux/PatchworkOS syscalls use so RCX and R11 stay free for the syscall
// instruction itself to clobber.
type Args [6]uint64

func argsFromFrame(rdi, rsi, rdx, r10, r8, r9 uint64) Args {
	return Args{rdi, rsi, rdx, r10, r8, r9}
}
