// Package boot implements bring-up: consuming the firmware-provided boot info, bringing the CPU
// fleet online, mounting the root filesystem and the in-memory status trees, and handing off to
// the init thread. It generalizes the teacher's monitor package (internal/monitor/image.go's
// SystemImage/Routine/LoadTo, the teacher's own stand-in for a BIOS loading trap/ISR/exception
// routines into vector tables at start-up) from "load LC-3 trap code into one flat address space"
// to "bring an x86-64 CPU fleet online and load one init process into its own address space".
package boot

import (
	"time"

	"github.com/keel-os/keel/internal/cpu"
	"github.com/keel-os/keel/internal/mem"
)

// OptionFn configures a Config, mirroring the teacher's vm.OptionFn functional-options idiom
// (internal/vm/vm.go) used here for kernel boot parameters instead of machine construction flags —
// there is no end user at kernel boot, only a bootloader handing over a blob, so options are
// assembled once in cmd/keel rather than parsed from flags or env vars.
type OptionFn func(*Config)

// Config bundles the boot-time parameters spec.md's configuration surface calls for
// (CONFIG_KERNEL_STACK, CONFIG_TIMER_HZ, CONFIG_MAX_FD, eager-vs-lazy frame loading, ...).
type Config struct {
	NumCPU          int
	IdleStackSize   int
	KernelStackSize int
	TimerHz         int
	MaxFD           int
	LoadMode        mem.LoadMode

	UserBase  mem.VirtAddr
	UserLimit mem.VirtAddr

	RootLabel string
	SysLabel  string
	DevLabel  string

	BootEpoch time.Time

	// SyscallHandler is installed at cpu.VectorSyscall on every CPU brought online. It is supplied
	// by the caller (cmd/keel wires internal/syscall's dispatcher here) rather than imported
	// directly, so this package never needs to depend on internal/syscall.
	SyscallHandler cpu.Handler
}

// DefaultConfig returns the parameters a single-CPU bring-up uses when the caller overrides
// nothing.
func DefaultConfig() Config {
	return Config{
		NumCPU:          1,
		IdleStackSize:   4096,
		KernelStackSize: 16 * 1024,
		TimerHz:         100,
		MaxFD:           256,
		LoadMode:        mem.Eager,
		UserBase:        mem.DefaultUserBase,
		UserLimit:       mem.DefaultUserLimit,
		RootLabel:       "root",
		SysLabel:        "sys",
		DevLabel:        "dev",
		BootEpoch:       time.Unix(0, 0),
	}
}

// WithNumCPU sets how many logical processors smp.BringUp brings online.
func WithNumCPU(n int) OptionFn {
	return func(cfg *Config) { cfg.NumCPU = n }
}

// WithTimerHz sets the per-CPU timer broadcast frequency.
func WithTimerHz(hz int) OptionFn {
	return func(cfg *Config) { cfg.TimerHz = hz }
}

// WithLoadMode selects eager or lazy physical-frame loading.
func WithLoadMode(mode mem.LoadMode) OptionFn {
	return func(cfg *Config) { cfg.LoadMode = mode }
}

// WithKernelStackSize overrides the per-thread kernel stack size new processes spawn with.
func WithKernelStackSize(n int) OptionFn {
	return func(cfg *Config) { cfg.KernelStackSize = n }
}

// WithBootEpoch sets the wall-clock instant the clock's uptime is measured from.
func WithBootEpoch(t time.Time) OptionFn {
	return func(cfg *Config) { cfg.BootEpoch = t }
}

// WithSyscallHandler installs h at cpu.VectorSyscall on every CPU.
func WithSyscallHandler(h cpu.Handler) OptionFn {
	return func(cfg *Config) { cfg.SyscallHandler = h }
}

// Apply returns DefaultConfig with every opt applied in order.
func Apply(opts ...OptionFn) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}
