package boot

import (
	"context"
	"fmt"

	"github.com/keel-os/keel/internal/clock"
	"github.com/keel-os/keel/internal/cpu"
	"github.com/keel-os/keel/internal/loader"
	"github.com/keel-os/keel/internal/log"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/pipe"
	"github.com/keel-os/keel/internal/proc"
	"github.com/keel-os/keel/internal/ramfs"
	"github.com/keel-os/keel/internal/sched"
	"github.com/keel-os/keel/internal/smp"
	"github.com/keel-os/keel/internal/sysfs"
	"github.com/keel-os/keel/internal/vfs"
)

// System is everything a running kernel instance owns: the CPU fleet, the clock and its timer
// broadcast, the mounted volumes, and the process table — the "machine" value this package
// assembles, the same role the teacher's vm.LC3 plays for one LC-3, generalized to a whole SMP
// fleet plus its process table.
type System struct {
	Config Config

	Clock       *clock.Clock
	broadcaster *clock.Broadcaster

	Alloc *mem.Allocator
	Fleet *smp.Fleet

	Volumes *vfs.Registry
	Sysfs   *sysfs.Tree
	Procs   *proc.Registry
	Shares  *proc.ShareTable
	Loader  *loader.Loader

	Init       *proc.Process
	InitThread *sched.Thread

	log *log.Logger
}

// Boot brings a kernel instance up per spec.md §6.4 and §4.5: build the physical allocator from
// the firmware memory map, bring every CPU in the fleet online, install the exception and IPI
// vector tables, mount the root filesystem and status trees, and spawn init.
func Boot(ctx context.Context, cfg Config, info Info) (*System, error) {
	logger := log.DefaultLogger()

	alloc := mem.NewAllocator(info.RAMBytes, info.MemoryMap, cfg.LoadMode)

	descriptors := make([]smp.ProcessorDescriptor, cfg.NumCPU)
	for i := range descriptors {
		descriptors[i] = smp.ProcessorDescriptor{LocalAPICID: uint32(i), IsBSP: i == 0}
	}

	fleet, err := smp.BringUp(ctx, descriptors, cfg.IdleStackSize)
	if err != nil {
		return nil, fmt.Errorf("boot: smp bring-up: %w", err)
	}

	clk := clock.New(cfg.BootEpoch)

	installVectors(fleet, cfg, clk, logger)

	volumes := vfs.NewRegistry()

	root, err := ramfs.New(cfg.RootLabel)
	if err != nil {
		return nil, fmt.Errorf("boot: root filesystem: %w", err)
	}

	volumes.Mount(root)
	volumes.Mount(pipe.NewVolume(cfg.DevLabel, pipe.DefaultCapacity))

	procs := proc.NewRegistry()

	sys := sysfs.New(cfg.SysLabel)
	sysfs.RegisterCPUStats(sys, fleet.Scheduler(), clk)
	sysfs.RegisterProcRegistry(sys, procs)
	volumes.Mount(sys)

	ld := loader.New(alloc)

	system := &System{
		Config:  cfg,
		Clock:   clk,
		Alloc:   alloc,
		Fleet:   fleet,
		Volumes: volumes,
		Sysfs:   sys,
		Procs:   procs,
		Shares:  proc.NewShareTable(),
		Loader:  ld,
		log:     logger,
	}

	system.broadcaster = clock.NewBroadcaster(clk, cfg.TimerHz, fleet.NumCPU())
	system.broadcaster.Start(func(cpuID int, now uint64) {
		fleet.Send(cpuID, smp.IPITimer)
	})

	if err := system.spawnInit(info); err != nil {
		system.broadcaster.Stop()
		return nil, err
	}

	logger.Info("boot complete", "cpus", fleet.NumCPU(), "init_pid", system.Init.ID)

	return system, nil
}

// spawnInit creates the init process, loads its program image and argv, and points its first
// thread's trap frame at the entry address, handing off exactly as spec.md §4.9's spawn(argv)
// describes.
func (s *System) spawnInit(info Info) error {
	spawnCfg := proc.SpawnConfig{
		Scheduler:       s.Fleet.Scheduler(),
		Allocator:       s.Alloc,
		Volumes:         s.Volumes,
		RootVolume:      s.Config.RootLabel,
		UserBase:        s.Config.UserBase,
		UserLimit:       s.Config.UserLimit,
		KernelStackSize: s.Config.KernelStackSize,
	}

	initProc, initThread, err := s.Procs.Spawn(spawnCfg, info.InitArgv)
	if err != nil {
		return fmt.Errorf("boot: spawn init: %w", err)
	}

	base, err := s.Loader.Load(initProc.Space, info.Init)
	if err != nil {
		return fmt.Errorf("boot: load init image: %w", err)
	}

	argvBase, err := s.Loader.LoadArgv(initProc.Space, initProc.Argv)
	if err != nil {
		return fmt.Errorf("boot: load init argv: %w", err)
	}

	entry := base + info.InitEntryOffset

	if err := s.Loader.Enter(initThread, initProc.Space, entry, len(info.InitArgv), argvBase); err != nil {
		return fmt.Errorf("boot: enter init: %w", err)
	}

	s.Init = initProc
	s.InitThread = initThread

	return nil
}

// installVectors registers the exception and IPI handlers every CPU needs before it can safely
// run, the generalization of the teacher's monitor.NewSystemImage (which installs Traps/ISRs/
// Exceptions into the LC-3 vector table at boot) to the x86-64 exception/IPI vector space
// internal/cpu defines.
func installVectors(fleet *smp.Fleet, cfg Config, clk *clock.Clock, logger *log.Logger) {
	for i := 0; i < fleet.NumCPU(); i++ {
		c := fleet.CPU(i)

		c.Register(cpu.VectorDivideError, exceptionHandler(logger))
		c.Register(cpu.VectorPageFault, exceptionHandler(logger))
		c.Register(cpu.VectorGeneralProtection, exceptionHandler(logger))

		c.Register(smp.IPIHalt, func(c *cpu.Cpu, _ *sched.TrapFrame) {
			fleet.MarkHalted()
		})
		c.Register(smp.IPISchedule, func(c *cpu.Cpu, _ *sched.TrapFrame) {
			c.Sched.Schedule(clk.Ticks(cfg.TimerHz))
		})
		c.Register(smp.IPITimer, func(c *cpu.Cpu, _ *sched.TrapFrame) {
			c.Sched.Schedule(clk.Ticks(cfg.TimerHz))
		})

		if cfg.SyscallHandler != nil {
			c.Register(cpu.VectorSyscall, cfg.SyscallHandler)
		}
	}
}

// exceptionHandler builds the default exception handler: log the fault and kill the thread that
// was running when it trapped, matching spec.md §4.9's "bad memory access kills the faulting
// thread" behavior rather than crashing the whole fleet (that is reserved for OnPanic's "bad
// vector" case).
func exceptionHandler(logger *log.Logger) cpu.Handler {
	return func(c *cpu.Cpu, frame *sched.TrapFrame) {
		t := c.Sched.Current()
		if t == nil {
			logger.Error("exception with no running thread", "cpu", c.ID)
			return
		}

		logger.Error("exception, killing thread", "cpu", c.ID, "thread", t.ID)
		c.Sched.Kill(t)
	}
}

// Shutdown stops the timer broadcaster. It does not tear down process or volume state; a real
// power-off path belongs to a future ACPI component, explicitly out of scope here.
func (s *System) Shutdown() {
	s.broadcaster.Stop()
}
