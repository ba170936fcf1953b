package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/keel-os/keel/internal/boot"
	"github.com/keel-os/keel/internal/cli"
	"github.com/keel-os/keel/internal/loader"
	"github.com/keel-os/keel/internal/log"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/syscall"
)

// Boot brings up a kernel instance, spawns init, and lets it run for a fixed duration before
// shutting down, the generalization of the teacher's demo command (bring up a machine, run it,
// report what happened) to an SMP fleet instead of one LC-3.
func Boot() cli.Command {
	return &bootCmd{ramBytes: 16 * 1024 * 1024, argv: "/init"}
}

type bootCmd struct {
	numCPU   int
	ramBytes uint64
	image    string
	argv     string
	duration time.Duration
}

func (bootCmd) Description() string {
	return "bring up a kernel instance and run init"
}

func (bootCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `boot [ -cpus N | -image path | -argv "..." | -ram bytes | -for duration ]

Brings up an SMP fleet, mounts the root/dev/sys volumes, and spawns init
from the named program image (a flat blob, not an ELF file). Runs for
-for, then reports each CPU's final scheduler state.`)

	return err
}

func (b *bootCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)
	fs.IntVar(&b.numCPU, "cpus", 1, "number of logical CPUs to bring up")
	fs.Uint64Var(&b.ramBytes, "ram", b.ramBytes, "usable RAM in bytes")
	fs.StringVar(&b.image, "image", "", "path to init's flat program image (empty: tiny built-in stub)")
	fs.StringVar(&b.argv, "argv", b.argv, "init's argv, space separated")
	fs.DurationVar(&b.duration, "for", 2*time.Second, "how long to run before shutting down")

	return fs
}

func (b *bootCmd) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	image, err := b.loadImage()
	if err != nil {
		logger.Error("failed to load init image", "err", err)
		return 1
	}

	d := syscall.New(syscall.Config{
		RootLabel:       "root",
		UserBase:        mem.DefaultUserBase,
		UserLimit:       mem.DefaultUserLimit,
		KernelStackSize: 16 * 1024,
	})

	cfg := boot.Apply(
		boot.WithNumCPU(b.numCPU),
		boot.WithSyscallHandler(d.Dispatch),
	)

	info := boot.Info{
		MemoryMap: []mem.MemoryMapEntry{{Base: 0, Length: b.ramBytes, Kind: mem.Usable}},
		RAMBytes:  b.ramBytes,
		Init:      loader.Segment{Data: image, Flags: mem.Write | mem.User},
		InitArgv:  strings.Fields(b.argv),
	}

	sys, err := boot.Boot(ctx, cfg, info)
	if err != nil {
		logger.Error("boot failed", "err", err)
		return 1
	}
	defer sys.Shutdown()

	// The Dispatcher is handed to boot.Boot before the resources it dispatches against exist;
	// fill them in now that bring-up produced them. Every syscall runs later, once a thread
	// traps in, so this is safe: nothing reads these fields until then.
	d.Procs = sys.Procs
	d.Shares = sys.Shares
	d.Scheduler = sys.Fleet.Scheduler()
	d.Clock = sys.Clock
	d.Loader = sys.Loader
	d.Alloc = sys.Alloc
	d.Volumes = sys.Volumes

	fmt.Fprintf(out, "booted %d CPU(s), init pid=%d\n", sys.Fleet.NumCPU(), sys.Init.ID)

	select {
	case <-time.After(b.duration):
	case <-ctx.Done():
	}

	for i := 0; i < sys.Fleet.NumCPU(); i++ {
		st := sys.Fleet.Scheduler().CPU(i).Stats()
		fmt.Fprintf(out, "cpu=%d idle=%v current=%d runnable=%d graveyard=%d\n",
			st.ID, st.Idle, st.CurrentID, st.Runnable, st.GraveyardLen)
	}

	return 0
}

// loadImage reads the init program's bytes from disk, or falls back to a minimal placeholder
// blob when none is given — real ELF loading is out of scope, so either way this is just bytes
// copied verbatim into init's address space.
func (b *bootCmd) loadImage() ([]byte, error) {
	if b.image == "" {
		return []byte{0x90, 0x90, 0x90, 0x90}, nil
	}

	return os.ReadFile(b.image)
}
