package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/keel-os/keel/internal/boot"
	"github.com/keel-os/keel/internal/cli"
	"github.com/keel-os/keel/internal/log"
	"github.com/keel-os/keel/internal/mem"
	"github.com/keel-os/keel/internal/syscall"
	"github.com/keel-os/keel/internal/vfs"
)

// Stat boots a minimal default system just long enough to read back sys:/stat/cpu for every
// CPU, the one-shot counterpart to boot's long-running demonstration.
func Stat() cli.Command {
	return &statCmd{}
}

type statCmd struct {
	numCPU int
}

func (statCmd) Description() string {
	return "boot briefly and dump /stat/cpu"
}

func (statCmd) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `stat [ -cpus N ]

Brings up a kernel instance with no init program, reads every mounted
CPU's /stat/cpu/<n> node from the sysfs volume, then shuts down.`)

	return err
}

func (s *statCmd) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("stat", flag.ExitOnError)
	fs.IntVar(&s.numCPU, "cpus", 1, "number of logical CPUs to bring up")

	return fs
}

func (s *statCmd) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	d := syscall.New(syscall.Config{
		RootLabel:       "root",
		UserBase:        mem.DefaultUserBase,
		UserLimit:       mem.DefaultUserLimit,
		KernelStackSize: 16 * 1024,
	})

	cfg := boot.Apply(
		boot.WithNumCPU(s.numCPU),
		boot.WithSyscallHandler(d.Dispatch),
	)

	info := boot.Info{
		MemoryMap: []mem.MemoryMapEntry{{Base: 0, Length: 4 * 1024 * 1024, Kind: mem.Usable}},
		RAMBytes:  4 * 1024 * 1024,
		InitArgv:  []string{"/init"},
	}

	sys, err := boot.Boot(ctx, cfg, info)
	if err != nil {
		logger.Error("boot failed", "err", err)
		return 1
	}
	defer sys.Shutdown()

	time.Sleep(10 * time.Millisecond)

	for i := 0; i < sys.Fleet.NumCPU(); i++ {
		path := fmt.Sprintf("sys:/stat/cpu/%d", i)

		f, err := sys.Volumes.Open(path, vfs.Path{}, 0)
		if err != nil {
			logger.Error("open sysfs node failed", "path", path, "err", err)
			return 1
		}

		buf := make([]byte, 256)

		n, _ := f.Read(buf)
		fmt.Fprintf(out, "%s: %s\n", path, buf[:n])
	}

	return 0
}
