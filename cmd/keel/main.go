// keel is a simulated x86-64 kernel core, run as an ordinary Go process.
package main

import (
	"context"
	"os"

	"github.com/keel-os/keel/internal/cli"
	"github.com/keel-os/keel/internal/cli/cmd"
)

func main() {
	commands := []cli.Command{
		cmd.Boot(),
		cmd.Stat(),
	}

	commander := cli.New(context.Background()).
		WithCommands(commands).
		WithHelp(cmd.Help(commands)).
		WithLogger(os.Stderr)

	os.Exit(commander.Execute(os.Args[1:]))
}
