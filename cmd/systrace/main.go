// Command systrace 在新的命名空间中追踪一个程序及其所有后代
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

const internalGroup = "internal use only"

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(bootCmd), internalGroup)

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
