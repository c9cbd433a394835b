// Command flute-receiver listens on a UDP socket, reassembles FLUTE
// objects as their FDT entries resolve them, and writes each to a file
// under a destination directory, the way
// original_source/examples/flute-receiver does.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&receiveCmd{}, "")

	flag.Parse()
	defer glog.Flush()
	os.Exit(int(subcommands.Execute(context.Background())))
}
