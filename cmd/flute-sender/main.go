// Command flute-sender reads one or more files, queues them as FLUTE
// objects and streams them over a UDP socket, pacing itself on the
// optional rate limit and logging a packet and byte total when done, the way
// original_source/examples/flute-sender does.
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
	subcommands.Register(&sendCmd{}, "")

	flag.Parse()
	defer glog.Flush()
	os.Exit(int(subcommands.Execute(context.Background())))
}
