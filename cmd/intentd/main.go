// Command intentd runs the intent runtime.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

type Globals struct {
	Config string    `short:"c" help:"Path to a YAML or TOML config file." type:"path" env:"INTENT_CONFIG"`
	Out    io.Writer `kong:"-"`
}

type CLI struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Boot the runtime and run schedules until interrupted."`
	Invoke  InvokeCmd  `cmd:"" help:"Boot in process, submit one intent and print its final status."`
	Replay  ReplayCmd  `cmd:"" help:"Rebuild an execution from the WAL."`
	Streams StreamsCmd `cmd:"" help:"List WAL streams."`
	Intents IntentsCmd `cmd:"" help:"List built-in intents."`
}

func newParser(cli *CLI, opts ...kong.Option) (*kong.Kong, error) {
	base := []kong.Option{
		kong.Name("intentd"),
		kong.Description("Intent execution runtime."),
		kong.UsageOnError(),
	}
	return kong.New(cli, append(base, opts...)...)
}

func run(args []string, out io.Writer) error {
	cli := CLI{}
	parser, err := newParser(&cli, kong.Writers(out, out))
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	cli.Globals.Out = out
	return kctx.Run(&cli.Globals)
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "intentd: %v\n", err)
		os.Exit(1)
	}
}
