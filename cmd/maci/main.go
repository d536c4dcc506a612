// Command maci is the coordinator command line. Every subcommand runs one
// orchestrator operation against the coordinator data directory and prints
// its result as JSON. Failures print the error kind and exit with status 1.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	flag "github.com/spf13/pflag"
	"github.com/vocdoni/maci-coordinator/config"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/service"
)

// errFailed is returned by handlers that already printed their failure.
var errFailed = errors.New("failed")

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the subcommand of argv and returns the exit status. The
// databases are closed before it returns.
func run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	if len(argv) == 0 || argv[0] == "help" || argv[0] == "-h" || argv[0] == "--help" {
		usage(stderr)
		return 2
	}
	name := argv[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.BindFlags(fs)
	a := &args{}
	a.bind(fs)
	if err := fs.Parse(argv[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	log.Init(cfg.LogLevel, cfg.LogOutput, nil)

	e := &env{cfg: cfg, args: a, positional: fs.Args(), stdout: stdout}
	if !cmd.standalone {
		co, err := service.NewCoordinator(ctx, cfg)
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		defer co.Close()
		e.o = co.Orchestrator
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	out, err := cmd.run(ctx, e)
	if errors.Is(err, errFailed) {
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "error (%s): %v\n", orchestrator.Kind(err), err)
		return 1
	}
	if out != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: maci <command> [flags]")
	fmt.Fprintln(w, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-30s %s\n", name, commands[name].usage)
	}
	fmt.Fprintln(w, "\nrun maci <command> --help for the flags")
}
