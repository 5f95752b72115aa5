//go:build linux || darwin

// Command lunet is the runtime's command-line entrypoint (spec.md §6):
// parse the two boot flags, build a Config, open an ioloop.Loop, and
// dynamically load the script argument before running the loop to
// completion.
//
// Grounded on original_source/src/lunet_cli.c's main: the usage banner,
// the flag names and their fixed scan order, the "no script file
// specified" error, and the "script may set a process-wide exit code"
// shutdown sequence are all ported directly. lunet_cli.c dlopen's the
// Lua interpreter, the script's own require()'d native drivers, and the
// core lunet.so — three different dynamic loads feeding one Lua VM. This
// port has no embedded scripting VM (no Lua binding appears anywhere in
// the example corpus to wire one in), so the single analogous piece —
// "load something from a path at runtime and hand it the runtime" —
// is implemented with the stdlib plugin package: a script is a Go
// plugin exporting LunetMain, the direct Go counterpart of dlopen'ing a
// shared object and pulling a symbol out of it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"plugin"

	"github.com/lunet-run/lunet"
	"github.com/lunet-run/lunet/internal/rtlog"
	"github.com/lunet-run/lunet/ioloop"
)

// entryFunc is the signature a script plugin must export as LunetMain.
// It registers whatever conn/udp/storageunit/fsop work it needs against
// loop and returns without blocking; main then drives loop to
// completion.
type entryFunc = func(loop *ioloop.Loop, cfg *lunet.Config) error

// ErrNoScript is returned when no script argument was given, matching
// lunet_cli.c's "Error: No script file specified." exit path.
var ErrNoScript = errors.New("lunet: no script file specified")

func main() {
	os.Exit(run(os.Args[1:], loadScript, os.Stderr))
}

func run(args []string, load func(string) (entryFunc, error), stderr io.Writer) int {
	fs := flag.NewFlagSet("lunet", flag.ContinueOnError)
	fs.SetOutput(stderr)
	skipLoopback := fs.Bool("dangerously-skip-loopback-restriction", false,
		"allow binding to any network interface instead of only loopback")
	verbose := fs.Bool("verbose-trace", false,
		"enable verbose per-event tracing")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [OPTIONS] <script.so>\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		fmt.Fprintln(stderr, ErrNoScript)
		return 1
	}
	scriptPath := fs.Arg(0)

	if *skipLoopback {
		fmt.Fprintln(stderr, "WARNING: loopback restriction disabled. Binding to public interfaces allowed.")
	}
	rtlog.SetVerbose(*verbose)

	cfg := lunet.LoadConfigFromEnv(lunet.NewConfig(
		lunet.WithSkipLoopbackRestriction(*skipLoopback),
		lunet.WithVerboseTrace(*verbose),
	))

	entry, err := load(scriptPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	loop, err := ioloop.New()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer loop.Close()

	if err := entry(loop, cfg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// The script registers its own work against loop and is expected to
	// call loop.Stop() once done; there is nothing else this harness
	// waits on, matching lunet_cli.c's "run the event loop, then inspect
	// __lunet_exit_code" shutdown sequence.
	if err := loop.Run(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.ExitCode != nil {
		return int(*cfg.ExitCode)
	}
	return 0
}

// loadScript opens path as a Go plugin and resolves its LunetMain entry
// point.
func loadScript(path string) (entryFunc, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup("LunetMain")
	if err != nil {
		return nil, err
	}
	fn, ok := sym.(entryFunc)
	if !ok {
		return nil, fmt.Errorf("lunet: %s: LunetMain has the wrong signature", path)
	}
	return fn, nil
}
