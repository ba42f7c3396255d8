// cloak runs, protects and stores register-VM programs.
//
// Programs are either assembly sources (.casm) or dumped chunks. Any
// command that takes a program accepts both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/fortiblox/cloak/pkg/config"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var log = commonlog.GetLogger("cloak")

// Global flags
var (
	configPath  = flag.String("config", "", "TOML profile (defaults are used when empty)")
	verbose     = flag.Int("v", 0, "Log verbosity: -1 warnings, 0 notices, 1 info, 2 debug")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// errUsage marks errors caused by bad command lines.
var errUsage = errors.New("usage")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, cfg *config.Config, args []string) error
}

var commands = []command{
	{"run", "run FILE [ARG...]          execute a program", cmdRun},
	{"protect", "protect [flags] IN OUT      protect a program and write a chunk", cmdProtect},
	{"dump", "dump [flags] IN OUT         write a program as an unprotected chunk", cmdDump},
	{"disasm", "disasm FILE                 list decoded instructions", cmdDisasm},
	{"store", "store put|get|ls|rm ...     manage the chunk store", cmdStore},
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: cloak [flags] COMMAND [ARGS]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(out, "  %s\n", c.summary)
	}
	fmt.Fprintf(out, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("cloak %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	commonlog.Configure(*verbose, nil)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cloak: %v\n", err)
		os.Exit(2)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Noticef("received signal %v, aborting", sig)
		cancel()
	}()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		err := c.run(ctx, cfg, args[1:])
		switch {
		case err == nil:
			return
		case errors.Is(err, errUsage):
			fmt.Fprintf(os.Stderr, "cloak %s: %v\nUsage: cloak %s\n", c.name, err, c.summary)
			os.Exit(2)
		default:
			fmt.Fprintf(os.Stderr, "cloak %s: %v\n", c.name, err)
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "cloak: unknown command %q\n", args[0])
	usage()
	os.Exit(2)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		return &cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Infof("loaded profile %s", path)
	return cfg, nil
}
