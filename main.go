package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

const usage = `usage:
  bgremover serve  [-config config.yaml]
  bgremover remove -in <path|url> -out <file.png> [-color #RRGGBB] [-backend name] [-config config.yaml]
  bgremover version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return runServe(ctx, nil)
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "remove":
		return runRemove(ctx, args[1:], stdout)
	case "version":
		_, err := fmt.Fprintf(stdout, "bgremover %s (commit %s, branch %s, built %s)\n", Version, GitCommit, GitBranch, BuildTime)
		return err
	case "-h", "--help", "help":
		_, err := fmt.Fprint(stdout, usage)
		return err
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}
