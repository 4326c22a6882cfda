// Command waypoint runs declarative workflow definitions on the durable
// execution engine.
//
//	waypoint init                      write ~/.waypoint/settings.yaml
//	waypoint run [-data json] <file>   start an execution and wait for it to stop
//	waypoint resume [-f file] <id>     continue a paused, canceled or crashed execution
//	waypoint cancel <id>               cancel an execution that is not running
//	waypoint status [-events] <id>     show an execution
//	waypoint list [-state s,...]       list executions
//	waypoint sweep                     resume stale executions once
//	waypoint serve                     sweep on schedule and serve /metrics
//	waypoint validate <file>...        compile definitions without running them
//	waypoint diagram <file>            render a definition as Mermaid or ASCII
//	waypoint actions                   list the actions definitions can use
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errExecutionFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errors.New("missing command")
	}
	switch args[0] {
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	case "version":
		fmt.Fprintln(stdout, version)
		return nil
	case "init":
		return cmdInit(args[1:], stdout)
	}

	cmd, ok := commands[args[0]]
	if !ok {
		usage(stderr)
		return fmt.Errorf("unknown command %q", args[0])
	}
	cfg, err := loadConfig(settingsPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.close()
	return cmd(ctx, a, args[1:], stdout)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: waypoint <init|run|resume|cancel|status|list|sweep|serve|validate|diagram|actions|version> [flags]")
}
