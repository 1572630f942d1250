package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/peerctl/internal/config"
	"github.com/danmuck/peerctl/internal/logging"
	"github.com/danmuck/peerctl/internal/supervisor"
)

const usageText = `usage: peerctl [--config peerctl.toml] <command> [flags]

commands:
  start    spawn a peer and wait until its control channel is ready
  stop     signal a peer and wait for it to exit
  restart  stop, then start from the recorded config
  status   report one peer (--name) or all peers
  info     query a running peer over its control channel
  logs     print the tail of a peer log

Results are JSON on stdout. Errors go to stderr with exit status 1.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("peerctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usageText) }
	configPath := global.String("config", "peerctl.toml", "supervisor config; a missing file means defaults")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return 1
	}

	logging.ConfigureRuntime("peerctl")
	cfg, err := config.LoadSupervisor(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	sup := supervisor.New(cfg)
	ctx := context.Background()

	var result any
	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "start":
		result, err = runStart(ctx, sup, cmdArgs, stderr)
	case "stop":
		result, err = runStop(ctx, sup, cmdArgs, stderr)
	case "restart":
		result, err = runRestart(ctx, sup, cmdArgs, stderr)
	case "status":
		result, err = runStatus(sup, cmdArgs, stderr)
	case "info":
		result, err = runInfo(ctx, sup, cmdArgs, stderr)
	case "logs":
		result, err = runLogs(sup, cmdArgs, stderr)
	case "help":
		global.Usage()
		return 0
	default:
		global.Usage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if result != nil {
		if werr := writeJSON(stdout, result); werr != nil {
			return fail(stderr, werr)
		}
	}
	if err != nil {
		return fail(stderr, err)
	}
	return 0
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "peerctl: %v\n", err)
	return 1
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStart(ctx context.Context, sup *supervisor.Supervisor, args []string, stderr io.Writer) (any, error) {
	peer, err := parseStartFlags(args, stderr)
	if err != nil {
		return nil, err
	}
	res, err := sup.Start(ctx, supervisor.StartRequest{Peer: peer})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func runStop(ctx context.Context, sup *supervisor.Supervisor, args []string, stderr io.Writer) (any, error) {
	fs := newFlagSet("stop", stderr)
	name := fs.String("name", "", "peer name")
	sig := fs.String("signal", "SIGTERM", "signal to send")
	waitMS := fs.Int64("wait-ms", supervisor.DefaultStopWait.Milliseconds(), "how long to wait for exit")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	res, err := sup.Stop(ctx, supervisor.StopRequest{
		Name:   *name,
		Signal: *sig,
		Wait:   time.Duration(*waitMS) * time.Millisecond,
	})
	if errors.Is(err, supervisor.ErrStopTimeout) {
		return res, err
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func runRestart(ctx context.Context, sup *supervisor.Supervisor, args []string, stderr io.Writer) (any, error) {
	fs := newFlagSet("restart", stderr)
	name := fs.String("name", "", "peer name")
	sig := fs.String("signal", "SIGTERM", "signal for the old process")
	waitMS := fs.Int64("wait-ms", supervisor.DefaultStopWait.Milliseconds(), "how long to wait for the old process")
	readyMS := fs.Int64("ready-timeout-ms", config.DefaultReadyTimeoutMS, "readiness window for the new process")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	res, err := sup.Restart(ctx, supervisor.RestartRequest{
		Name:         *name,
		Signal:       *sig,
		Wait:         time.Duration(*waitMS) * time.Millisecond,
		ReadyTimeout: time.Duration(*readyMS) * time.Millisecond,
	})
	if errors.Is(err, supervisor.ErrStopTimeout) {
		return res, err
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func runStatus(sup *supervisor.Supervisor, args []string, stderr io.Writer) (any, error) {
	fs := newFlagSet("status", stderr)
	name := fs.String("name", "", "peer name (all peers when empty)")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	res, err := sup.Status(*name)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func runInfo(ctx context.Context, sup *supervisor.Supervisor, args []string, stderr io.Writer) (any, error) {
	fs := newFlagSet("info", stderr)
	name := fs.String("name", "", "peer name")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	res, err := sup.Info(ctx, *name)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func runLogs(sup *supervisor.Supervisor, args []string, stderr io.Writer) (any, error) {
	fs := newFlagSet("logs", stderr)
	name := fs.String("name", "", "peer name")
	lines := fs.Int("lines", supervisor.DefaultLogLines, "number of lines")
	if err := parse(fs, args); err != nil {
		return nil, err
	}
	res, err := sup.Logs(*name, *lines)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("peerctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return nil
}
