// Command offloadd is the build-offload scheduler daemon. It accepts
// non-critical-path build steps over a unix socket, throttles them against
// host load, runs them at minimum scheduling priority, and reports status
// back to the builds that submitted them.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"offload/internal/config"
	"offload/internal/eventlog"
	"offload/internal/server"
	"offload/internal/statusline"
)

func main() {
	var (
		configPath  string
		socket      string
		quiet       bool
		exitOnIdle  bool
		eventLog    string
		maxParallel int
	)
	flag.StringVar(&configPath, "config", "", "Optional YAML configuration file.")
	flag.StringVar(&socket, "socket", "", "Endpoint path (default: per-user well-known path).")
	flag.BoolVar(&quiet, "quiet", false, "Suppress the live status line.")
	flag.BoolVar(&exitOnIdle, "exit-on-idle", false, "Exit once no builds are registered and no tasks remain.")
	flag.StringVar(&eventLog, "event-log", "", "Append lifecycle events to this JSONL file.")
	flag.IntVar(&maxParallel, "max-parallel", 0, "Admission ceiling (0 = logical CPU count).")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	// Flags override the file.
	if socket != "" {
		cfg.Socket = socket
	}
	if quiet {
		cfg.Quiet = true
	}
	if exitOnIdle {
		cfg.ExitOnIdle = true
	}
	if eventLog != "" {
		cfg.EventLog = eventLog
	}
	if maxParallel != 0 {
		cfg.MaxParallel = maxParallel
	}

	logger := log.New(os.Stderr, "offloadd: ", log.LstdFlags)

	var events eventlog.Sink = eventlog.NopSink{}
	if cfg.EventLog != "" {
		sink, err := eventlog.NewFileSink(cfg.EventLog)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer sink.Close()
		events = sink
	}

	reporter := statusline.New(os.Stdout, cfg.Quiet)
	srv := server.New(cfg, events, reporter, logger, nil)

	// On interrupt: stop accepting, drain the queue by termination, kill
	// running children, release the endpoint. No orphans, no lost
	// stamp-file invalidations.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		srv.Stop()
	}()

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
