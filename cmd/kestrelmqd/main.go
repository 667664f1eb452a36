// Command kestrelmqd is the broker's standalone binary: spec.md §6's
// `-c`/`-d`/`-p` flags, loading a config file, starting the broker, and
// blocking until a shutdown signal stops it.
//
// No repo in the reference corpus builds a CLI flags library into a server
// binary's entrypoint (axmq-ax ships no cmd/ at all), so this uses the
// standard library's flag package rather than importing one; everything
// downstream of flag parsing (config, broker, logger) is the corpus stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kestrelmq/broker/broker"
	"github.com/kestrelmq/broker/config"
	"github.com/kestrelmq/broker/pkg/logger"
)

// Exit codes: 0 is a clean shutdown (SIGINT/SIGTERM handled, or Stop
// returned cleanly); 1 is any failure that kept the broker from serving
// traffic at all (bad config file, listener bind failure, pid file write
// failure).
const (
	exitOK      = 0
	exitFailure = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("kestrelmqd", flag.ContinueOnError)
	configPath := fs.String("c", "", "path to the broker config file")
	daemonize := fs.Bool("d", false, "run in the background, detached from the controlling terminal")
	pidFile := fs.String("p", "", "write the daemon's process id to this file")
	if err := fs.Parse(args); err != nil {
		return exitFailure
	}

	if *daemonize && os.Getenv("KESTRELMQD_DAEMONIZED") == "" {
		return spawnDaemon(args)
	}

	log := logger.NewSlogLogger(0, nil)

	var cfg broker.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = broker.DefaultConfig()
	}
	if err != nil {
		log.Error("failed to load config", "path", *configPath, "error", err)
		return exitFailure
	}

	if *pidFile != "" {
		if err := writePIDFile(*pidFile); err != nil {
			log.Error("failed to write pid file", "path", *pidFile, "error", err)
			return exitFailure
		}
		defer os.Remove(*pidFile)
	}

	b := broker.New(cfg, log)
	if *configPath != "" {
		path := *configPath
		b.SetReloadFunc(func() (broker.Config, error) {
			return config.Load(path)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		log.Error("broker failed to start", "error", err)
		return exitFailure
	}
	log.Info("broker started", "listeners", len(cfg.Listeners))

	<-ctx.Done()

	// The broker's own signal handler (broker/signals.go) also reacts to
	// SIGINT/SIGTERM and may have already called Stop by the time this
	// runs; ErrNotRunning just means it won the race, not a failure.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Stop(shutdownCtx); err != nil && err != broker.ErrNotRunning {
		log.Error("broker shutdown failed", "error", err)
		return exitFailure
	}
	return exitOK
}

// spawnDaemon re-execs the current binary with the same arguments, detached
// from the controlling terminal, and exits the parent immediately. There's
// no setsid/double-fork precedent in the reference corpus to follow, so this
// sticks to the plainest thing the standard library offers: a fresh
// SysProcAttr session leader, the same argv minus nothing (the child reads
// -d again but KESTRELMQD_DAEMONIZED short-circuits the re-spawn).
func spawnDaemon(args []string) int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "kestrelmqd: daemonize:", err)
		return exitFailure
	}
	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), "KESTRELMQD_DAEMONIZED=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "kestrelmqd: daemonize:", err)
		return exitFailure
	}
	fmt.Println(cmd.Process.Pid)
	return exitOK
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}
