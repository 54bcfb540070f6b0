package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusnotify/internal/app"
	"campusnotify/internal/config"
	"campusnotify/pkg/systemd"
)

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml); empty runs from environment only")
	flag.StringVar(&envFile, "env", "", "optional dotenv file (default: ./.env when present)")
	flag.Parse()

	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	env, err := config.LoadEnv(files...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	a, err := app.New(cfgPath, env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_, _ = systemd.Ready()
	go systemd.Watchdog(ctx)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Status("stopping: " + string(reason))
	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	cancel()

	if reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", errors.Join(a.Err(), stopErr))
		os.Exit(1)
	}
}
