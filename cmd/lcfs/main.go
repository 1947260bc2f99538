// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

// Command lcfs mounts a layered copy-on-write filesystem backed by a
// single device or file.
//
//	lcfs <device> <mountpoint> [-f] [-d] [--format] [--config FILE]
//
// Without -f the process detaches and serves in the background. The
// mount exits non-zero when the device cannot be mounted.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/lcfs-project/lcfs/lib/config"
	"github.com/lcfs-project/lcfs/lib/lcfs"
	lcfsfuse "github.com/lcfs-project/lcfs/lib/lcfs/fuse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lcfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("lcfs", pflag.ContinueOnError)
	foreground := flags.BoolP("foreground", "f", false, "stay in the foreground")
	debug := flags.BoolP("debug", "d", false, "trace kernel requests")
	format := flags.Bool("format", false, "initialize the device before mounting")
	configPath := flags.String("config", "", "configuration file (default $LCFS_CONFIG)")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: lcfs <device> <mountpoint> [flags]\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if flags.NArg() != 2 {
		flags.Usage()
		return fmt.Errorf("expected a device and a mountpoint")
	}
	devicePath := flags.Arg(0)
	mountpoint := flags.Arg(1)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if !*foreground {
		return daemonize()
	}

	if *format {
		if err := lcfs.Format(devicePath, logger); err != nil {
			return err
		}
	}

	fs, err := lcfs.Mount(devicePath, lcfs.Options{
		Logger:        logger,
		FlushInterval: cfg.Flush.Interval,
	})
	if err != nil {
		return err
	}

	server, err := lcfsfuse.Mount(lcfsfuse.Options{
		Mountpoint:   mountpoint,
		FileSystem:   fs,
		AllowOther:   cfg.Mount.AllowOther,
		EntryTimeout: cfg.Mount.EntryTimeout,
		AttrTimeout:  cfg.Mount.AttrTimeout,
		Debug:        *debug,
		Logger:       logger,
	})
	if err != nil {
		fs.Unmount()
		return err
	}

	// Unmount on SIGINT/SIGTERM; the serve loop then drains.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Info("unmounting on signal", "signal", sig)
		if err := server.Unmount(); err != nil {
			logger.Error("unmount failed", "error", err)
		}
	}()

	server.Wait()
	return fs.Unmount()
}

// daemonize re-executes the process detached from the terminal, with
// -f appended so the child serves in the foreground of its own
// session.
func daemonize() error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(executable, append(os.Args[1:], "-f")...)
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting background process: %w", err)
	}
	return nil
}
