// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command treemirror-send walks a source directory and continuously
// mirrors it to a receiver over a framed duplex connection — either a
// spawned handler subprocess (piped stdio) or a direct TCP dial.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nishisan-dev/treemirror/internal/config"
	"github.com/nishisan-dev/treemirror/internal/ignore"
	"github.com/nishisan-dev/treemirror/internal/logging"
	"github.com/nishisan-dev/treemirror/internal/sender"
	"github.com/nishisan-dev/treemirror/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to sender config file (optional)")
	handlerCmd := flag.String("handler-cmd", "", "spawn this command, piping its stdio as the transport")
	connect := flag.String("connect", "", "dial this TCP address as the transport")
	root := flag.String("root", "", "source root directory (default: current directory)")
	hidden := flag.Bool("hidden", false, "include dotfiles and dot-directories")
	bandwidthLimit := flag.String("bandwidth-limit", "", "outbound rate limit, e.g. 10mb")
	rescanSchedule := flag.String("rescan-schedule", "", "cron expression for periodic full rescans")
	compress := flag.Bool("compress", false, "pgzip-compress file contents and deltas on the wire")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: treemirror-send [flags] <destination-path>")
		os.Exit(2)
	}
	destPath := flag.Arg(0)

	var cfg config.SenderConfig
	if *configPath != "" {
		loaded, err := config.LoadSenderConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	applyFlagOverrides(&cfg, *handlerCmd, *connect, *root, *hidden, *bandwidthLimit, *rescanSchedule)
	if *compress {
		cfg.Compress = true
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	if cfg.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Error("resolving current directory", "error", err)
			os.Exit(1)
		}
		cfg.Root = wd
	}
	canonicalRoot, err := filepath.Abs(cfg.Root)
	if err == nil {
		canonicalRoot, err = filepath.EvalSymlinks(canonicalRoot)
	}
	if err != nil {
		logger.Error("resolving source root", "root", cfg.Root, "error", err)
		os.Exit(1)
	}
	cfg.Root = canonicalRoot

	conn, closeConn, err := dial(context.Background(), cfg, destPath)
	if err != nil {
		logger.Error("connecting to receiver", "error", err)
		os.Exit(1)
	}
	defer closeConn()

	matcher, err := ignore.New(cfg.Root, ignore.Options{IgnoreHidden: !cfg.Hidden})
	if err != nil {
		logger.Error("building ignore matcher", "error", err)
		os.Exit(1)
	}

	drv := sender.New(conn, logger)
	drv.SetCompression(cfg.Compress)
	walker := &sender.Walker{Root: cfg.Root, Ignore: matcher, Logger: logger}

	walk := func(ctx context.Context) error {
		return walker.Walk(ctx, func(e sender.Entry) error {
			var err error
			if e.IsDir {
				err = drv.SyncDir(e.RelPath)
			} else {
				err = drv.SyncFile(e.RelPath, e.AbsPath)
			}
			if err == nil {
				return nil
			}
			if sender.IsFatal(err) {
				return err
			}
			logger.Warn("skipping entry after error", "path", e.RelPath, "error", err)
			return nil
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting initial tree sync", "root", cfg.Root)
	if err := walk(ctx); err != nil {
		logger.Error("initial sync failed", "error", err)
		os.Exit(1)
	}

	watcher := &sender.Watcher{Root: cfg.Root, Ignore: matcher, Driver: drv, Logger: logger}
	if err := watcher.Start(); err != nil {
		logger.Error("starting filesystem watch", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	if cfg.RescanSchedule != "" {
		rescanner, err := sender.NewRescanner(cfg.RescanSchedule, logger, walk)
		if err != nil {
			logger.Error("scheduling rescans", "error", err)
			os.Exit(1)
		}
		rescanner.Start()
		defer rescanner.Stop(context.Background())
	}

	logger.Info("watching for changes", "root", cfg.Root)
	if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("watch loop ended", "error", err)
		os.Exit(1)
	}
}

func applyFlagOverrides(cfg *config.SenderConfig, handlerCmd, connect, root string, hidden bool, bandwidthLimit, rescanSchedule string) {
	if handlerCmd != "" {
		cfg.HandlerCmd = handlerCmd
	}
	if connect != "" {
		cfg.Connect = connect
	}
	if root != "" {
		cfg.Root = root
	}
	if hidden {
		cfg.Hidden = true
	}
	if bandwidthLimit != "" {
		parsed, err := config.ParseByteSize(bandwidthLimit)
		if err == nil {
			cfg.BandwidthLimitRaw = parsed
		}
	}
	if rescanSchedule != "" {
		cfg.RescanSchedule = rescanSchedule
	}
}

func dial(ctx context.Context, cfg config.SenderConfig, destPath string) (*transport.Conn, func(), error) {
	if cfg.HandlerCmd != "" {
		sub, err := transport.SpawnSubprocess(cfg.HandlerCmd, destPath)
		if err != nil {
			return nil, nil, err
		}
		return sub.Conn, func() { sub.Conn.Close(); sub.Wait() }, nil
	}

	if cfg.Connect != "" {
		if cfg.BandwidthLimitRaw > 0 {
			conn, err := sender.DialThrottled(ctx, cfg.Connect, cfg.BandwidthLimitRaw)
			if err != nil {
				return nil, nil, err
			}
			return conn, func() { conn.Close() }, nil
		}
		conn, err := transport.DialTCP(cfg.Connect)
		if err != nil {
			return nil, nil, err
		}
		return conn, func() { conn.Close() }, nil
	}

	return nil, nil, fmt.Errorf("one of --handler-cmd or --connect (or their config-file equivalents) is required")
}
