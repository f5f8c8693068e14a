// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command treemirror-recv serves one or many connections from a
// treemirror-send sender, applying the check-and-transfer protocol
// against a destination directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/treemirror/internal/config"
	"github.com/nishisan-dev/treemirror/internal/logging"
	"github.com/nishisan-dev/treemirror/internal/receiver"
	"github.com/nishisan-dev/treemirror/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to receiver config file (optional)")
	listen := flag.String("listen", "", "TCP address to accept connections on (default: serve stdio)")
	healthAddr := flag.String("health-addr", "", "HTTP address to serve disk-usage health checks on")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: treemirror-recv [flags] <destination-root>")
		os.Exit(2)
	}
	destRoot := flag.Arg(0)

	var cfg config.ReceiverConfig
	if *configPath != "" {
		loaded, err := config.LoadReceiverConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *healthAddr != "" {
		cfg.HealthAddr = *healthAddr
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	if err := ensureRoot(destRoot); err != nil {
		logger.Error("preparing destination root", "root", destRoot, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.HealthAddr != "" {
		go func() {
			if err := receiver.ServeHealth(ctx, cfg.HealthAddr, destRoot, logger); err != nil {
				logger.Error("health endpoint stopped", "error", err)
			}
		}()
	}

	if cfg.Listen == "" {
		conn := transport.NewStdio(os.Stdin, os.Stdout)
		logger.Info("serving single connection over stdio", "root", destRoot)
		receiver.ServeConn(conn, destRoot, logger)
		return
	}

	ln, err := transport.Listen(cfg.Listen)
	if err != nil {
		logger.Error("listening", "addr", cfg.Listen, "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	if err := receiver.Run(ctx, ln, destRoot, logger); err != nil {
		logger.Error("accept loop ended", "error", err)
		os.Exit(1)
	}
}

func ensureRoot(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s exists and is not a directory", path)
	}
	return nil
}
