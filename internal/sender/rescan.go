// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Rescanner periodically re-walks Root and re-runs the check-and-transfer
// protocol for every entry, healing any drift the fsnotify watch may have
// missed (coalesced events, a gap during a dropped connection). Grounded
// on internal/agent/scheduler.go's Scheduler, trimmed from one cron job
// per backup entry down to the single recurring job this domain needs.
type Rescanner struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewRescanner registers cronExpr against walk, which should perform one
// full tree sync when called. An empty cronExpr is rejected by the cron
// parser, so callers only construct a Rescanner when a schedule is set.
func NewRescanner(cronExpr string, logger *slog.Logger, walk func(ctx context.Context) error) (*Rescanner, error) {
	r := &Rescanner{logger: logger}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc(cronExpr, func() { r.run(walk) }); err != nil {
		return nil, fmt.Errorf("scheduling rescan %q: %w", cronExpr, err)
	}

	r.cron = c
	return r, nil
}

// Start begins firing the scheduled rescans.
func (r *Rescanner) Start() {
	r.logger.Info("rescan schedule started")
	r.cron.Start()
}

// Stop waits for any in-flight rescan to finish, up to ctx's deadline.
func (r *Rescanner) Stop(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		r.logger.Warn("rescan stop timed out")
	}
}

func (r *Rescanner) run(walk func(ctx context.Context) error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Warn("rescan already running, skipping this trigger")
		return
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.Info("scheduled rescan triggered")
	if err := walk(context.Background()); err != nil {
		r.logger.Error("scheduled rescan failed", "error", err)
	}
}
