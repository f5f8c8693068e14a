// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestRescanner_RunsWalkOnSchedule(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var calls int32

	r, err := NewRescanner("0 0 1 1 *", logger, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("NewRescanner: %v", err)
	}

	// robfig/cron/v3's default parser only fires at minute resolution, so
	// rather than wait for a real trigger this exercises run() directly.
	r.run(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected walk to run once, ran %d times", calls)
	}
}

func TestRescanner_SkipsOverlappingRun(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewRescanner("0 0 1 1 *", logger, func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatalf("NewRescanner: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	go r.run(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return nil
	})
	<-started

	r.run(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	close(release)

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected the overlapping run to be skipped, saw %d calls", calls)
	}
}
