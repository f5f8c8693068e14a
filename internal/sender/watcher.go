// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/nishisan-dev/treemirror/internal/ignore"
	"github.com/nishisan-dev/treemirror/internal/protocol"
)

// Watcher keeps driving the check-and-transfer protocol after the initial
// full walk, reacting to filesystem notifications instead of rescanning.
type Watcher struct {
	Root   string
	Ignore *ignore.Matcher
	Driver *Driver
	Logger *slog.Logger

	watcher *fsnotify.Watcher
}

// Start creates the underlying fsnotify watch and adds every directory
// under Root (fsnotify watches are non-recursive, so each one needs its
// own Add call).
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	return filepath.WalkDir(filepath.Clean(w.Root), func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d == nil || !d.IsDir() {
			return nil
		}
		rel, err := relPath(w.Root, path)
		if err != nil {
			return nil
		}
		if rel != "." && w.Ignore != nil && w.Ignore.ShouldSkipPath(rel) {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			w.Logger.Warn("watching directory", "path", path, "error", err)
		}
		return nil
	})
}

// Close stops the underlying fsnotify watch.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

// Run consumes fsnotify events until ctx is done or the watch errors out.
// Create and Write both resolve to a sync of the current on-disk state;
// Remove and Rename's "old half" both resolve to a Remove request, since
// fsnotify delivers a plain Rename for the source of a move without
// reliably pairing it with the Create that follows for the destination —
// the destination path gets its own Create event and is synced from that,
// so treating Rename as a Remove-and-let-the-next-event-catch-the-rest is
// simpler than trying to correlate the two into a single Rename request.
//
// A fatal error from the Driver (a transport failure or protocol violation)
// ends the watch and is returned to the caller; any other error is logged
// and the watch continues.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if err := w.handleEvent(event); err != nil {
				if IsFatal(err) {
					return err
				}
				w.Logger.Warn("handling filesystem event", "path", event.Name, "error", err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) error {
	rel, err := relPath(w.Root, event.Name)
	if err != nil || !isUnderRoot(rel) {
		return nil
	}
	if w.Ignore != nil && w.Ignore.ShouldSkipPath(rel) {
		return nil
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return w.Driver.Remove(rel, protocol.FileTypeFile)

	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		return w.syncPath(rel, event.Name)
	}
	return nil
}

func (w *Watcher) syncPath(rel, absPath string) error {
	info, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return nil // already gone by the time we got to it
	}
	if err != nil {
		return fmt.Errorf("stat on event for %s: %w", rel, err)
	}

	if info.IsDir() {
		if err := w.Driver.SyncDir(rel); err != nil {
			return err
		}
		if err := w.watcher.Add(absPath); err != nil {
			w.Logger.Warn("watching new directory", "path", rel, "error", err)
		}
		return nil
	}

	if info.Mode()&os.ModeSymlink != 0 {
		w.Logger.Warn("skipping symlink event, not followed or replicated", "path", rel)
		return nil
	}

	return w.Driver.SyncFile(rel, absPath)
}
