// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sender implements the sender side of the sync: a full tree walk
// that drives the check-and-transfer protocol for every entry, and an
// fsnotify watch loop that keeps driving it incrementally afterward.
package sender

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/treemirror/internal/ignore"
)

// Walker walks Root and yields every non-ignored entry in descend order
// (a directory's Check always precedes its children's), so the receiver
// always has somewhere to put what comes next.
type Walker struct {
	Root   string
	Ignore *ignore.Matcher
	Logger *slog.Logger
}

// Entry is one file-system object found by a walk, with its path relative
// to Root in slash-separated form for wire use.
type Entry struct {
	AbsPath string
	RelPath string
	Info    fs.FileInfo
	IsDir   bool
}

// Walk visits every eligible entry under Root and calls fn for each,
// skipping whatever Ignore excludes and logging-and-skipping symlinks:
// they are never followed or replicated, only warned about.
func (w *Walker) Walk(ctx context.Context, fn func(Entry) error) error {
	root := filepath.Clean(w.Root)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.Logger.Warn("walk error, skipping", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if path == root {
			return nil // the root itself is never sent as an entry
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			w.Logger.Warn("resolving relative path, skipping", "path", path, "error", err)
			return nil
		}
		rel = filepath.ToSlash(rel)

		if w.Ignore != nil && w.Ignore.ShouldSkipPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			w.Logger.Warn("skipping symlink, not followed or replicated", "path", rel)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			w.Logger.Warn("stat error, skipping", "path", path, "error", err)
			return nil
		}

		return fn(Entry{AbsPath: path, RelPath: rel, Info: info, IsDir: d.IsDir()})
	})
}

// relPath converts an absolute path under root to the slash-separated
// relative form used on the wire, mirroring the walk's own conversion for
// callers (the watcher) driven by paths instead of a WalkDir callback.
func relPath(root, abs string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(root), abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// isUnderRoot reports whether rel (as produced by relPath) names an entry
// strictly inside root — the watcher uses it to drop events for root
// itself or for paths outside it.
func isUnderRoot(rel string) bool {
	return rel != "." && !strings.HasPrefix(rel, "../")
}
