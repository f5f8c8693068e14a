// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/nishisan-dev/treemirror/internal/ignore"
)

func TestWalker_VisitsFilesAndDirsInDescendOrder(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "a", "b"))
	mustWriteFile(t, filepath.Join(root, "top.txt"), "top")
	mustWriteFile(t, filepath.Join(root, "a", "mid.txt"), "mid")
	mustWriteFile(t, filepath.Join(root, "a", "b", "leaf.txt"), "leaf")

	w := &Walker{Root: root, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	var seen []string
	seenBeforeChild := map[string]bool{}
	visited := map[string]bool{}
	err := w.Walk(context.Background(), func(e Entry) error {
		seen = append(seen, e.RelPath)
		visited[e.RelPath] = true
		if e.RelPath == "a/mid.txt" || e.RelPath == "a/b" {
			seenBeforeChild["a"] = visited["a"]
		}
		if e.RelPath == "a/b/leaf.txt" {
			seenBeforeChild["a/b"] = visited["a/b"]
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	want := []string{"a", "a/b", "a/b/leaf.txt", "a/mid.txt", "top.txt"}
	sort.Strings(seen)
	if len(seen) != len(want) {
		t.Fatalf("got %v entries, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("entry %d: got %q, want %q", i, seen[i], want[i])
		}
	}
	if !seenBeforeChild["a"] {
		t.Fatalf("expected directory a to be visited before its children")
	}
	if !seenBeforeChild["a/b"] {
		t.Fatalf("expected directory a/b to be visited before its children")
	}
}

func TestWalker_SkipsIgnoredEntries(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, ".gitignore"), "ignored.txt\n")
	mustWriteFile(t, filepath.Join(root, "ignored.txt"), "skip me")
	mustWriteFile(t, filepath.Join(root, "kept.txt"), "keep me")

	m, err := ignore.New(root, ignore.Options{})
	if err != nil {
		t.Fatalf("ignore.New: %v", err)
	}

	w := &Walker{Root: root, Ignore: m, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	var seen []string
	if err := w.Walk(context.Background(), func(e Entry) error {
		seen = append(seen, e.RelPath)
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	for _, rel := range seen {
		if rel == "ignored.txt" {
			t.Fatalf("ignored.txt should have been skipped, saw entries: %v", seen)
		}
	}
	found := false
	for _, rel := range seen {
		if rel == "kept.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("kept.txt should have been visited, saw entries: %v", seen)
	}
}

func TestWalker_SkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "real.txt"), "real content")
	if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")); err != nil {
		t.Skipf("symlinks not supported on this filesystem: %v", err)
	}

	w := &Walker{Root: root, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	var seen []string
	if err := w.Walk(context.Background(), func(e Entry) error {
		seen = append(seen, e.RelPath)
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	for _, rel := range seen {
		if rel == "link.txt" {
			t.Fatalf("symlink should not have been visited, saw entries: %v", seen)
		}
	}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("MkdirAll(%s): %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
