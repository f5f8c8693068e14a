// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func TestShouldSkipPath_LocalGitignoreRules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".gitignore"), "*.log\nbuild/\n")

	m, err := New(dir, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := map[string]bool{
		"app.log":          true,
		"build/output.bin": true,
		"src/main.go":      false,
	}
	for path, want := range cases {
		if got := m.ShouldSkipPath(path); got != want {
			t.Errorf("ShouldSkipPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestShouldSkipPath_HardcodedGitLockRule(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !m.ShouldSkipPath(".git/refs/heads/main.lock") {
		t.Fatalf("expected .git/**/*.lock to always be ignored")
	}
	if m.ShouldSkipPath(".git/refs/heads/main") {
		t.Fatalf("did not expect a non-lock .git path to be ignored")
	}
}

func TestShouldSkipPath_HiddenPropagatesFromAncestor(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, Options{IgnoreHidden: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !m.ShouldSkipPath(".cache/sub/file.txt") {
		t.Fatalf("expected path under a hidden directory to be ignored")
	}
	if !m.ShouldSkipPath(".env") {
		t.Fatalf("expected a hidden file at root to be ignored")
	}
	if m.ShouldSkipPath("src/main.go") {
		t.Fatalf("did not expect a non-hidden path to be ignored")
	}
}

func TestShouldSkipPath_HiddenDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if m.ShouldSkipPath(".env") {
		t.Fatalf("did not expect hidden-file rule to apply when IgnoreHidden is false")
	}
}

func TestNew_NoGitignoreFilesIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.ShouldSkipPath("anything/at/all.txt") {
		t.Fatalf("expected no rules to match with no .gitignore present")
	}
}
