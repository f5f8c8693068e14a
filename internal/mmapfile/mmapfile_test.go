// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mmapfile

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_MatchesShasumAndContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	snap, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer snap.Close()

	if !equalBytes(snap.Bytes(), content) {
		t.Fatalf("expected mapped bytes to equal file content")
	}
	want := sha256.Sum256(content)
	if snap.Shasum != want {
		t.Fatalf("expected shasum %x, got %x", want, snap.Shasum)
	}
	if snap.Len() != len(content) {
		t.Fatalf("expected len %d, got %d", len(content), snap.Len())
	}
}

func TestOpen_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	snap, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer snap.Close()

	if snap.Len() != 0 {
		t.Fatalf("expected empty snapshot, got len %d", snap.Len())
	}
	want := sha256.Sum256(nil)
	if snap.Shasum != want {
		t.Fatalf("expected shasum of empty content")
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
