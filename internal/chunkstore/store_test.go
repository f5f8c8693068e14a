// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunkstore

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

func TestPushFileChunk_AccumulatesAndFinalizes(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.txt")

	store := New()
	content := []byte("hello, world")
	shasum := sha256.Sum256(content)

	total, err := store.PushFileChunk(dest, shasum, content[:5])
	if err != nil {
		t.Fatalf("PushFileChunk: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected 5 bytes written, got %d", total)
	}

	total, err = store.PushFileChunk(dest, shasum, content[5:])
	if err != nil {
		t.Fatalf("PushFileChunk: %v", err)
	}
	if total != uint64(len(content)) {
		t.Fatalf("expected %d bytes written, got %d", len(content), total)
	}

	hash, ok, err := store.RemoveFile(dest)
	if err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if hash != shasum {
		t.Fatalf("expected finalized hash to match shasum")
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading materialized file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected materialized content %q, got %q", content, got)
	}
}

func TestPushFileChunk_ShasumChangeDiscardsPartialState(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "b.txt")

	store := New()
	shasum1 := sha256.Sum256([]byte("version one"))
	shasum2 := sha256.Sum256([]byte("v2"))

	if _, err := store.PushFileChunk(dest, shasum1, []byte("partial data from v1")); err != nil {
		t.Fatalf("PushFileChunk: %v", err)
	}

	total, err := store.PushFileChunk(dest, shasum2, []byte("v2"))
	if err != nil {
		t.Fatalf("PushFileChunk after shasum change: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected restart to discard prior bytes, got total %d", total)
	}

	hash, ok, err := store.RemoveFile(dest)
	if err != nil || !ok {
		t.Fatalf("RemoveFile: ok=%v err=%v", ok, err)
	}
	if hash != shasum2 {
		t.Fatalf("expected final hash to match the restarted upload's shasum")
	}
}

func TestRemoveFile_AbsentPathReturnsFalse(t *testing.T) {
	store := New()
	_, ok, err := store.RemoveFile("/does/not/exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for untracked path")
	}
}

func TestPushDeltaChunk_AccumulatesAndResetsOnShasumChange(t *testing.T) {
	store := New()
	path := "/dest/c.bin"
	shasum1 := sha256.Sum256([]byte("one"))
	shasum2 := sha256.Sum256([]byte("two"))

	buf, err := store.PushDeltaChunk(path, shasum1, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("PushDeltaChunk: %v", err)
	}
	if len(buf) != 3 {
		t.Fatalf("expected buffer length 3, got %d", len(buf))
	}

	buf, err = store.PushDeltaChunk(path, shasum1, []byte{4, 5})
	if err != nil {
		t.Fatalf("PushDeltaChunk: %v", err)
	}
	if len(buf) != 5 {
		t.Fatalf("expected buffer length 5, got %d", len(buf))
	}

	buf, err = store.PushDeltaChunk(path, shasum2, []byte{9})
	if err != nil {
		t.Fatalf("PushDeltaChunk after shasum change: %v", err)
	}
	if len(buf) != 1 || buf[0] != 9 {
		t.Fatalf("expected reset buffer [9], got %v", buf)
	}

	store.RemoveDelta(path)
	buf, err = store.PushDeltaChunk(path, shasum2, []byte{7})
	if err != nil {
		t.Fatalf("PushDeltaChunk after remove: %v", err)
	}
	if len(buf) != 1 || buf[0] != 7 {
		t.Fatalf("expected fresh buffer [7] after remove, got %v", buf)
	}
}
