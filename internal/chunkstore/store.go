// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package chunkstore implements the receiver's in-memory chunk store: a
// FileEntry per in-flight Contents upload and a DeltaEntry per in-flight
// Delta upload, both keyed by destination absolute path. The protocol
// guarantees in-order delivery on a single pipelined connection, so both
// entry types are plain sequential accumulators — no out-of-order
// reassembly or spill-to-disk is needed.
package chunkstore

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
)

// FileEntry tracks one in-flight Contents upload: a buffered writer onto
// the destination file, fed through a running SHA-256 hasher, plus the
// byte count needed to detect the terminal chunk against Transfer.FileSize.
type FileEntry struct {
	path     string
	file     *os.File
	writer   *bufio.Writer
	hasher   hash.Hash
	numBytes uint64
	shasum   [32]byte
}

func newFileEntry(path string, shasum [32]byte) (*FileEntry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating destination file %s: %w", path, err)
	}
	hasher := sha256.New()
	return &FileEntry{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(io.MultiWriter(f, hasher)),
		hasher: hasher,
		shasum: shasum,
	}, nil
}

func (e *FileEntry) write(data []byte) error {
	n, err := e.writer.Write(data)
	e.numBytes += uint64(n)
	if err != nil {
		return fmt.Errorf("writing chunk to %s: %w", e.path, err)
	}
	return nil
}

func (e *FileEntry) finalize() ([32]byte, error) {
	var sum [32]byte
	if err := e.writer.Flush(); err != nil {
		_ = e.file.Close()
		return sum, fmt.Errorf("flushing %s: %w", e.path, err)
	}
	if err := e.file.Close(); err != nil {
		return sum, fmt.Errorf("closing %s: %w", e.path, err)
	}
	copy(sum[:], e.hasher.Sum(nil))
	return sum, nil
}

func (e *FileEntry) abort() {
	_ = e.file.Close()
}

// DeltaEntry tracks one in-flight Delta upload: a growing byte buffer of
// the opaque delta wire bytes, reset whenever the sender-declared shasum
// changes mid-stream.
type DeltaEntry struct {
	buffer []byte
	shasum [32]byte
}

// Store is the receiver's single shared mutable state: two maps behind one
// exclusive lock, taken for the duration of each Store method call. The
// dispatcher handles one request at a time on its connection, so there is
// never contention between distinct in-flight paths.
type Store struct {
	mu     sync.Mutex
	files  map[string]*FileEntry
	deltas map[string]*DeltaEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		files:  make(map[string]*FileEntry),
		deltas: make(map[string]*DeltaEntry),
	}
}

// PushFileChunk appends data to the FileEntry for path, creating it (or
// resetting it, discarding whatever partial state existed, if shasum
// differs from what's currently tracked) on demand. It returns the total
// number of bytes written to the entry so far, which the caller compares
// against Transfer.FileSize to detect the terminal chunk.
func (s *Store) PushFileChunk(path string, shasum [32]byte, data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[path]
	if !ok || entry.shasum != shasum {
		if ok {
			entry.abort()
		}
		created, err := newFileEntry(path, shasum)
		if err != nil {
			return 0, err
		}
		entry = created
		s.files[path] = entry
	}

	if err := entry.write(data); err != nil {
		return 0, err
	}
	return entry.numBytes, nil
}

// RemoveFile flushes and finalizes the FileEntry for path, returning its
// final SHA-256 hash. ok is false if no entry existed for path.
func (s *Store) RemoveFile(path string) (hash [32]byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.files[path]
	if !exists {
		return hash, false, nil
	}
	delete(s.files, path)

	hash, err = entry.finalize()
	return hash, true, err
}

// AbortFile discards any partial FileEntry for path without finalizing it,
// used by the dispatcher's Remove handler so a removed path leaves no open
// upload behind.
func (s *Store) AbortFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.files[path]; ok {
		entry.abort()
		delete(s.files, path)
	}
}

// PushDeltaChunk extends the DeltaEntry buffer for path (creating or
// resetting it on a shasum change) and returns the buffer's new contents.
// The returned slice aliases the entry's internal buffer and is only valid
// until the next call that touches this path.
func (s *Store) PushDeltaChunk(path string, shasum [32]byte, data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.deltas[path]
	if !ok || entry.shasum != shasum {
		entry = &DeltaEntry{shasum: shasum}
		s.deltas[path] = entry
	}
	entry.buffer = append(entry.buffer, data...)
	return entry.buffer, nil
}

// RemoveDelta drops the DeltaEntry for path, if present.
func (s *Store) RemoveDelta(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deltas, path)
}

// HasFile reports whether a FileEntry is currently tracked for path —
// used by tests and diagnostics, not by the dispatcher's happy path.
func (s *Store) HasFile(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok
}
