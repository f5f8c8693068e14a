// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mmapfile provides the copy-on-write read-only memory mapping used
// by the sender to get a stable byte snapshot of a source file even while
// it is being modified concurrently. The file descriptor does not need to
// stay open once the mapping exists — mmap(2) keeps the pages alive — and
// a copy-on-write mapping means pages the underlying file changes after
// mapping are never visible through this snapshot, giving "bytes hashed ==
// bytes later diffed" for the whole check-and-transfer exchange.
package mmapfile

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Snapshot is a copy-on-write read-only view of a file's contents at the
// moment it was opened, along with the SHA-256 hash of that exact byte
// snapshot.
type Snapshot struct {
	data   mmap.MMap
	Shasum [32]byte
}

// Open maps path copy-on-write and computes its shasum in one step, so the
// returned Snapshot's Shasum always matches Bytes() exactly — the pairing
// the check-and-transfer protocol requires be captured once and reused for
// every subsequent step.
func Open(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s for mapping: %w", path, err)
	}
	defer f.Close() // the mapping keeps the pages resident; the fd need not stay open

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return &Snapshot{data: nil, Shasum: sha256.Sum256(nil)}, nil
	}

	m, err := mmap.MapRegion(f, int(info.Size()), mmap.COPY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("mapping %s copy-on-write: %w", path, err)
	}

	return &Snapshot{
		data:   m,
		Shasum: sha256.Sum256(m),
	}, nil
}

// Bytes returns the mapped snapshot. The returned slice must not be
// retained past a call to Close.
func (s *Snapshot) Bytes() []byte {
	return s.data
}

// Len returns the snapshot's size in bytes.
func (s *Snapshot) Len() int {
	return len(s.data)
}

// Close unmaps the snapshot. It is a no-op for an empty-file snapshot,
// which never allocated a mapping.
func (s *Snapshot) Close() error {
	if s.data == nil {
		return nil
	}
	return s.data.Unmap()
}
