// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/pgzip"
)

// CompressChunk gzip-compresses data. Each chunk is compressed
// independently so compression works regardless of where a Contents/Delta
// payload happens to be split across wire chunks; the uncompressed length
// a caller tracks for terminal-chunk detection (Transfer.FileSize/DataSize)
// is unaffected, since those always refer to the decompressed byte counts.
func CompressChunk(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := pgzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("compressing chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing compressor: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressChunk reverses CompressChunk.
func DecompressChunk(data []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening compressed chunk: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk: %w", err)
	}
	return out, nil
}
