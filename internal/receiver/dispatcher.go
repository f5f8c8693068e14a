// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package receiver implements the receiver-side request dispatcher: routing
// a Request to the Check/Contents/Delta/Remove/Rename handler for its Kind,
// applying every result against the destination tree rooted at root. Every
// handler error becomes a RespCantHandle response — a bad or unexpected
// request is a warn-and-continue event local to that one request, never a
// reason to tear down the connection. Only I/O failures on the transport
// itself (handled by the caller's accept loop, see server.go) are fatal.
package receiver

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nishisan-dev/treemirror/internal/chunkstore"
	"github.com/nishisan-dev/treemirror/internal/deltasync"
	"github.com/nishisan-dev/treemirror/internal/mmapfile"
	"github.com/nishisan-dev/treemirror/internal/pathutil"
	"github.com/nishisan-dev/treemirror/internal/protocol"
)

// Dispatcher applies Requests against a single destination tree rooted at
// Root. It is not safe for concurrent use by more than one connection at a
// time — one dispatcher is created per connection.
type Dispatcher struct {
	root   string
	store  *chunkstore.Store
	engine *deltasync.Engine
	logger *slog.Logger
}

// New builds a Dispatcher rooted at root. root must already exist.
func New(root string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		root:   root,
		store:  chunkstore.New(),
		engine: deltasync.NewEngine(),
		logger: logger,
	}
}

// Handle routes req to its handler and recovers from any panic inside it,
// turning both expected errors and unexpected panics into a RespCantHandle
// response rather than ever letting a single bad request kill the
// connection.
func (d *Dispatcher) Handle(req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling request", "kind", req.Kind, "path", req.Path, "panic", r)
			resp = cantHandle(req, fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch req.Kind {
	case protocol.KindCheck:
		return d.handleCheck(req)
	case protocol.KindContents:
		return d.handleContents(req)
	case protocol.KindDelta:
		return d.handleDelta(req)
	case protocol.KindRemove:
		return d.handleRemove(req)
	case protocol.KindRename:
		return d.handleRename(req)
	default:
		d.logger.Warn("unknown request kind", "kind", req.Kind, "path", req.Path)
		return cantHandle(req, fmt.Sprintf("unknown request kind %d", req.Kind))
	}
}

func cantHandle(req *protocol.Request, reason string) *protocol.Response {
	return &protocol.Response{ID: req.ID, Kind: protocol.RespCantHandle, Reason: reason}
}

func ok(req *protocol.Request) *protocol.Response {
	return &protocol.Response{ID: req.ID, Kind: protocol.RespOk}
}

// hashingWriter tees every write through a running hash alongside the
// underlying writer, so the patched file's shasum is available the moment
// the last byte lands without a second read pass.
type hashingWriter struct {
	w io.Writer
	h hash.Hash
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
	}
	return n, err
}

// handleCheck runs the Check step. A directory Check always succeeds by
// ensuring the directory exists. A file Check compares the sender's
// declared shasum against the destination's current content: equal means
// skip (RespOk); absent means send the whole file (RespNeedContents);
// present-but-different means compute and return this side's signature so
// the sender can diff against it (RespDifferent).
func (d *Dispatcher) handleCheck(req *protocol.Request) *protocol.Response {
	dest, err := pathutil.ResolveUnder(d.root, req.Path)
	if err != nil {
		return cantHandle(req, err.Error())
	}

	switch req.FileType {
	case protocol.FileTypeDir:
		if info, err := os.Lstat(dest); err == nil && !info.IsDir() {
			if err := os.Remove(dest); err != nil {
				return cantHandle(req, fmt.Sprintf("replacing non-directory at %s: %v", req.Path, err))
			}
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return cantHandle(req, fmt.Sprintf("creating directory: %v", err))
		}
		return ok(req)

	case protocol.FileTypeFile:
		return d.handleCheckFile(req, dest)

	default:
		return cantHandle(req, fmt.Sprintf("unsupported file type %v for check", req.FileType))
	}
}

func (d *Dispatcher) handleCheckFile(req *protocol.Request, dest string) *protocol.Response {
	var wantShasum [32]byte
	if req.Transfer != nil {
		wantShasum = req.Transfer.Shasum
	}

	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return cantHandle(req, fmt.Sprintf("creating parent directory: %v", err))
		}
		return &protocol.Response{ID: req.ID, Kind: protocol.RespNeedContents}
	} else if err != nil {
		return cantHandle(req, fmt.Sprintf("stat destination: %v", err))
	}

	snap, err := mmapfile.Open(dest)
	if err != nil {
		return cantHandle(req, fmt.Sprintf("mapping destination: %v", err))
	}
	defer snap.Close()

	if snap.Shasum == wantShasum {
		return ok(req)
	}

	sig, err := d.engine.Signature(bytes.NewReader(snap.Bytes()))
	if err != nil {
		return cantHandle(req, fmt.Sprintf("computing signature: %v", err))
	}
	return &protocol.Response{ID: req.ID, Kind: protocol.RespDifferent, Signature: deltasync.EncodeSignature(sig)}
}

// handleContents runs the chunked whole-file transfer: each chunk is
// appended to the chunk store's FileEntry for dest, and once the
// cumulative byte count reaches the declared FileSize the entry is
// finalized and its hash checked against the declared Shasum.
func (d *Dispatcher) handleContents(req *protocol.Request) *protocol.Response {
	dest, err := pathutil.ResolveUnder(d.root, req.Path)
	if err != nil {
		return cantHandle(req, err.Error())
	}
	if req.Transfer == nil || req.Transfer.FileSize == nil {
		return cantHandle(req, "contents request missing transfer/file_size")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return cantHandle(req, fmt.Sprintf("creating parent directory: %v", err))
	}

	chunk := req.Transfer.Data
	if req.Transfer.Compressed {
		decompressed, err := protocol.DecompressChunk(chunk)
		if err != nil {
			return cantHandle(req, fmt.Sprintf("decompressing chunk: %v", err))
		}
		chunk = decompressed
	}

	total, err := d.store.PushFileChunk(dest, req.Transfer.Shasum, chunk)
	if err != nil {
		return cantHandle(req, fmt.Sprintf("writing chunk: %v", err))
	}

	if total < *req.Transfer.FileSize {
		return ok(req)
	}

	finalHash, _, err := d.store.RemoveFile(dest)
	if err != nil {
		return cantHandle(req, fmt.Sprintf("finalizing file: %v", err))
	}
	if finalHash != req.Transfer.Shasum {
		return cantHandle(req, "finalized content shasum mismatch")
	}
	return ok(req)
}

// needContents is the apply-failure outcome: a malformed or oversized
// delta, or a final hash that doesn't match, falls back to asking the
// sender to resend the whole file rather than leaving a corrupt
// destination in place.
func needContents(req *protocol.Request) *protocol.Response {
	return &protocol.Response{ID: req.ID, Kind: protocol.RespNeedContents}
}

// handleDelta runs the chunked delta transfer: delta bytes accumulate in
// the chunk store's DeltaEntry for dest until DataSize is reached, at
// which point they're decoded into operations and applied
// against the existing destination content, bounded by the declared
// FileSize so a malformed delta can never runaway-write.
//
// The base file is mmapped (a stable, copy-on-write snapshot) and then
// unlinked before a fresh file is created at the same path — the apply
// writer can never end up overwriting bytes the mmap is still reading,
// since the unlinked inode's pages stay resident until the mapping is
// closed. A bad delta (malformed, over the size bound, or a final hash
// mismatch) replies NeedContents so the sender falls back to a full
// Contents resend instead of leaving a half-patched destination behind.
func (d *Dispatcher) handleDelta(req *protocol.Request) *protocol.Response {
	dest, err := pathutil.ResolveUnder(d.root, req.Path)
	if err != nil {
		return cantHandle(req, err.Error())
	}
	if req.Transfer == nil || req.Transfer.DataSize == nil || req.Transfer.FileSize == nil {
		return cantHandle(req, "delta request missing transfer/data_size/file_size")
	}

	chunk := req.Transfer.Data
	if req.Transfer.Compressed {
		decompressed, err := protocol.DecompressChunk(chunk)
		if err != nil {
			d.logger.Warn("malformed compressed delta chunk, falling back to contents", "path", req.Path, "error", err)
			return needContents(req)
		}
		chunk = decompressed
	}

	buffered, err := d.store.PushDeltaChunk(dest, req.Transfer.Shasum, chunk)
	if err != nil {
		return cantHandle(req, fmt.Sprintf("buffering delta chunk: %v", err))
	}
	if uint64(len(buffered)) < *req.Transfer.DataSize {
		return ok(req)
	}
	defer d.store.RemoveDelta(dest)

	ops, err := deltasync.DecodeOperations(buffered)
	if err != nil {
		d.logger.Warn("malformed delta, falling back to contents", "path", req.Path, "error", err)
		return needContents(req)
	}
	// PatchLimited treats a zero limit as unbounded, and an empty target
	// needs no operations at all, so any operation here is over the bound.
	if *req.Transfer.FileSize == 0 && len(ops) > 0 {
		d.logger.Warn("delta produces output for an empty target, falling back to contents", "path", req.Path)
		return needContents(req)
	}

	snap, err := mmapfile.Open(dest)
	if err != nil {
		return cantHandle(req, fmt.Sprintf("mapping base file: %v", err))
	}
	defer snap.Close()

	// The signature sent to the sender during Check was computed from this
	// same destination content; since nothing else writes to it between
	// Check and Delta on this single in-order connection, recomputing it
	// here from the unchanged snapshot reproduces it exactly — Patch only
	// needs BlockSize/block count from it, never the hash values.
	baseSig, err := d.engine.Signature(bytes.NewReader(snap.Bytes()))
	if err != nil {
		return cantHandle(req, fmt.Sprintf("recomputing base signature: %v", err))
	}

	if err := os.Remove(dest); err != nil {
		return cantHandle(req, fmt.Sprintf("unlinking base file before patch: %v", err))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return cantHandle(req, fmt.Sprintf("creating parent directory: %v", err))
	}
	newFile, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return cantHandle(req, fmt.Sprintf("creating patched file: %v", err))
	}

	hasher := sha256.New()
	out := &hashingWriter{w: newFile, h: hasher}

	idx := 0
	receive := func() (deltasync.Operation, error) {
		if idx >= len(ops) {
			return deltasync.Operation{}, deltasync.EndOfOperations
		}
		op := ops[idx]
		idx++
		return op, nil
	}

	applyErr := d.engine.PatchLimited(out, bytes.NewReader(snap.Bytes()), baseSig, receive, *req.Transfer.FileSize)
	closeErr := newFile.Close()
	if applyErr != nil {
		d.logger.Warn("delta application failed, falling back to contents", "path", req.Path, "error", applyErr)
		return needContents(req)
	}
	if closeErr != nil {
		return cantHandle(req, fmt.Sprintf("closing patched file: %v", closeErr))
	}

	var gotShasum [32]byte
	copy(gotShasum[:], hasher.Sum(nil))
	if gotShasum != req.Transfer.Shasum {
		d.logger.Warn("patched content shasum mismatch, falling back to contents", "path", req.Path)
		return needContents(req)
	}

	return ok(req)
}

// handleRemove deletes a file or directory (recursively), along with any
// partial chunk-store state tracked for it. A
// destination that's already absent is treated as success — remove is
// idempotent, since a retried or racing Remove must not fail the
// connection.
func (d *Dispatcher) handleRemove(req *protocol.Request) *protocol.Response {
	dest, err := pathutil.ResolveUnder(d.root, req.Path)
	if err != nil {
		return cantHandle(req, err.Error())
	}

	d.store.AbortFile(dest)
	d.store.RemoveDelta(dest)

	if err := os.RemoveAll(dest); err != nil {
		return cantHandle(req, fmt.Sprintf("removing %s: %v", req.Path, err))
	}
	return ok(req)
}

// handleRename clears the destination path unconditionally (RemoveAll,
// tolerating a not-exist destination) before renaming, so a stale
// destination entry can never silently block a rename.
func (d *Dispatcher) handleRename(req *protocol.Request) *protocol.Response {
	oldPath, err := pathutil.ResolveUnder(d.root, req.Path)
	if err != nil {
		return cantHandle(req, err.Error())
	}
	newPath, err := pathutil.ResolveUnder(d.root, req.NewPath)
	if err != nil {
		return cantHandle(req, err.Error())
	}

	if err := os.RemoveAll(newPath); err != nil {
		return cantHandle(req, fmt.Sprintf("clearing rename destination: %v", err))
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return cantHandle(req, fmt.Sprintf("creating rename destination parent: %v", err))
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return cantHandle(req, fmt.Sprintf("renaming %s to %s: %v", req.Path, req.NewPath, err))
	}
	return ok(req)
}
