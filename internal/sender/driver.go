// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sender

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nishisan-dev/treemirror/internal/deltasync"
	"github.com/nishisan-dev/treemirror/internal/mmapfile"
	"github.com/nishisan-dev/treemirror/internal/protocol"
	"github.com/nishisan-dev/treemirror/internal/transport"
)

// chunkSize bounds how much of a Contents/Delta payload travels in one Request.
const chunkSize = 1024 * 1024

// FatalError marks an error that should terminate the sender process
// entirely — a transport failure or a protocol violation by the receiver.
// Any other error returned by Driver is local to the one file or request
// that produced it and should just be logged and skipped.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

func fatalf(format string, args ...any) error {
	return &FatalError{err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err should abort the whole sender process rather
// than just be logged and skipped for the file or request that produced it.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Driver drives the file check-and-transfer protocol over conn for one
// destination tree. It is not safe for concurrent use — the protocol is
// strictly pipelined, one outstanding request at a time.
type Driver struct {
	conn     *transport.Conn
	engine   *deltasync.Engine
	logger   *slog.Logger
	compress bool
}

// New builds a Driver over an already-connected transport.
func New(conn *transport.Conn, logger *slog.Logger) *Driver {
	return &Driver{conn: conn, engine: deltasync.NewEngine(), logger: logger}
}

// SetCompression turns compression on or off: every Contents/Delta chunk
// sent after this call is pgzip-compressed before it goes on the wire, with
// the Transfer's Compressed flag set so the receiver knows to reverse it.
func (d *Driver) SetCompression(enabled bool) {
	d.compress = enabled
}

// chunkPayload compresses data when compression is enabled, returning the
// bytes to place on the wire and whether Transfer.Compressed should be set.
func (d *Driver) chunkPayload(data []byte) ([]byte, bool, error) {
	if !d.compress || len(data) == 0 {
		return data, false, nil
	}
	compressed, err := protocol.CompressChunk(data)
	if err != nil {
		return nil, false, fmt.Errorf("compressing chunk: %w", err)
	}
	return compressed, true, nil
}

// roundTrip sends req and waits for its matching response. Any failure here
// is a transport failure and is always fatal.
func (d *Driver) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	if err := d.conn.SendRequest(req); err != nil {
		return nil, fatalf("sending %s request for %s: %v", req.Kind, req.Path, err)
	}
	resp, err := d.conn.RecvResponse()
	if err != nil {
		return nil, fatalf("receiving response for %s: %v", req.Path, err)
	}
	if resp.ID != req.ID {
		return nil, fatalf("response id mismatch for %s: sent %s, got %s", req.Path, req.ID, resp.ID)
	}
	return resp, nil
}

// SyncDir ensures a directory exists at rel on the receiver.
func (d *Driver) SyncDir(rel string) error {
	resp, err := d.roundTrip(&protocol.Request{
		ID: uuid.New(), Path: rel, FileType: protocol.FileTypeDir, Kind: protocol.KindCheck,
	})
	if err != nil {
		return err
	}
	return checkChunkReply(d.logger, rel, resp)
}

// SyncFile drives the full check-and-transfer exchange for one file: a
// single mmap+shasum pair captured once and reused through every
// subsequent step.
func (d *Driver) SyncFile(rel, absPath string) error {
	snap, err := mmapfile.Open(absPath)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", rel, err)
	}
	defer snap.Close()

	resp, err := d.roundTrip(&protocol.Request{
		ID: uuid.New(), Path: rel, FileType: protocol.FileTypeFile, Kind: protocol.KindCheck,
		Transfer: &protocol.Transfer{Shasum: snap.Shasum},
	})
	if err != nil {
		return err
	}

	switch resp.Kind {
	case protocol.RespOk:
		return nil

	case protocol.RespNeedContents:
		return d.sendContents(rel, snap)

	case protocol.RespDifferent:
		return d.sendDelta(rel, snap, resp.Signature)

	case protocol.RespCantHandle:
		d.logger.Warn("receiver could not handle file check", "path", rel, "reason", resp.Reason)
		return nil

	default:
		return fatalf("protocol violation: unexpected reply kind %v checking %s", resp.Kind, rel)
	}
}

// sendContents uploads the whole file in chunkSize pieces, each carrying
// the same Shasum/FileSize pair so the receiver's chunk store can detect
// the terminal chunk. Every reply must be Ok; a CantHandle reply aborts the
// rest of this file's upload without failing the sender, and any other
// reply is a protocol violation.
func (d *Driver) sendContents(rel string, snap *mmapfile.Snapshot) error {
	data := snap.Bytes()
	fileSize := uint64(len(data))

	if len(data) == 0 {
		resp, err := d.roundTrip(&protocol.Request{
			ID: uuid.New(), Path: rel, FileType: protocol.FileTypeFile, Kind: protocol.KindContents,
			Transfer: &protocol.Transfer{Kind: protocol.TransferContents, Shasum: snap.Shasum, FileSize: &fileSize, DataSize: &fileSize},
		})
		if err != nil {
			return err
		}
		return checkChunkReply(d.logger, rel, resp)
	}

	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		payload, compressed, err := d.chunkPayload(data[off:end])
		if err != nil {
			return fmt.Errorf("preparing contents chunk for %s: %w", rel, err)
		}
		resp, err := d.roundTrip(&protocol.Request{
			ID: uuid.New(), Path: rel, FileType: protocol.FileTypeFile, Kind: protocol.KindContents,
			Transfer: &protocol.Transfer{Kind: protocol.TransferContents, Data: payload, Compressed: compressed, Shasum: snap.Shasum, FileSize: &fileSize, DataSize: &fileSize},
		})
		if err != nil {
			return err
		}
		if err := checkChunkReply(d.logger, rel, resp); err != nil {
			return err
		}
	}
	return nil
}

// sendDelta diffs snap against the receiver-supplied signature and uploads
// the resulting operations in chunkSize pieces. Every reply before the
// final chunk must be Ok; the final chunk's reply may additionally be
// RespNeedContents, in which case sendDelta falls back to a full Contents
// resend rather than treating that as a hard failure.
func (d *Driver) sendDelta(rel string, snap *mmapfile.Snapshot, sigBytes []byte) error {
	sig, err := deltasync.DecodeSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("decoding receiver signature for %s: %w", rel, err)
	}

	ops := d.engine.DeltafyBytes(snap.Bytes(), sig)
	delta := deltasync.EncodeOperations(ops)
	dataSize := uint64(len(delta))
	fileSize := uint64(snap.Len())

	if len(delta) == 0 {
		resp, err := d.roundTrip(&protocol.Request{
			ID: uuid.New(), Path: rel, FileType: protocol.FileTypeFile, Kind: protocol.KindDelta,
			Transfer: &protocol.Transfer{Kind: protocol.TransferDelta, Shasum: snap.Shasum, DataSize: &dataSize, FileSize: &fileSize},
		})
		if err != nil {
			return err
		}
		return d.finishDelta(rel, snap, resp)
	}

	for off := 0; off < len(delta); off += chunkSize {
		end := off + chunkSize
		if end > len(delta) {
			end = len(delta)
		}
		isLast := end == len(delta)

		payload, compressed, err := d.chunkPayload(delta[off:end])
		if err != nil {
			return fmt.Errorf("preparing delta chunk for %s: %w", rel, err)
		}
		resp, err := d.roundTrip(&protocol.Request{
			ID: uuid.New(), Path: rel, FileType: protocol.FileTypeFile, Kind: protocol.KindDelta,
			Transfer: &protocol.Transfer{Kind: protocol.TransferDelta, Data: payload, Compressed: compressed, Shasum: snap.Shasum, DataSize: &dataSize, FileSize: &fileSize},
		})
		if err != nil {
			return err
		}

		if !isLast {
			if err := checkChunkReply(d.logger, rel, resp); err != nil {
				return err
			}
			continue
		}
		return d.finishDelta(rel, snap, resp)
	}
	return nil
}

// finishDelta handles the reply to a delta's final chunk, where a
// RespNeedContents is a legitimate fallback request rather than a protocol
// violation.
func (d *Driver) finishDelta(rel string, snap *mmapfile.Snapshot, resp *protocol.Response) error {
	if resp.Kind == protocol.RespNeedContents {
		d.logger.Warn("delta rejected by receiver, resending full contents", "path", rel)
		return d.sendContents(rel, snap)
	}
	return checkChunkReply(d.logger, rel, resp)
}

// Remove asks the receiver to delete rel.
func (d *Driver) Remove(rel string, fileType protocol.FileType) error {
	resp, err := d.roundTrip(&protocol.Request{
		ID: uuid.New(), Path: rel, FileType: fileType, Kind: protocol.KindRemove,
	})
	if err != nil {
		return err
	}
	return checkChunkReply(d.logger, rel, resp)
}

// Rename asks the receiver to rename oldRel to newRel. fileType must be the
// real type of the entry being renamed.
func (d *Driver) Rename(oldRel, newRel string, fileType protocol.FileType) error {
	resp, err := d.roundTrip(&protocol.Request{
		ID: uuid.New(), Path: oldRel, NewPath: newRel, FileType: fileType, Kind: protocol.KindRename,
	})
	if err != nil {
		return err
	}
	return checkChunkReply(d.logger, oldRel, resp)
}

// checkChunkReply validates a reply mid-exchange: Ok continues normally, a
// CantHandle reply is logged and aborts the current file or request without
// failing the sender, and any other reply kind is a protocol violation and
// therefore fatal.
func checkChunkReply(logger *slog.Logger, path string, resp *protocol.Response) error {
	switch resp.Kind {
	case protocol.RespOk:
		return nil
	case protocol.RespCantHandle:
		logger.Warn("receiver could not handle request", "path", path, "reason", resp.Reason)
		return fmt.Errorf("receiver could not handle %s: %s", path, resp.Reason)
	default:
		return fatalf("protocol violation: unexpected reply kind %v for %s", resp.Kind, path)
	}
}
