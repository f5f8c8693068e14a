// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package deltasync implements the rsync-style rolling-checksum delta
// algorithm used for the file check-and-transfer protocol: weak rolling
// hash plus a truncated strong hash to build a block Signature, Deltafy to
// diff a target against that signature, and Patch to reconstruct a file
// from a base plus a delta.
package deltasync

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// BlockSize is the fixed block size used on both sides of the wire
// contract.
const BlockSize = 4096

// StrongHashSize is the number of leading bytes of SHA-256 retained as the
// strong hash for each block.
const StrongHashSize = 8

// maximumDataOperationSize bounds how much raw data a single Operation
// carries, so Deltafy never hands callers an unbounded buffer.
const maximumDataOperationSize = 1 << 16

// m is the weak hash modulus (page 55 of the rsync thesis).
const m = 1 << 16

// BlockHash is the pair of weak and strong hashes computed for one block of
// a Signature.
type BlockHash struct {
	Weak   uint32
	Strong [StrongHashSize]byte
}

// Signature is the base-file fingerprint sent from receiver to sender when
// a Check reports the files differ.
type Signature struct {
	BlockSize     uint64
	LastBlockSize uint64
	Hashes        []BlockHash
}

func (s Signature) ensureValid() error {
	if s.BlockSize == 0 {
		if s.LastBlockSize != 0 || len(s.Hashes) != 0 {
			return errors.New("deltasync: zero block size with non-zero signature content")
		}
		return nil
	}
	if s.LastBlockSize == 0 || s.LastBlockSize > s.BlockSize {
		return errors.New("deltasync: invalid last block size")
	}
	if len(s.Hashes) == 0 {
		return errors.New("deltasync: non-zero block size with no block hashes")
	}
	return nil
}

// Operation is one step of a delta: either a literal data chunk (Count==0,
// len(Data)>0) or a reference to Count blocks of the base starting at
// block Start.
type Operation struct {
	Data  []byte
	Start uint64
	Count uint64
}

func (o Operation) ensureValid() error {
	if len(o.Data) > 0 {
		if o.Start != 0 || o.Count != 0 {
			return errors.New("deltasync: data operation with non-zero block range")
		}
	} else if o.Count == 0 {
		return errors.New("deltasync: block operation with zero count")
	}
	return nil
}

// OperationTransmitter is handed one Operation at a time by Deltafy. Data
// buffers are reused between calls, so implementations must copy or fully
// consume Data before returning.
type OperationTransmitter func(Operation) error

// EndOfOperations is returned by an OperationReceiver once the delta has
// been fully consumed.
var EndOfOperations = errors.New("deltasync: end of operations")

// OperationReceiver yields the next Operation of a delta, or
// EndOfOperations when exhausted.
type OperationReceiver func() (Operation, error)

// ErrApplyLimitExceeded is returned by Patch/PatchLimited when applying the
// delta would write more than the configured limit of output bytes — the
// bound that guards against a malformed or oversized delta.
var ErrApplyLimitExceeded = errors.New("deltasync: delta application exceeds size limit")

// Engine provides the delta operations, holding reusable buffers across
// calls to avoid repeated heavy allocation on a long-lived sender or
// receiver.
type Engine struct {
	buffer       []byte
	targetReader *bufio.Reader
}

// NewEngine creates a ready-to-use Engine.
func NewEngine() *Engine {
	return &Engine{targetReader: bufio.NewReader(nil)}
}

func (e *Engine) bufferWithSize(size uint64) []byte {
	if uint64(cap(e.buffer)) >= size {
		return e.buffer[:size]
	}
	e.buffer = make([]byte, size)
	return e.buffer
}

func weakHash(data []byte, blockSize uint64) (result, r1, r2 uint32) {
	for i, b := range data {
		r1 += uint32(b)
		r2 += (uint32(blockSize) - uint32(i)) * uint32(b)
	}
	r1 %= m
	r2 %= m
	return r1 + m*r2, r1, r2
}

func rollWeakHash(r1, r2 uint32, out, in byte, blockSize uint64) (result, newR1, newR2 uint32) {
	r1 = (r1 - uint32(out) + uint32(in)) % m
	r2 = (r2 - uint32(blockSize)*uint32(out) + r1) % m
	return r1 + m*r2, r1, r2
}

func strongHash(data []byte) [StrongHashSize]byte {
	full := sha256.Sum256(data)
	var truncated [StrongHashSize]byte
	copy(truncated[:], full[:StrongHashSize])
	return truncated
}

// Signature computes the block signature of base, using the fixed block
// size required by the wire contract.
func (e *Engine) Signature(base io.ReadSeeker) (Signature, error) {
	length, err := base.Seek(0, io.SeekEnd)
	if err != nil {
		return Signature{}, fmt.Errorf("seeking to end of base: %w", err)
	}
	if length == 0 {
		return Signature{}, nil
	}
	if _, err := base.Seek(0, io.SeekStart); err != nil {
		return Signature{}, fmt.Errorf("resetting base: %w", err)
	}

	blockSize := uint64(BlockSize)
	blockCount := uint64(length) / blockSize
	if uint64(length)%blockSize != 0 {
		blockCount++
	}

	result := Signature{
		BlockSize: blockSize,
		Hashes:    make([]BlockHash, 0, blockCount),
	}

	buffer := e.bufferWithSize(blockSize)
	for {
		n, err := io.ReadFull(base, buffer)
		if err == io.EOF {
			result.LastBlockSize = blockSize
			break
		} else if err == io.ErrUnexpectedEOF {
			result.LastBlockSize = uint64(n)
			weak, _, _ := weakHash(buffer[:n], blockSize)
			result.Hashes = append(result.Hashes, BlockHash{weak, strongHash(buffer[:n])})
			break
		} else if err != nil {
			return Signature{}, fmt.Errorf("reading base block: %w", err)
		}

		weak, _, _ := weakHash(buffer[:n], blockSize)
		result.Hashes = append(result.Hashes, BlockHash{weak, strongHash(buffer[:n])})
	}

	return result, nil
}

// BytesSignature computes the signature of an in-memory buffer.
func (e *Engine) BytesSignature(base []byte) Signature {
	result, err := e.Signature(bytes.NewReader(base))
	if err != nil {
		panic(fmt.Errorf("in-memory signature failure: %w", err))
	}
	return result
}

type dualModeReader interface {
	io.Reader
	io.ByteReader
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) chunkAndTransmitAll(target io.Reader, transmit OperationTransmitter) error {
	buffer := e.bufferWithSize(maximumDataOperationSize)
	for {
		n, err := io.ReadFull(target, buffer)
		if err == io.EOF {
			return nil
		} else if err == io.ErrUnexpectedEOF {
			return transmit(Operation{Data: buffer[:n]})
		} else if err != nil {
			return fmt.Errorf("reading target: %w", err)
		}
		if err := transmit(Operation{Data: buffer}); err != nil {
			return err
		}
	}
}

// Deltafy diffs target against base, transmitting a sequence of Operations
// that reconstruct target from base plus literal data.
func (e *Engine) Deltafy(target io.Reader, base Signature, transmit OperationTransmitter) error {
	if err := base.ensureValid(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	if len(base.Hashes) == 0 {
		return e.chunkAndTransmitAll(target, transmit)
	}

	var coalescedStart, coalescedCount uint64
	sendBlock := func(index uint64) error {
		if coalescedCount > 0 {
			if coalescedStart+coalescedCount == index {
				coalescedCount++
				return nil
			}
			if err := transmit(Operation{Start: coalescedStart, Count: coalescedCount}); err != nil {
				return err
			}
		}
		coalescedStart = index
		coalescedCount = 1
		return nil
	}
	sendData := func(data []byte) error {
		if len(data) > 0 && coalescedCount > 0 {
			if err := transmit(Operation{Start: coalescedStart, Count: coalescedCount}); err != nil {
				return err
			}
			coalescedStart, coalescedCount = 0, 0
		}
		for len(data) > 0 {
			sendSize := minU64(uint64(len(data)), maximumDataOperationSize)
			if err := transmit(Operation{Data: data[:sendSize]}); err != nil {
				return err
			}
			data = data[sendSize:]
		}
		return nil
	}

	bufferedTarget, ok := target.(dualModeReader)
	if !ok {
		e.targetReader.Reset(target)
		bufferedTarget = e.targetReader
		defer e.targetReader.Reset(nil)
	}

	hashes := base.Hashes
	haveShortLastBlock := false
	var lastBlockIndex uint64
	var shortLastBlock BlockHash
	if base.LastBlockSize != base.BlockSize {
		haveShortLastBlock = true
		lastBlockIndex = uint64(len(hashes) - 1)
		shortLastBlock = hashes[lastBlockIndex]
		hashes = hashes[:lastBlockIndex]
	}

	weakToBlockHashes := make(map[uint32][]uint64, len(hashes))
	for i, h := range hashes {
		weakToBlockHashes[h.Weak] = append(weakToBlockHashes[h.Weak], uint64(i))
	}

	buffer := e.bufferWithSize(maximumDataOperationSize + base.BlockSize)
	var occupancy uint64
	var weak, r1, r2 uint32

	for {
		if occupancy == 0 {
			n, err := io.ReadFull(bufferedTarget, buffer[:base.BlockSize])
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				occupancy = uint64(n)
				break
			} else if err != nil {
				return fmt.Errorf("filling search buffer: %w", err)
			}
			occupancy = base.BlockSize
			weak, r1, r2 = weakHash(buffer[:occupancy], base.BlockSize)
		} else if occupancy < base.BlockSize {
			panic("deltasync: buffer contains less than a block of data")
		} else {
			b, err := bufferedTarget.ReadByte()
			if err == io.EOF {
				break
			} else if err != nil {
				return fmt.Errorf("reading target byte: %w", err)
			}
			weak, r1, r2 = rollWeakHash(r1, r2, buffer[occupancy-base.BlockSize], b, base.BlockSize)
			buffer[occupancy] = b
			occupancy++
		}

		potentials := weakToBlockHashes[weak]
		match := false
		var matchIndex uint64
		if len(potentials) > 0 {
			strong := strongHash(buffer[occupancy-base.BlockSize : occupancy])
			for _, p := range potentials {
				if base.Hashes[p].Strong == strong {
					match = true
					matchIndex = p
					break
				}
			}
		}

		if match {
			if err := sendData(buffer[:occupancy-base.BlockSize]); err != nil {
				return fmt.Errorf("transmitting data preceding match: %w", err)
			}
			if err := sendBlock(matchIndex); err != nil {
				return fmt.Errorf("transmitting match: %w", err)
			}
			occupancy = 0
		} else if occupancy == uint64(len(buffer)) {
			if err := sendData(buffer[:occupancy-base.BlockSize]); err != nil {
				return fmt.Errorf("transmitting data before truncation: %w", err)
			}
			copy(buffer[:base.BlockSize], buffer[occupancy-base.BlockSize:occupancy])
			occupancy = base.BlockSize
		}
	}

	if haveShortLastBlock && occupancy >= base.LastBlockSize {
		candidate := buffer[occupancy-base.LastBlockSize : occupancy]
		if w, _, _ := weakHash(candidate, base.BlockSize); w == shortLastBlock.Weak {
			if strongHash(candidate) == shortLastBlock.Strong {
				if err := sendData(buffer[:occupancy-base.LastBlockSize]); err != nil {
					return fmt.Errorf("transmitting data: %w", err)
				}
				if err := sendBlock(lastBlockIndex); err != nil {
					return fmt.Errorf("transmitting operation: %w", err)
				}
				occupancy = 0
			}
		}
	}

	if err := sendData(buffer[:occupancy]); err != nil {
		return fmt.Errorf("sending final data operation: %w", err)
	}
	if coalescedCount > 0 {
		if err := transmit(Operation{Start: coalescedStart, Count: coalescedCount}); err != nil {
			return fmt.Errorf("sending final block operation: %w", err)
		}
	}
	return nil
}

// DeltafyBytes diffs an in-memory target against base and returns the full
// operation list (each Data buffer copied, since Deltafy reuses its
// internal buffer between calls).
func (e *Engine) DeltafyBytes(target []byte, base Signature) []Operation {
	var delta []Operation
	transmit := func(op Operation) error {
		if len(op.Data) > 0 {
			cp := make([]byte, len(op.Data))
			copy(cp, op.Data)
			op.Data = cp
		}
		delta = append(delta, op)
		return nil
	}
	if err := e.Deltafy(bytes.NewReader(target), base, transmit); err != nil {
		panic(fmt.Errorf("in-memory deltafication failure: %w", err))
	}
	return delta
}

// Patch reconstructs destination from base plus the operations yielded by
// receive, with no bound on total output size.
func (e *Engine) Patch(destination io.Writer, base io.ReadSeeker, signature Signature, receive OperationReceiver) error {
	return e.PatchLimited(destination, base, signature, receive, 0)
}

// PatchLimited reconstructs destination from base plus the operations
// yielded by receive, aborting with ErrApplyLimitExceeded if the total
// bytes written would exceed limit. A limit of 0 means unbounded — callers
// bounding apply against a declared file size pass it here.
func (e *Engine) PatchLimited(destination io.Writer, base io.ReadSeeker, signature Signature, receive OperationReceiver, limit uint64) error {
	if err := signature.ensureValid(); err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	var written uint64
	checkedWrite := func(p []byte) error {
		if limit > 0 && written+uint64(len(p)) > limit {
			return ErrApplyLimitExceeded
		}
		n, err := destination.Write(p)
		written += uint64(n)
		if err != nil {
			return fmt.Errorf("writing patched data: %w", err)
		}
		return nil
	}

	for {
		operation, err := receive()
		if err == EndOfOperations {
			return nil
		} else if err != nil {
			return fmt.Errorf("receiving operation: %w", err)
		}
		if err := operation.ensureValid(); err != nil {
			return fmt.Errorf("invalid operation: %w", err)
		}

		if len(operation.Data) > 0 {
			if err := checkedWrite(operation.Data); err != nil {
				return err
			}
			continue
		}

		if _, err := base.Seek(int64(operation.Start)*int64(signature.BlockSize), io.SeekStart); err != nil {
			return fmt.Errorf("seeking base: %w", err)
		}
		for c := uint64(0); c < operation.Count; c++ {
			copyLength := signature.BlockSize
			if operation.Start+c == uint64(len(signature.Hashes)-1) {
				copyLength = signature.LastBlockSize
			}
			buf := e.bufferWithSize(copyLength)
			if _, err := io.ReadFull(base, buf); err != nil {
				return fmt.Errorf("reading base block: %w", err)
			}
			if err := checkedWrite(buf); err != nil {
				return err
			}
		}
	}
}

// PatchBytes reconstructs an in-memory result from base plus delta, bounded
// by limit bytes (0 for unbounded).
func (e *Engine) PatchBytes(base []byte, signature Signature, delta []Operation, limit uint64) ([]byte, error) {
	baseReader := bytes.NewReader(base)
	output := bytes.NewBuffer(nil)
	receive := func() (Operation, error) {
		if len(delta) == 0 {
			return Operation{}, EndOfOperations
		}
		op := delta[0]
		delta = delta[1:]
		return op, nil
	}
	if err := e.PatchLimited(output, baseReader, signature, receive, limit); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}
