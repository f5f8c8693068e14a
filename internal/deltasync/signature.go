// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package deltasync

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeSignature serializes a Signature to the opaque byte form carried in
// a Response.Signature / Transfer.Data field. Format:
// [BlockSize uint64][LastBlockSize uint64][NumHashes uint32]
// then, per hash, [Weak uint32][Strong 8B].
func EncodeSignature(sig Signature) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+8+4+len(sig.Hashes)*(4+StrongHashSize)))
	_ = binary.Write(buf, binary.BigEndian, sig.BlockSize)
	_ = binary.Write(buf, binary.BigEndian, sig.LastBlockSize)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(sig.Hashes)))
	for _, h := range sig.Hashes {
		_ = binary.Write(buf, binary.BigEndian, h.Weak)
		buf.Write(h.Strong[:])
	}
	return buf.Bytes()
}

// DecodeSignature parses bytes produced by EncodeSignature.
func DecodeSignature(data []byte) (Signature, error) {
	r := bytes.NewReader(data)

	var blockSize, lastBlockSize uint64
	var numHashes uint32
	if err := binary.Read(r, binary.BigEndian, &blockSize); err != nil {
		return Signature{}, fmt.Errorf("reading signature block size: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &lastBlockSize); err != nil {
		return Signature{}, fmt.Errorf("reading signature last block size: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &numHashes); err != nil {
		return Signature{}, fmt.Errorf("reading signature hash count: %w", err)
	}

	hashes := make([]BlockHash, numHashes)
	for i := range hashes {
		if err := binary.Read(r, binary.BigEndian, &hashes[i].Weak); err != nil {
			return Signature{}, fmt.Errorf("reading block hash %d weak: %w", i, err)
		}
		if _, err := io.ReadFull(r, hashes[i].Strong[:]); err != nil {
			return Signature{}, fmt.Errorf("reading block hash %d strong: %w", i, err)
		}
	}

	return Signature{
		BlockSize:     blockSize,
		LastBlockSize: lastBlockSize,
		Hashes:        hashes,
	}, nil
}

// EncodeOperations serializes a delta (operation list) to the opaque byte
// form carried across Delta transfer chunks on the wire, should callers
// need to persist or replay a whole delta as one blob. Format:
// [NumOps uint32] then per op [DataLen uint32][Data][Start uint64][Count uint64].
func EncodeOperations(ops []Operation) []byte {
	buf := bytes.NewBuffer(nil)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(ops)))
	for _, op := range ops {
		_ = binary.Write(buf, binary.BigEndian, uint32(len(op.Data)))
		buf.Write(op.Data)
		_ = binary.Write(buf, binary.BigEndian, op.Start)
		_ = binary.Write(buf, binary.BigEndian, op.Count)
	}
	return buf.Bytes()
}

// DecodeOperations parses bytes produced by EncodeOperations.
func DecodeOperations(data []byte) ([]Operation, error) {
	r := bytes.NewReader(data)
	var numOps uint32
	if err := binary.Read(r, binary.BigEndian, &numOps); err != nil {
		return nil, fmt.Errorf("reading operation count: %w", err)
	}
	ops := make([]Operation, numOps)
	for i := range ops {
		var dataLen uint32
		if err := binary.Read(r, binary.BigEndian, &dataLen); err != nil {
			return nil, fmt.Errorf("reading operation %d data length: %w", i, err)
		}
		if dataLen > 0 {
			ops[i].Data = make([]byte, dataLen)
			if _, err := io.ReadFull(r, ops[i].Data); err != nil {
				return nil, fmt.Errorf("reading operation %d data: %w", i, err)
			}
		}
		if err := binary.Read(r, binary.BigEndian, &ops[i].Start); err != nil {
			return nil, fmt.Errorf("reading operation %d start: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &ops[i].Count); err != nil {
			return nil, fmt.Errorf("reading operation %d count: %w", i, err)
		}
	}
	return ops, nil
}
