// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

func readBytesField(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readStringField(r io.Reader) (string, error) {
	b, err := readBytesField(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readOptionalUint64(r io.Reader) (*uint64, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ReadTransfer desserializa um Transfer de r. Veja WriteTransfer para o formato.
func ReadTransfer(r io.Reader) (*Transfer, error) {
	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return nil, fmt.Errorf("reading transfer kind: %w", err)
	}
	data, err := readBytesField(r)
	if err != nil {
		return nil, fmt.Errorf("reading transfer data: %w", err)
	}
	var shasum [32]byte
	if _, err := io.ReadFull(r, shasum[:]); err != nil {
		return nil, fmt.Errorf("reading transfer shasum: %w", err)
	}
	fileSize, err := readOptionalUint64(r)
	if err != nil {
		return nil, fmt.Errorf("reading transfer file_size: %w", err)
	}
	dataSize, err := readOptionalUint64(r)
	if err != nil {
		return nil, fmt.Errorf("reading transfer data_size: %w", err)
	}
	var compressed [1]byte
	if _, err := io.ReadFull(r, compressed[:]); err != nil {
		return nil, fmt.Errorf("reading transfer compressed flag: %w", err)
	}
	return &Transfer{
		Kind:       TransferKind(kind[0]),
		Data:       data,
		Shasum:     shasum,
		FileSize:   fileSize,
		DataSize:   dataSize,
		Compressed: compressed[0] != 0,
	}, nil
}

// ReadRequest desserializa um Request de r (payload-only). Veja WriteRequest
// para o formato.
func ReadRequest(r io.Reader) (*Request, error) {
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return nil, fmt.Errorf("reading request id: %w", err)
	}
	id, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return nil, fmt.Errorf("parsing request id: %w", err)
	}

	path, err := readStringField(r)
	if err != nil {
		return nil, fmt.Errorf("reading request path: %w", err)
	}

	var typeKind [2]byte
	if _, err := io.ReadFull(r, typeKind[:]); err != nil {
		return nil, fmt.Errorf("reading request type/kind: %w", err)
	}

	newPath, err := readStringField(r)
	if err != nil {
		return nil, fmt.Errorf("reading request new_path: %w", err)
	}

	var hasTransfer [1]byte
	if _, err := io.ReadFull(r, hasTransfer[:]); err != nil {
		return nil, fmt.Errorf("reading request transfer presence: %w", err)
	}

	req := &Request{
		ID:       id,
		Path:     path,
		FileType: FileType(typeKind[0]),
		Kind:     RequestKind(typeKind[1]),
		NewPath:  newPath,
	}

	if hasTransfer[0] != 0 {
		transfer, err := ReadTransfer(r)
		if err != nil {
			return nil, fmt.Errorf("reading request transfer: %w", err)
		}
		req.Transfer = transfer
	}

	return req, nil
}

// ReadResponse desserializa um Response de r (payload-only).
func ReadResponse(r io.Reader) (*Response, error) {
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return nil, fmt.Errorf("reading response id: %w", err)
	}
	id, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return nil, fmt.Errorf("parsing response id: %w", err)
	}

	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return nil, fmt.Errorf("reading response kind: %w", err)
	}

	sig, err := readBytesField(r)
	if err != nil {
		return nil, fmt.Errorf("reading response signature: %w", err)
	}

	reason, err := readStringField(r)
	if err != nil {
		return nil, fmt.Errorf("reading response reason: %w", err)
	}

	return &Response{
		ID:        id,
		Kind:      ResponseKind(kind[0]),
		Signature: sig,
		Reason:    reason,
	}, nil
}

// DecodeRequest reads one full frame from r and decodes it as a Request. It
// returns io.EOF unmodified when the peer has closed its write half cleanly.
func DecodeRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return ReadRequest(bytes.NewReader(payload))
}

// DecodeResponse reads one full frame from r and decodes it as a Response.
func DecodeResponse(r io.Reader) (*Response, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return ReadResponse(bytes.NewReader(payload))
}
