// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

func writeBytesField(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func writeStringField(w io.Writer, s string) error {
	return writeBytesField(w, []byte(s))
}

func writeOptionalUint64(w io.Writer, v *uint64) error {
	if v == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, *v)
}

// WriteTransfer serializa um Transfer.
// Formato: [Kind 1B] [DataLen uint32][Data] [Shasum 32B]
//          [HasFileSize 1B][FileSize uint64] [HasDataSize 1B][DataSize uint64]
//          [Compressed 1B]
func WriteTransfer(w io.Writer, t *Transfer) error {
	if _, err := w.Write([]byte{byte(t.Kind)}); err != nil {
		return fmt.Errorf("writing transfer kind: %w", err)
	}
	if err := writeBytesField(w, t.Data); err != nil {
		return fmt.Errorf("writing transfer data: %w", err)
	}
	if _, err := w.Write(t.Shasum[:]); err != nil {
		return fmt.Errorf("writing transfer shasum: %w", err)
	}
	if err := writeOptionalUint64(w, t.FileSize); err != nil {
		return fmt.Errorf("writing transfer file_size: %w", err)
	}
	if err := writeOptionalUint64(w, t.DataSize); err != nil {
		return fmt.Errorf("writing transfer data_size: %w", err)
	}
	var compressed byte
	if t.Compressed {
		compressed = 1
	}
	if _, err := w.Write([]byte{compressed}); err != nil {
		return fmt.Errorf("writing transfer compressed flag: %w", err)
	}
	return nil
}

// WriteRequest serializa req (payload-only; sem o prefixo de frame).
// Formato: [ID 16B] [PathLen uint32][Path] [FileType 1B][Kind 1B]
//          [NewPathLen uint32][NewPath] [HasTransfer 1B][Transfer]
func WriteRequest(w io.Writer, req *Request) error {
	idBytes, err := req.ID.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling request id: %w", err)
	}
	if _, err := w.Write(idBytes); err != nil {
		return fmt.Errorf("writing request id: %w", err)
	}
	if err := writeStringField(w, req.Path); err != nil {
		return fmt.Errorf("writing request path: %w", err)
	}
	if _, err := w.Write([]byte{byte(req.FileType), byte(req.Kind)}); err != nil {
		return fmt.Errorf("writing request type/kind: %w", err)
	}
	if err := writeStringField(w, req.NewPath); err != nil {
		return fmt.Errorf("writing request new_path: %w", err)
	}
	if req.Transfer == nil {
		_, err := w.Write([]byte{0})
		if err != nil {
			return fmt.Errorf("writing request transfer presence: %w", err)
		}
		return nil
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return fmt.Errorf("writing request transfer presence: %w", err)
	}
	return WriteTransfer(w, req.Transfer)
}

// WriteResponse serializa resp (payload-only).
// Formato: [ID 16B] [Kind 1B] [SigLen uint32][Signature] [ReasonLen uint32][Reason]
func WriteResponse(w io.Writer, resp *Response) error {
	idBytes, err := resp.ID.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshaling response id: %w", err)
	}
	if _, err := w.Write(idBytes); err != nil {
		return fmt.Errorf("writing response id: %w", err)
	}
	if _, err := w.Write([]byte{byte(resp.Kind)}); err != nil {
		return fmt.Errorf("writing response kind: %w", err)
	}
	if err := writeBytesField(w, resp.Signature); err != nil {
		return fmt.Errorf("writing response signature: %w", err)
	}
	if err := writeStringField(w, resp.Reason); err != nil {
		return fmt.Errorf("writing response reason: %w", err)
	}
	return nil
}

// EncodeRequest serializa req e escreve o frame completo (length prefix +
// payload) em w, em uma única chamada.
func EncodeRequest(w io.Writer, req *Request) error {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		return err
	}
	return WriteFrame(w, buf.Bytes())
}

// EncodeResponse serializa resp e escreve o frame completo em w.
func EncodeResponse(w io.Writer, resp *Response) error {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		return err
	}
	return WriteFrame(w, buf.Bytes())
}
