// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/google/uuid"
)

func u64(v uint64) *uint64 { return &v }

func TestRequest_RoundTrip_Check(t *testing.T) {
	req := &Request{
		ID:       uuid.New(),
		Path:     "a/b/c.txt",
		FileType: FileTypeFile,
		Kind:     KindCheck,
		Transfer: &Transfer{
			Kind:   TransferEmpty,
			Shasum: sha256.Sum256([]byte("hello")),
		},
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}

	if got.ID != req.ID {
		t.Errorf("expected id %v, got %v", req.ID, got.ID)
	}
	if got.Path != req.Path {
		t.Errorf("expected path %q, got %q", req.Path, got.Path)
	}
	if got.FileType != req.FileType {
		t.Errorf("expected file type %v, got %v", req.FileType, got.FileType)
	}
	if got.Kind != req.Kind {
		t.Errorf("expected kind %v, got %v", req.Kind, got.Kind)
	}
	if got.Transfer == nil {
		t.Fatalf("expected transfer, got nil")
	}
	if got.Transfer.Shasum != req.Transfer.Shasum {
		t.Errorf("expected shasum %x, got %x", req.Transfer.Shasum, got.Transfer.Shasum)
	}
}

func TestRequest_RoundTrip_ContentsChunk(t *testing.T) {
	fileSize := u64(4096)
	dataSize := u64(1024)
	req := &Request{
		ID:       uuid.New(),
		Path:     "big.bin",
		FileType: FileTypeFile,
		Kind:     KindContents,
		Transfer: &Transfer{
			Kind:     TransferContents,
			Data:     bytes.Repeat([]byte{0x42}, 1024),
			Shasum:   sha256.Sum256([]byte("chunk")),
			FileSize: fileSize,
			DataSize: dataSize,
		},
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if *got.Transfer.FileSize != *fileSize {
		t.Errorf("expected file_size %d, got %d", *fileSize, *got.Transfer.FileSize)
	}
	if *got.Transfer.DataSize != *dataSize {
		t.Errorf("expected data_size %d, got %d", *dataSize, *got.Transfer.DataSize)
	}
	if !bytes.Equal(got.Transfer.Data, req.Transfer.Data) {
		t.Errorf("data mismatch after round-trip")
	}
}

func TestRequest_RoundTrip_Rename(t *testing.T) {
	req := &Request{
		ID:       uuid.New(),
		Path:     "old/name.txt",
		NewPath:  "new/name.txt",
		FileType: FileTypeFile,
		Kind:     KindRename,
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got.NewPath != req.NewPath {
		t.Errorf("expected new path %q, got %q", req.NewPath, got.NewPath)
	}
	if got.Transfer != nil {
		t.Errorf("expected no transfer on rename, got %+v", got.Transfer)
	}
}

func TestResponse_RoundTrip_Different(t *testing.T) {
	resp := &Response{
		ID:        uuid.New(),
		Kind:      RespDifferent,
		Signature: []byte{1, 2, 3, 4, 5},
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if got.ID != resp.ID {
		t.Errorf("expected id %v, got %v", resp.ID, got.ID)
	}
	if !bytes.Equal(got.Signature, resp.Signature) {
		t.Errorf("expected signature %v, got %v", resp.Signature, got.Signature)
	}
}

func TestResponse_RoundTrip_CantHandle(t *testing.T) {
	resp := &Response{
		ID:     uuid.New(),
		Kind:   RespCantHandle,
		Reason: "symlink unsupported",
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if got.Reason != resp.Reason {
		t.Errorf("expected reason %q, got %q", resp.Reason, got.Reason)
	}
}

func TestEncodeDecodeRequest_OverFrame(t *testing.T) {
	req := &Request{
		ID:       uuid.New(),
		Path:     "dir/file",
		FileType: FileTypeDir,
		Kind:     KindCheck,
	}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Path != req.Path {
		t.Errorf("expected path %q, got %q", req.Path, got.Path)
	}

	if _, err := DecodeRequest(&buf); err == nil {
		t.Fatalf("expected io.EOF on exhausted stream, got nil")
	}
}

func TestFrame_TruncatedIsError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])
	if _, err := ReadFrame(truncated); err == nil {
		t.Fatalf("expected error reading truncated frame")
	}
}

func TestFrame_CleanEOFBetweenFrames(t *testing.T) {
	var buf bytes.Buffer
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected io.EOF on empty reader")
	}
}
