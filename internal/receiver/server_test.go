// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"bytes"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/nishisan-dev/treemirror/internal/protocol"
	"github.com/nishisan-dev/treemirror/internal/transport"
)

func TestServeConn_AppliesRequestsAndStopsOnEOF(t *testing.T) {
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ServeConn(conn, root, logger)
	}()

	client, err := transport.DialTCP(ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}

	content := []byte("hello from the sender")
	req := &protocol.Request{
		ID: uuid.New(), Path: "greeting.txt", FileType: protocol.FileTypeFile, Kind: protocol.KindContents,
		Transfer: &protocol.Transfer{Data: content, Shasum: sha256.Sum256(content), FileSize: u64(uint64(len(content)))},
	}
	if err := client.SendRequest(req); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	resp, err := client.RecvResponse()
	if err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	if resp.Kind != protocol.RespOk {
		t.Fatalf("expected RespOk, got %v (%s)", resp.Kind, resp.Reason)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-done

	got, err := os.ReadFile(filepath.Join(root, "greeting.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
}
