// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"io"
	"testing"

	"github.com/google/uuid"

	"github.com/nishisan-dev/treemirror/internal/protocol"
)

// pipeConnPair builds two Conns wired together through an in-memory pipe
// pair, so writes on one side become reads on the other without touching
// the network.
func pipeConnPair() (*Conn, *Conn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := newConn(&pipeReadWriteCloser{r: ar, w: aw})
	b := newConn(&pipeReadWriteCloser{r: br, w: bw})
	return a, b
}

func TestConn_SendRecvRequest_RoundTrip(t *testing.T) {
	a, b := pipeConnPair()
	defer a.Close()
	defer b.Close()

	req := &protocol.Request{
		ID:       uuid.New(),
		Path:     "dir/file.bin",
		FileType: protocol.FileTypeFile,
		Kind:     protocol.KindCheck,
	}

	errc := make(chan error, 1)
	go func() { errc <- a.SendRequest(req) }()

	got, err := b.RecvRequest()
	if err != nil {
		t.Fatalf("RecvRequest: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if got.ID != req.ID || got.Path != req.Path || got.Kind != req.Kind {
		t.Fatalf("round-tripped request mismatch: got %+v, want %+v", got, req)
	}
}

func TestConn_SendRecvResponse_RoundTrip(t *testing.T) {
	a, b := pipeConnPair()
	defer a.Close()
	defer b.Close()

	resp := &protocol.Response{
		ID:   uuid.New(),
		Kind: protocol.RespOk,
	}

	errc := make(chan error, 1)
	go func() { errc <- a.SendResponse(resp) }()

	got, err := b.RecvResponse()
	if err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	if got.ID != resp.ID || got.Kind != resp.Kind {
		t.Fatalf("round-tripped response mismatch: got %+v, want %+v", got, resp)
	}
}

func TestListenDialTCP_RoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptc := make(chan *Conn, 1)
	errc := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		acceptc <- c
	}()

	client, err := DialTCP(ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer client.Close()

	var server *Conn
	select {
	case server = <-acceptc:
	case err := <-errc:
		t.Fatalf("Accept: %v", err)
	}
	defer server.Close()

	req := &protocol.Request{ID: uuid.New(), Path: "a", Kind: protocol.KindRemove}
	if err := client.SendRequest(req); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	got, err := server.RecvRequest()
	if err != nil {
		t.Fatalf("RecvRequest: %v", err)
	}
	if got.Path != req.Path {
		t.Fatalf("expected path %q, got %q", req.Path, got.Path)
	}
}

func TestConn_Close_FlushesBeforeClosing(t *testing.T) {
	a, b := pipeConnPair()
	defer b.Close()

	req := &protocol.Request{ID: uuid.New(), Path: "flushed", Kind: protocol.KindRemove}
	if err := protocol.EncodeRequest(a.w, req); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- a.Close() }()

	got, err := b.RecvRequest()
	if err != nil {
		t.Fatalf("RecvRequest after peer Close: %v", err)
	}
	if got.Path != req.Path {
		t.Fatalf("expected buffered frame to survive Close's flush, got %q", got.Path)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestConn_RecvRequest_EOFOnHalfClose(t *testing.T) {
	a, b := pipeConnPair()
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := b.RecvRequest()
	if err != io.EOF {
		t.Fatalf("expected io.EOF after peer closed with no frames sent, got %v", err)
	}
}
