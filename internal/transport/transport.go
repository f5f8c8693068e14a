// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport provides the two interchangeable byte-stream
// transports behind the sender/receiver protocol: a subprocess's piped
// stdio, and a dialed or accepted TCP connection. Both are exposed through
// the same Conn, which owns one reader and one writer shared by a single
// goroutine, one task at a time.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/nishisan-dev/treemirror/internal/protocol"
)

// Conn is a framed, buffered duplex connection. Request/response records
// are sent with SendRequest/SendResponse, each of which flushes
// immediately after writing — this gives cooperative back-pressure: a
// send only returns once the peer's socket/pipe buffer has accepted the
// whole frame, and nothing here queues more than one frame ahead of that.
type Conn struct {
	closer     io.Closer
	r          *bufio.Reader
	w          *bufio.Writer
	remoteAddr string
}

func newConn(rw io.ReadWriteCloser) *Conn {
	c := &Conn{
		closer: rw,
		r:      bufio.NewReader(rw),
		w:      bufio.NewWriter(rw),
	}
	if nc, ok := rw.(net.Conn); ok {
		c.remoteAddr = nc.RemoteAddr().String()
	}
	return c
}

// RemoteAddrString returns the peer's network address, or "" for a
// subprocess or stdio transport that has no such notion.
func (c *Conn) RemoteAddrString() string {
	return c.remoteAddr
}

// SendRequest encodes and flushes req.
func (c *Conn) SendRequest(req *protocol.Request) error {
	if err := protocol.EncodeRequest(c.w, req); err != nil {
		return err
	}
	return c.w.Flush()
}

// SendResponse encodes and flushes resp.
func (c *Conn) SendResponse(resp *protocol.Response) error {
	if err := protocol.EncodeResponse(c.w, resp); err != nil {
		return err
	}
	return c.w.Flush()
}

// RecvRequest decodes the next Request, returning io.EOF unmodified on a
// clean half-close.
func (c *Conn) RecvRequest() (*protocol.Request, error) {
	return protocol.DecodeRequest(c.r)
}

// RecvResponse decodes the next Response, returning io.EOF unmodified on a
// clean half-close.
func (c *Conn) RecvResponse() (*protocol.Response, error) {
	return protocol.DecodeResponse(c.r)
}

// Close flushes any buffered-but-unsent bytes, then closes the underlying
// stream.
func (c *Conn) Close() error {
	flushErr := c.w.Flush()
	closeErr := c.closer.Close()
	if flushErr != nil {
		return fmt.Errorf("flushing on close: %w", flushErr)
	}
	return closeErr
}

// DialTCP connects to addr and wraps the connection as a Conn — the
// sender's --connect mode.
func DialTCP(addr string) (*Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return newConn(conn), nil
}

// Listener wraps a net.Listener accepting plain TCP connections for the
// receiver's --listen mode, one connection served at a time.
type Listener struct {
	ln net.Listener
}

// Listen starts accepting TCP connections on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next incoming connection and wraps it as a Conn.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}
	return newConn(conn), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// NewStdio wraps an already-open reader/writer pair (e.g. os.Stdin /
// os.Stdout) as a Conn — the receiver's default, no-listen stdio mode.
func NewStdio(r io.Reader, w io.WriteCloser) *Conn {
	return &Conn{
		closer: w,
		r:      bufio.NewReader(r),
		w:      bufio.NewWriter(w),
	}
}

// Subprocess is a spawned handler command wired up as a Conn over its
// piped stdio — the sender's --handler-cmd mode.
type Subprocess struct {
	*Conn
	cmd *exec.Cmd
}

// SpawnSubprocess starts cmdPath with destPath as its sole argument, piping
// its stdin/stdout as the transport.
func SpawnSubprocess(cmdPath, destPath string) (*Subprocess, error) {
	cmd := exec.Command(cmdPath, destPath)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening handler stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening handler stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting handler command %s: %w", cmdPath, err)
	}

	rwc := &pipeReadWriteCloser{r: stdout, w: stdin}
	return &Subprocess{Conn: newConn(rwc), cmd: cmd}, nil
}

// Wait blocks until the handler subprocess exits, after the Conn has been
// closed.
func (s *Subprocess) Wait() error {
	return s.cmd.Wait()
}

// pipeReadWriteCloser composes a subprocess's separate stdout reader and
// stdin writer into one io.ReadWriteCloser. Close closes the write half
// first (the signal the handler process sees as EOF), then the read half.
type pipeReadWriteCloser struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (p *pipeReadWriteCloser) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeReadWriteCloser) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeReadWriteCloser) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
