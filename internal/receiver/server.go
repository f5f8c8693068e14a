// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/nishisan-dev/treemirror/internal/protocol"
	"github.com/nishisan-dev/treemirror/internal/transport"
)

// ServeConn drives a single connection to completion: it reads Requests one
// at a time, dispatches each to a fresh-per-connection Dispatcher rooted at
// root, and writes back the resulting Response, until the peer closes its
// write side (io.EOF) or a transport-level error occurs. There is exactly
// one outstanding request at a time — the protocol is strictly pipelined,
// so ServeConn never reads ahead.
//
// A transport error (a malformed frame, a dropped connection) is the one
// case that is fatal to the connection: it is logged and ServeConn returns,
// closing conn. Every request-level error, by contrast, is handled inside
// Dispatcher.Handle and surfaces to the peer as RespCantHandle without
// ending the connection.
func ServeConn(conn *transport.Conn, root string, logger *slog.Logger) {
	defer conn.Close()

	d := New(root, logger)
	for {
		req, err := conn.RecvRequest()
		if errors.Is(err, io.EOF) {
			logger.Debug("connection closed by peer")
			return
		}
		if err != nil {
			logger.Error("reading request", "error", err)
			return
		}

		resp := d.Handle(req)
		if resp.Kind == protocol.RespCantHandle {
			logger.Warn("request failed", "kind", req.Kind, "path", req.Path, "reason", resp.Reason)
		}

		if err := conn.SendResponse(resp); err != nil {
			logger.Error("writing response", "error", err)
			return
		}
	}
}

// Run accepts connections on ln and serves each with ServeConn, one
// connection fully handled before accepting the next — there is only ever
// a single live sender/receiver pair, so there is no benefit to serving
// connections concurrently, and doing so serially keeps the destination
// tree's state unambiguous.
func Run(ctx context.Context, ln *transport.Listener, root string, logger *slog.Logger) error {
	logger.Info("receiver listening", "address", ln.Addr().String())

	go func() {
		<-ctx.Done()
		logger.Info("shutting down receiver")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("receiver shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		logger.Info("accepted connection", "remote", conn.RemoteAddrString())
		ServeConn(conn, root, logger)
	}
}

// RunStdio serves exactly one connection over an already-open duplex
// stream — the receiver's default no-listen mode, spawned as a subprocess
// by the sender's --handler-cmd.
func RunStdio(conn *transport.Conn, root string, logger *slog.Logger) {
	ServeConn(conn, root, logger)
}
