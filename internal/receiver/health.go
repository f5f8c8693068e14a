// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package receiver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// healthResponse is the plain JSON body served at the health endpoint,
// reporting free space on the destination root's filesystem. It is served
// over a separate HTTP endpoint rather than over the sync connection itself,
// since the Request/Response framing is strictly pipelined and has no room
// for an out-of-band health probe without colliding with in-flight traffic.
type healthResponse struct {
	Status      string  `json:"status"`
	Root        string  `json:"root"`
	FreeBytes   uint64  `json:"free_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// ServeHealth starts an HTTP server on addr reporting disk usage for root,
// returning once the server stops listening (addr already bound to, or
// ctx cancelled). The caller runs this in its own goroutine.
func ServeHealth(ctx context.Context, addr, root string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		usage, err := disk.Usage(root)
		if err != nil {
			logger.Warn("reading disk usage", "root", root, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(healthResponse{Status: "error", Root: root})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:      "ready",
			Root:        root,
			FreeBytes:   usage.Free,
			TotalBytes:  usage.Total,
			UsedPercent: usage.UsedPercent,
		})
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("health endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
