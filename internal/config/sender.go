// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads the optional YAML config file accepted by both
// binaries: a tagged struct tree, a Load*(path) that reads, unmarshals and
// validates, and ParseByteSize for human-readable byte sizes ("10mb",
// "1gb").
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// SenderConfig holds file-provided defaults for cmd/treemirror-send.
// Any field left zero is overridden by the matching CLI flag if given;
// flags always win over the file.
type SenderConfig struct {
	Root           string `yaml:"root"`
	Connect        string `yaml:"connect"`
	HandlerCmd     string `yaml:"handler_cmd"`
	Hidden         bool   `yaml:"hidden"`
	BandwidthLimit string `yaml:"bandwidth_limit"` // e.g. "10mb" → bytes/sec
	RescanSchedule string `yaml:"rescan_schedule"` // cron expression, empty disables
	Compress       bool   `yaml:"compress"`
	Logging        LoggingInfo `yaml:"logging"`

	BandwidthLimitRaw int64 `yaml:"-"`
}

// LoggingInfo holds a level and an output format, both consumed by
// internal/logging at startup.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadSenderConfig reads and validates path as a SenderConfig. A missing or
// unreadable file is an error — callers only invoke this when --config was
// actually given.
func LoadSenderConfig(path string) (*SenderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sender config: %w", err)
	}

	var cfg SenderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sender config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating sender config: %w", err)
	}
	return &cfg, nil
}

func (c *SenderConfig) validate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.BandwidthLimit != "" {
		parsed, err := ParseByteSize(c.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("bandwidth_limit: %w", err)
		}
		if parsed < 64*1024 {
			return fmt.Errorf("bandwidth_limit must be at least 64kb, got %s", c.BandwidthLimit)
		}
		c.BandwidthLimitRaw = parsed
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb", "1gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest-suffix-first so "mb" never matches as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
