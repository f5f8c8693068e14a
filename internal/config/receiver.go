// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ReceiverConfig holds file-provided defaults for cmd/treemirror-recv.
type ReceiverConfig struct {
	Root       string `yaml:"root"`
	Listen     string `yaml:"listen"`
	HealthAddr string `yaml:"health_addr"`

	Logging LoggingInfo `yaml:"logging"`
}

// LoadReceiverConfig reads and validates path as a ReceiverConfig.
func LoadReceiverConfig(path string) (*ReceiverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receiver config: %w", err)
	}

	var cfg ReceiverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing receiver config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating receiver config: %w", err)
	}
	return &cfg, nil
}

func (c *ReceiverConfig) validate() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}
