// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain.
//
// go-keychain is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
}

// LoggingConfig controls structured-log verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig selects the blob/wrapped-key storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// KeystoreConfig configures the credential-service daemon (cmd/keystored).
type KeystoreConfig struct {
	PrimaryDevice   string          `yaml:"primary_device"` // software
	MaxOperations   int             `yaml:"max_operations"`
	AuthTokenWindow int             `yaml:"auth_token_window_seconds"`
	PrivilegedUIDs  []int64         `yaml:"privileged_uids"`
	RateLimit       RateLimitConfig `yaml:"ratelimit"`
	Logging         LoggingConfig   `yaml:"logging"`
	Storage         StorageConfig   `yaml:"storage"`
}

// DefaultKeystoreConfig returns the configuration a fresh install starts
// with: software-only device, the AOSP MAX_OPERATIONS ceiling, no rate
// limiting.
func DefaultKeystoreConfig() *KeystoreConfig {
	return &KeystoreConfig{
		PrimaryDevice:   "software",
		MaxOperations:   15,
		AuthTokenWindow: 60,
		RateLimit:       RateLimitConfig{Enabled: false, RequestsPerMin: 600},
		Logging:         LoggingConfig{Level: "info", Format: "json"},
		Storage:         StorageConfig{Backend: "memory"},
	}
}

// LoadKeystore reads path if it exists, overlaying it onto
// DefaultKeystoreConfig, applies environment overrides, and validates the
// result. A missing file is not an error; the daemon runs on defaults.
func LoadKeystore(path string) (*KeystoreConfig, error) {
	cfg := DefaultKeystoreConfig()
	if path != "" {
		// #nosec G304 - config file path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	applyKeystoreEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyKeystoreEnvOverrides(cfg *KeystoreConfig) {
	if dev := os.Getenv("KEYSTORED_PRIMARY_DEVICE"); dev != "" {
		cfg.PrimaryDevice = dev
	}
	if v := os.Getenv("KEYSTORED_MAX_OPERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOperations = n
		}
	}
	if v := os.Getenv("KEYSTORED_PRIVILEGED_UIDS"); v != "" {
		cfg.PrivilegedUIDs = nil
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if n, err := strconv.ParseInt(part, 10, 64); err == nil {
				cfg.PrivilegedUIDs = append(cfg.PrivilegedUIDs, n)
			}
		}
	}
}

// Validate checks the keystore daemon configuration.
func (c *KeystoreConfig) Validate() error {
	if c.MaxOperations < 1 {
		return fmt.Errorf("max_operations must be positive, got %d", c.MaxOperations)
	}
	if c.AuthTokenWindow < 0 {
		return fmt.Errorf("auth_token_window_seconds must not be negative, got %d", c.AuthTokenWindow)
	}
	validDevices := map[string]bool{
		"software": true,
	}
	if !validDevices[strings.ToLower(c.PrimaryDevice)] {
		return fmt.Errorf("unsupported primary_device: %s", c.PrimaryDevice)
	}
	return nil
}
