// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the responder's YAML configuration.
//
// A missing file is created with DefaultConfig so a first run has
// something to edit. Every section is validated after loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianResponder/pkg/logging"
	"github.com/AleutianAI/AleutianResponder/services/responder/planner"
	"github.com/AleutianAI/AleutianResponder/services/responder/storage"
	"github.com/AleutianAI/AleutianResponder/services/responder/telemetry"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "~/.aleutian/responder/responder.yaml"

// configValidate is shared by every Load.
var configValidate = validator.New()

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// TaskingConfig bounds how links are dispatched to agents.
type TaskingConfig struct {
	// MaxLinksPerSecond throttles dispatch. Zero disables throttling.
	MaxLinksPerSecond float64 `yaml:"max_links_per_second" validate:"gte=0"`

	// Burst is the rate limiter bucket size.
	Burst int `yaml:"burst" validate:"gte=0"`

	// LinkTimeout bounds a single link. Zero means no per-link limit.
	LinkTimeout time.Duration `yaml:"link_timeout" validate:"gte=0"`
}

// CatalogConfig locates the ability catalog.
type CatalogConfig struct {
	Path string `yaml:"path" validate:"required"`

	// Watch reloads the catalog when the file changes.
	Watch bool `yaml:"watch"`
}

// APIConfig configures the status server.
type APIConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

// Config is the full responder configuration.
type Config struct {
	Planner   planner.Config   `yaml:"planner"`
	Tasking   TaskingConfig    `yaml:"tasking"`
	Catalog   CatalogConfig    `yaml:"catalog"`
	Storage   storage.Config   `yaml:"storage"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
	API       APIConfig        `yaml:"api"`
}

// DefaultConfig returns settings for a local single-host run.
func DefaultConfig() Config {
	return Config{
		Planner: planner.DefaultConfig(),
		Tasking: TaskingConfig{
			MaxLinksPerSecond: 20,
			Burst:             5,
			LinkTimeout:       2 * time.Minute,
		},
		Catalog:   CatalogConfig{Path: "catalog.yaml"},
		Storage:   storage.DefaultConfig("~/.aleutian/responder/state"),
		Telemetry: telemetry.DefaultConfig(),
		Logging:   logging.Config{Level: logging.LevelInfo, Service: "responder"},
		API:       APIConfig{Port: 12220},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Load reads the configuration at path.
//
// Description:
//
//	Expands a leading ~, creates the file from DefaultConfig when it does
//	not exist, and overlays the file on DefaultConfig so omitted keys keep
//	their defaults. A relative catalog or storage path is resolved against
//	the config file's directory.
//
// Inputs:
//
//	path - Config file location.
//
// Outputs:
//
//	Config - Loaded and validated configuration.
//	error - Read, parse or validation failure.
func Load(path string) (Config, error) {
	path = ExpandPath(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	cfg.Catalog.Path = resolve(dir, cfg.Catalog.Path)
	if !cfg.Storage.InMemory {
		cfg.Storage.Path = resolve(dir, cfg.Storage.Path)
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func resolve(dir, path string) string {
	path = ExpandPath(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
