// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads the alexandria.yml file. Every section starts from
// its package's defaults, so a file only needs the settings it changes.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/poiesic/alexandria/ai"
	"github.com/poiesic/alexandria/bus"
	"github.com/poiesic/alexandria/pipeline"
	"github.com/poiesic/alexandria/registry"
	"github.com/poiesic/alexandria/tracker"
)

// DefaultPath is the file the CLI reads when --config is not given.
const DefaultPath = "alexandria.yml"

// ErrInvalidConfig wraps every section validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the top-level alexandria.yml configuration.
type Config struct {
	Storage  StorageConfig   `yaml:"storage"`
	Bus      bus.Config      `yaml:"bus"`
	Registry registry.Config `yaml:"registry"`
	Pipeline pipeline.Config `yaml:"pipeline"`
	Tracker  tracker.Config  `yaml:"tracker"`
	AI       ai.Config       `yaml:"ai"`
	Redis    RedisConfig     `yaml:"redis"`
	API      APIConfig       `yaml:"api"`
	Agents   AgentsConfig    `yaml:"agents"`
}

// StorageConfig selects the badger database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// RedisConfig enables the batch update publisher.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Options returns the client options for the configured server.
func (r RedisConfig) Options() *redis.Options {
	return &redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB}
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Addr         string `yaml:"addr"`
	MaxUploadMiB int64  `yaml:"max_upload_mib"`
}

// AgentsConfig sizes the local agent set.
type AgentsConfig struct {
	// Processors is how many document processors are attached.
	Processors int `yaml:"processors"`
	// Mock replaces the AI services with deterministic local stand-ins.
	Mock bool `yaml:"mock"`
}

// Default returns a configuration built from every package's defaults.
func Default() *Config {
	return &Config{
		Storage:  StorageConfig{Path: "alexandria.db"},
		Bus:      bus.DefaultConfig(),
		Registry: registry.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		Tracker:  tracker.DefaultConfig(),
		AI:       *ai.DefaultConfig(),
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "alexandria"},
		API:      APIConfig{Addr: ":8080", MaxUploadMiB: 64},
		Agents:   AgentsConfig{Processors: 2},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage: path is required unless in_memory is set", ErrInvalidConfig)
	}
	sections := []struct {
		name string
		fn   func() error
	}{
		{"bus", c.Bus.Validate},
		{"registry", c.Registry.Validate},
		{"pipeline", c.Pipeline.Validate},
		{"tracker", c.Tracker.Validate},
		{"ai", c.AI.Validate},
	}
	for _, s := range sections {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, s.name, err)
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis: addr is required when enabled", ErrInvalidConfig)
	}
	if c.API.Addr == "" {
		return fmt.Errorf("%w: api: addr is required", ErrInvalidConfig)
	}
	if c.API.MaxUploadMiB < 1 {
		return fmt.Errorf("%w: api: max_upload_mib must be at least 1", ErrInvalidConfig)
	}
	if c.Agents.Processors < 1 {
		return fmt.Errorf("%w: agents: at least one processor is required", ErrInvalidConfig)
	}
	return nil
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
