// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads agent configuration from an optional YAML file.
// Command-line flags override file values at the binary level.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/antimetal/assetstate/pkg/change"
)

// Config is the full agent configuration.
type Config struct {
	// AssetsDir is the directory holding .aav record files.
	AssetsDir string `yaml:"assets_dir"`
	// AssetID identifies the local asset; defaults to the hostname.
	AssetID string `yaml:"asset_id"`
	// AssetType is the local asset's type for new records.
	AssetType string `yaml:"asset_type"`

	Guardian   GuardianConfig   `yaml:"guardian"`
	Cache      CacheConfig      `yaml:"cache"`
	API        APIConfig        `yaml:"api"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Scanners   ScannersConfig   `yaml:"scanners"`
}

type GuardianConfig struct {
	Enabled                   bool `yaml:"enabled"`
	ShardID                   int  `yaml:"shard_id"`
	TotalShards               int  `yaml:"total_shards"`
	ValidationIntervalSeconds int  `yaml:"validation_interval_seconds"`
	RepairEnabled             bool `yaml:"repair_enabled"`
	MaxAgeSeconds             int  `yaml:"max_age_seconds"`
}

type CacheConfig struct {
	RedisURL   string `yaml:"redis_url"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type ThresholdsConfig struct {
	CPUPercent             float64 `yaml:"cpu_percent"`
	MemoryPercent          float64 `yaml:"memory_percent"`
	StoragePercent         float64 `yaml:"storage_percent"`
	Connections            float64 `yaml:"connections"`
	ResponseTimeMultiplier float64 `yaml:"response_time_multiplier"`
}

type ScannersConfig struct {
	WatchProcesses []string `yaml:"watch_processes"`
}

// Default returns the stock configuration.
func Default() Config {
	hostname, _ := os.Hostname()
	thresholds := change.DefaultThresholds()
	return Config{
		AssetsDir: "./assets",
		AssetID:   hostname,
		AssetType: "machine",
		Guardian: GuardianConfig{
			Enabled:                   true,
			ShardID:                   0,
			TotalShards:               1,
			ValidationIntervalSeconds: 30,
			RepairEnabled:             true,
			MaxAgeSeconds:             300,
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
		},
		API: APIConfig{
			ListenAddr: ":8085",
		},
		Thresholds: ThresholdsConfig{
			CPUPercent:             thresholds.CPUPercent,
			MemoryPercent:          thresholds.MemoryPercent,
			StoragePercent:         thresholds.StoragePercent,
			Connections:            thresholds.Connections,
			ResponseTimeMultiplier: thresholds.ResponseTimeMultiplier,
		},
	}
}

// Load merges the YAML file at path over the defaults. A missing path (or
// an empty path) yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ChangeThresholds converts the config block to detector thresholds.
func (c Config) ChangeThresholds() change.Thresholds {
	return change.Thresholds{
		CPUPercent:             c.Thresholds.CPUPercent,
		MemoryPercent:          c.Thresholds.MemoryPercent,
		StoragePercent:         c.Thresholds.StoragePercent,
		Connections:            c.Thresholds.Connections,
		ResponseTimeMultiplier: c.Thresholds.ResponseTimeMultiplier,
	}
}
