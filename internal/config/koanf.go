// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package config loads layered configuration with Koanf v2 and vends
// immutable snapshots through Provider.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched in priority
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fieldbase/config.yaml",
	"/etc/fieldbase/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds a Config from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
//
// The returned Config has been validated and must be treated as
// immutable by callers.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional config file
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables
	// FIELDBASE_AIRTABLE_API_KEY -> airtable.api_key, etc.
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths.
// Only variables with the FIELDBASE_ prefix are considered, plus a
// handful of conventional short names.
//
// Examples:
//   - FIELDBASE_SERVER_PORT       -> server.port
//   - FIELDBASE_AIRTABLE_API_KEY  -> airtable.api_key
//   - FIELDBASE_QUEUE_PATH        -> queue.path
//   - LOG_LEVEL                   -> logging.level
func envTransformFunc(key string) string {
	lower := strings.ToLower(key)

	// Conventional short names kept for operator familiarity.
	shortNames := map[string]string{
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"http_port":  "server.port",
		"http_host":  "server.host",
	}
	if path, ok := shortNames[lower]; ok {
		return path
	}

	if !strings.HasPrefix(lower, "fieldbase_") {
		return "" // ignore unrelated environment variables
	}
	rest := strings.TrimPrefix(lower, "fieldbase_")

	// First segment is the config section, the remainder is the key.
	// FIELDBASE_AIRTABLE_API_KEY -> airtable.api_key
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return ""
	}
	section, tail := parts[0], parts[1]

	switch section {
	case "server", "security", "queue", "dedupe", "worker", "airtable", "logging":
		return section + "." + tail
	case "source":
		// FIELDBASE_SOURCE_ACTIONNETWORK_SECRET -> sources.actionnetwork.secret
		sub := strings.SplitN(tail, "_", 2)
		if len(sub) != 2 {
			return ""
		}
		return "sources." + sub[0] + "." + sub[1]
	default:
		return ""
	}
}
