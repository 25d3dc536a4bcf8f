// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package config

import (
	"time"
)

// Config is the root configuration for Fieldbase.
//
// Config values are immutable once loaded. Reload produces a fresh
// snapshot that is swapped in atomically via Provider; readers never
// observe a partially-updated configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Sources  SourcesConfig  `koanf:"sources"`
	Queue    QueueConfig    `koanf:"queue"`
	Dedupe   DedupeConfig   `koanf:"dedupe"`
	Worker   WorkerConfig   `koanf:"worker"`
	Airtable AirtableConfig `koanf:"airtable"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// SecurityConfig holds inbound protection settings.
type SecurityConfig struct {
	// RateLimitReqs and RateLimitWindow bound inbound HTTP request rate
	// per client IP. This is independent of the outbound Airtable limiter.
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// SourcesConfig maps webhook source names (the {source} path segment)
// to their intake settings.
type SourcesConfig map[string]SourceConfig

// SourceConfig holds per-source intake settings.
type SourceConfig struct {
	// Secret is the shared HMAC secret for signature verification.
	Secret string `koanf:"secret"`

	// SignatureHeader carries the hex-encoded HMAC-SHA256 of the body.
	// Default: X-Fieldbase-Signature
	SignatureHeader string `koanf:"signature_header"`
}

// QueueConfig holds durable queue settings.
type QueueConfig struct {
	// Path is the directory where BadgerDB stores queue data.
	Path string `koanf:"path"`

	// SyncWrites forces fsync after every write for maximum durability.
	SyncWrites bool `koanf:"sync_writes"`

	// MaxAttempts is the retry ceiling before an entry is dead-lettered.
	MaxAttempts int `koanf:"max_attempts"`

	// BackoffBase is the initial nack redelivery delay.
	BackoffBase time.Duration `koanf:"backoff_base"`

	// BackoffCap is the maximum nack redelivery delay.
	BackoffCap time.Duration `koanf:"backoff_cap"`

	// LeaseDuration is how long a claim is held before it expires.
	// Should exceed the longest expected processing time including
	// rate-limiter waits and the destination call timeout.
	LeaseDuration time.Duration `koanf:"lease_duration"`

	// JanitorInterval is how often expired leases are swept back to
	// claimable state.
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// DedupeConfig holds dedup/state store settings.
type DedupeConfig struct {
	// Path is the directory where BadgerDB stores dedup records.
	Path string `koanf:"path"`

	// SyncWrites forces fsync after every write.
	SyncWrites bool `koanf:"sync_writes"`
}

// WorkerConfig holds sync worker pool settings.
type WorkerConfig struct {
	// Count is the number of concurrent workers. More workers than the
	// outbound rate limit allows adds contention without throughput.
	Count int `koanf:"count"`

	// PollInterval is how long an idle worker waits before re-checking
	// the queue for claimable entries.
	PollInterval time.Duration `koanf:"poll_interval"`
}

// AirtableConfig holds destination store settings.
type AirtableConfig struct {
	// BaseURL is the API root. Overridable for tests.
	BaseURL string `koanf:"base_url"`

	// APIKey authenticates against the Airtable API.
	APIKey string `koanf:"api_key"`

	// BaseID is the Airtable base that holds the destination tables.
	BaseID string `koanf:"base_id"`

	// RatePerSecond sizes the token bucket to Airtable's published
	// per-base quota (5 requests per second).
	RatePerSecond float64 `koanf:"rate_per_second"`

	// Burst is the token bucket burst size.
	Burst int `koanf:"burst"`

	// RequestTimeout bounds each API call. Expiry is a transient error.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// Typecast asks Airtable to coerce field values to column types.
	Typecast bool `koanf:"typecast"`

	// Mappings configures the per-entity-kind field mapping tables.
	Mappings map[string]TableMapping `koanf:"mappings"`
}

// TableMapping maps canonical event fields of one entity kind onto an
// Airtable table. Mapping is data-driven so column changes require a
// config edit, not a rebuild.
type TableMapping struct {
	// Table is the destination table name.
	Table string `koanf:"table"`

	// Fields lists the source-to-column mappings.
	Fields []FieldMapping `koanf:"fields"`
}

// FieldMapping maps one source field to one destination column.
type FieldMapping struct {
	// Source is the canonical event field name.
	Source string `koanf:"source"`

	// Column is the destination Airtable column name.
	Column string `koanf:"column"`

	// Transform optionally names a value transform: "timestamp_est",
	// "currency_usd", "lower". Empty means pass-through.
	Transform string `koanf:"transform"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
// Default returns the built-in configuration. Tests and the reload
// provider use it as the base layer.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimitReqs:     300,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
			CORSOrigins:       []string{},
		},
		Sources: SourcesConfig{
			"actionnetwork": {
				Secret:          "",
				SignatureHeader: "X-Fieldbase-Signature",
			},
		},
		Queue: QueueConfig{
			Path:            "/data/queue",
			SyncWrites:      true,
			MaxAttempts:     10,
			BackoffBase:     time.Second,
			BackoffCap:      5 * time.Minute,
			LeaseDuration:   2 * time.Minute,
			JanitorInterval: 30 * time.Second,
		},
		Dedupe: DedupeConfig{
			Path:       "/data/dedupe",
			SyncWrites: true,
		},
		Worker: WorkerConfig{
			Count:        4,
			PollInterval: 250 * time.Millisecond,
		},
		Airtable: AirtableConfig{
			BaseURL:        "https://api.airtable.com",
			APIKey:         "",
			BaseID:         "",
			RatePerSecond:  5, // Airtable's published per-base quota
			Burst:          5,
			RequestTimeout: 15 * time.Second,
			Typecast:       true,
			Mappings:       defaultMappings(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// defaultMappings returns the built-in field mapping tables for the
// supported entity kinds. Deployments override these in config.yaml to
// match their Airtable schema.
func defaultMappings() map[string]TableMapping {
	return map[string]TableMapping{
		"person": {
			Table: "People",
			Fields: []FieldMapping{
				{Source: "email", Column: "Email", Transform: "lower"},
				{Source: "given_name", Column: "First name"},
				{Source: "family_name", Column: "Last name"},
				{Source: "address", Column: "Address"},
				{Source: "city", Column: "City"},
				{Source: "region", Column: "State"},
				{Source: "postal_code", Column: "Zip Code"},
				{Source: "modified_date", Column: "Timestamp (EST)", Transform: "timestamp_est"},
			},
		},
		"donation": {
			Table: "Donations",
			Fields: []FieldMapping{
				{Source: "email", Column: "Email", Transform: "lower"},
				{Source: "amount", Column: "Amount", Transform: "currency_usd"},
				{Source: "currency", Column: "Currency"},
				{Source: "recurrence", Column: "Recurrence"},
				{Source: "created_date", Column: "Donation Date", Transform: "timestamp_est"},
				{Source: "modified_date", Column: "Timestamp (EST)", Transform: "timestamp_est"},
			},
		},
	}
}
