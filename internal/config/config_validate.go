// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package config

import (
	"fmt"
	"time"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config field %s: %s", e.Field, e.Message)
}

// Validate checks structural and range constraints on the configuration.
// It does not verify credentials against external services.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Server.Timeout <= 0 {
		return &ValidationError{Field: "server.timeout", Message: "must be positive"}
	}

	if c.Queue.Path == "" {
		return &ValidationError{Field: "queue.path", Message: "queue path is required"}
	}
	if c.Queue.MaxAttempts < 1 {
		return &ValidationError{Field: "queue.max_attempts", Message: "must be at least 1"}
	}
	if c.Queue.BackoffBase <= 0 {
		return &ValidationError{Field: "queue.backoff_base", Message: "must be positive"}
	}
	if c.Queue.BackoffCap < c.Queue.BackoffBase {
		return &ValidationError{Field: "queue.backoff_cap", Message: "must be >= backoff_base"}
	}
	if c.Queue.LeaseDuration < time.Second {
		return &ValidationError{Field: "queue.lease_duration", Message: "must be at least 1 second"}
	}
	if c.Queue.JanitorInterval <= 0 {
		return &ValidationError{Field: "queue.janitor_interval", Message: "must be positive"}
	}

	if c.Dedupe.Path == "" {
		return &ValidationError{Field: "dedupe.path", Message: "dedupe path is required"}
	}
	if c.Dedupe.Path == c.Queue.Path {
		return &ValidationError{Field: "dedupe.path", Message: "must differ from queue.path (separate BadgerDB instances)"}
	}

	if c.Worker.Count < 1 {
		return &ValidationError{Field: "worker.count", Message: "must be at least 1"}
	}
	if c.Worker.PollInterval <= 0 {
		return &ValidationError{Field: "worker.poll_interval", Message: "must be positive"}
	}

	if c.Airtable.RatePerSecond <= 0 {
		return &ValidationError{Field: "airtable.rate_per_second", Message: "must be positive"}
	}
	if c.Airtable.Burst < 1 {
		return &ValidationError{Field: "airtable.burst", Message: "must be at least 1"}
	}
	if c.Airtable.RequestTimeout <= 0 {
		return &ValidationError{Field: "airtable.request_timeout", Message: "must be positive"}
	}
	if c.Airtable.BaseURL == "" {
		return &ValidationError{Field: "airtable.base_url", Message: "base URL is required"}
	}

	for kind, mapping := range c.Airtable.Mappings {
		if kind != "person" && kind != "donation" {
			return &ValidationError{Field: "airtable.mappings", Message: fmt.Sprintf("unknown entity kind %q", kind)}
		}
		if mapping.Table == "" {
			return &ValidationError{Field: "airtable.mappings." + kind + ".table", Message: "table name is required"}
		}
		seen := make(map[string]bool, len(mapping.Fields))
		for _, fm := range mapping.Fields {
			if fm.Source == "" || fm.Column == "" {
				return &ValidationError{Field: "airtable.mappings." + kind, Message: "field mappings need both source and column"}
			}
			if seen[fm.Column] {
				return &ValidationError{Field: "airtable.mappings." + kind, Message: fmt.Sprintf("duplicate destination column %q", fm.Column)}
			}
			seen[fm.Column] = true
			switch fm.Transform {
			case "", "timestamp_est", "currency_usd", "lower":
			default:
				return &ValidationError{Field: "airtable.mappings." + kind, Message: fmt.Sprintf("unknown transform %q", fm.Transform)}
			}
		}
	}

	for name, src := range c.Sources {
		if src.SignatureHeader == "" {
			return &ValidationError{Field: "sources." + name + ".signature_header", Message: "signature header is required"}
		}
	}

	return nil
}
