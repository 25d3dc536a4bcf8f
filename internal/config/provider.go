// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package config

import (
	"fmt"
	"sync/atomic"

	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/metrics"
)

// Provider vends immutable configuration snapshots.
//
// The current snapshot is held in an atomic pointer. Reload builds and
// validates a complete new Config before swapping it in, so readers
// never observe a partially-updated snapshot. Readers must not mutate
// the returned Config.
type Provider struct {
	current atomic.Pointer[Config]
	loader  func() (*Config, error)
}

// NewProvider creates a provider seeded with cfg. Reload uses the
// standard layered Load.
func NewProvider(cfg *Config) *Provider {
	return NewProviderWithLoader(cfg, Load)
}

// NewProviderWithLoader creates a provider with a custom loader.
// Used by tests to control reload behavior.
func NewProviderWithLoader(cfg *Config, loader func() (*Config, error)) *Provider {
	p := &Provider{loader: loader}
	p.current.Store(cfg)
	return p
}

// Snapshot returns the current configuration snapshot.
func (p *Provider) Snapshot() *Config {
	return p.current.Load()
}

// Reload loads a fresh configuration and swaps it in atomically.
// On failure the previous snapshot stays active.
func (p *Provider) Reload() (*Config, error) {
	cfg, err := p.loader()
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("config reload: %w", err)
	}
	p.current.Store(cfg)
	metrics.ConfigReloadsTotal.WithLabelValues("success").Inc()
	logging.Info().Msg("Configuration snapshot reloaded")
	return cfg, nil
}
