// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package middleware provides HTTP middleware shared across the webhook
// intake and operational API routes: request ID propagation and
// Prometheus instrumentation.
package middleware
