// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package intake

import "errors"

var (
	// ErrAuthentication is returned when a webhook signature is missing,
	// malformed, or does not match. The request is rejected and never
	// queued.
	ErrAuthentication = errors.New("webhook signature verification failed")

	// ErrUnrecognizedSchema is returned when a payload shape is not one
	// of the supported templates. Such payloads are logged and dropped;
	// re-processing cannot succeed without a code change.
	ErrUnrecognizedSchema = errors.New("unrecognized webhook payload schema")

	// ErrUnknownSource is returned when the {source} path segment has no
	// configured intake settings.
	ErrUnknownSource = errors.New("unknown webhook source")
)
