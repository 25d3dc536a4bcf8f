// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package airtable writes canonical events into Airtable. The client
// maps event fields to destination columns via configurable,
// transform-aware mappings and classifies every failure as transient
// (retry) or permanent (dead-letter).
package airtable

import (
	"errors"
	"fmt"
)

// TransientError marks a destination failure worth retrying: 5xx,
// throttling (429), timeouts, connection failures, and an open circuit
// breaker. The worker nacks the entry so the queue redelivers it with
// backoff.
type TransientError struct {
	Op     string
	Status int
	Cause  error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("airtable %s: transient failure (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("airtable %s: transient failure: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// PermanentError marks a destination failure that retrying cannot fix:
// validation rejections and unmapped payloads. The worker dead-letters
// the entry directly, bypassing further retries.
type PermanentError struct {
	Op     string
	Status int
	Cause  error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("airtable %s: permanent failure (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("airtable %s: permanent failure: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err classifies as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err classifies as unretryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyStatus maps a destination HTTP status to the error taxonomy.
// 429 is a 4xx but explicitly transient: Airtable throttles with it and
// the call succeeds once the quota window passes.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 429 || status >= 500:
		return &TransientError{Op: op, Status: status}
	default:
		return &PermanentError{Op: op, Status: status}
	}
}
