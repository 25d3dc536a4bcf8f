// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package models defines the data types shared across the sync pipeline.
package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EntityKind identifies the kind of source-platform entity an event describes.
type EntityKind string

const (
	// KindPerson is a person signup or profile update.
	KindPerson EntityKind = "person"

	// KindDonation is a completed donation.
	KindDonation EntityKind = "donation"
)

// Valid reports whether the entity kind is one the pipeline understands.
func (k EntityKind) Valid() bool {
	return k == KindPerson || k == KindDonation
}

// String returns the string representation of the entity kind.
func (k EntityKind) String() string {
	return string(k)
}

// CanonicalEvent is the normalized form of a webhook payload entity.
//
// DedupKey is derived deterministically from stable source-platform
// identifiers so redelivered webhooks collapse onto the same key.
// Version is a monotonic indicator (unix milliseconds of the source's
// modified_date, or arrival time when the source omits one); for a
// given DedupKey the pipeline only applies strictly increasing versions.
type CanonicalEvent struct {
	// DedupKey is the stable identity of the logical record, e.g.
	// "person:a1b2c3" or "donation:d4e5f6".
	DedupKey string `json:"dedup_key"`

	// Kind is the entity kind.
	Kind EntityKind `json:"kind"`

	// Version orders events for the same DedupKey. Unix milliseconds.
	Version int64 `json:"version"`

	// Fields holds the source field values keyed by source field name.
	Fields map[string]interface{} `json:"fields"`

	// ReceivedAt is when the webhook carrying this event arrived.
	ReceivedAt time.Time `json:"received_at"`

	// Source names the webhook source that delivered the event.
	Source string `json:"source"`

	// VersionProxied is true when Version was derived from arrival time
	// because the payload carried no modified_date. Lossy under network
	// reordering; kept visible for diagnostics.
	VersionProxied bool `json:"version_proxied,omitempty"`
}

// Validate checks structural invariants of the event.
func (e *CanonicalEvent) Validate() error {
	if e.DedupKey == "" {
		return fmt.Errorf("canonical event: dedup key is required")
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("canonical event: unknown entity kind %q", e.Kind)
	}
	if e.Version <= 0 {
		return fmt.Errorf("canonical event: version must be positive, got %d", e.Version)
	}
	return nil
}

// QueueEntry wraps a CanonicalEvent with queue bookkeeping. It lives
// from enqueue until successful processing or permanent failure.
type QueueEntry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`

	// Seq is the queue-assigned sequence number. Entries with the same
	// DedupKey are delivered to claimants in Seq order.
	Seq uint64 `json:"seq"`

	// Event is the wrapped canonical event.
	Event CanonicalEvent `json:"event"`

	// Attempts is the number of processing attempts so far.
	Attempts int `json:"attempts"`

	// EnqueuedAt is when the entry was accepted by the queue.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// NotBefore delays redelivery after a nack. Zero means immediately
	// claimable.
	NotBefore time.Time `json:"not_before,omitempty"`

	// LeaseExpiry is when the current processing lease expires. Zero
	// means no active lease. Expired leases are reclaimable, which makes
	// claims crash-safe.
	LeaseExpiry time.Time `json:"lease_expiry,omitempty"`

	// LeaseHolder identifies the worker holding the lease.
	LeaseHolder string `json:"lease_holder,omitempty"`

	// LastError is the error message from the last failed attempt.
	LastError string `json:"last_error,omitempty"`
}

// DeadLetter is a queue entry that exhausted its retries or hit a
// permanent error. Dead letters are never silently dropped; they stay
// inspectable and replayable by an operator.
type DeadLetter struct {
	Entry    QueueEntry `json:"entry"`
	Reason   string     `json:"reason"`
	FailedAt time.Time  `json:"failed_at"`
}

// DedupRecord tracks the last applied version and destination record ID
// for a dedup key. It is created on first successful write, updated on
// every subsequent one, and only ever advanced after a confirmed
// destination success.
type DedupRecord struct {
	DedupKey            string    `json:"dedup_key"`
	LastAppliedVersion  int64     `json:"last_applied_version"`
	DestinationRecordID string    `json:"destination_record_id,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Marshal serializes the record for storage.
func (r *DedupRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalDedupRecord deserializes a stored dedup record.
func UnmarshalDedupRecord(data []byte) (*DedupRecord, error) {
	var r DedupRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal dedup record: %w", err)
	}
	return &r, nil
}
