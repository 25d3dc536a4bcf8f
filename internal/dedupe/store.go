// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package dedupe tracks the last applied version per dedup key, making
// event processing idempotent under source-platform redelivery.
//
// The store is the single source of truth for "what has already been
// written", decoupling retries from the destination API's own
// consistency behavior. It is only advanced after a confirmed
// destination success, and BadgerDB's serializable transactions make
// the version check-and-set atomic.
package dedupe

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/models"
)

// ErrStaleVersion is returned by Apply when the candidate version is
// not newer than the stored one. Callers treat the event as a
// duplicate and skip it.
var ErrStaleVersion = errors.New("version not newer than last applied")

const prefixRecord = "dedup:"

// Config holds dedup store settings.
type Config struct {
	// Path is the BadgerDB directory. Must differ from the queue path.
	Path string

	// SyncWrites forces fsync after every write.
	SyncWrites bool

	// InMemory runs BadgerDB without disk persistence. Tests only.
	InMemory bool
}

// Store is the BadgerDB-backed dedup/state store.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// Open opens (or creates) the store at the configured path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("dedupe config: path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.InMemory = cfg.InMemory
	if cfg.InMemory {
		opts.Dir, opts.ValueDir = "", ""
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dedupe storage: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("Dedup store opened")
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Get returns the record for a dedup key, or nil when the key has
// never been written.
func (s *Store) Get(dedupKey string) (*models.DedupRecord, error) {
	var rec *models.DedupRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(dedupKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, err := models.UnmarshalDedupRecord(val)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Apply records a confirmed destination write: it sets the last applied
// version and the destination record ID for the key, atomically
// verifying that version is strictly greater than what is stored.
//
// Returns ErrStaleVersion when the check fails; the store is unchanged
// in that case. Only call Apply after the destination confirmed the
// write; a failed write must never advance the store.
func (s *Store) Apply(dedupKey string, version int64, destinationRecordID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := recordKey(dedupKey)
		rec := &models.DedupRecord{DedupKey: dedupKey}

		item, err := txn.Get(key)
		if err == nil {
			if verr := item.Value(func(val []byte) error {
				r, uerr := models.UnmarshalDedupRecord(val)
				if uerr != nil {
					return uerr
				}
				rec = r
				return nil
			}); verr != nil {
				return verr
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if version <= rec.LastAppliedVersion {
			return fmt.Errorf("%w: %d <= %d for %s", ErrStaleVersion, version, rec.LastAppliedVersion, dedupKey)
		}

		rec.LastAppliedVersion = version
		if destinationRecordID != "" {
			rec.DestinationRecordID = destinationRecordID
		}
		rec.UpdatedAt = s.now()

		data, err := rec.Marshal()
		if err != nil {
			return fmt.Errorf("marshal dedup record: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Purge removes a record. Administrative use only: the next event for
// the key will be treated as brand new and may create a duplicate
// destination row.
func (s *Store) Purge(dedupKey string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(dedupKey))
	})
	if err != nil {
		return err
	}
	logging.Warn().Str("dedup_key", dedupKey).Msg("Dedup record purged")
	return nil
}

// Close shuts down storage.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(dedupKey string) []byte {
	return []byte(prefixRecord + dedupKey)
}
