// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/metrics"
	"github.com/tomtom215/fieldbase/internal/models"
)

// ErrDeadLetterNotFound is returned for operations on an unknown
// dead-letter ID.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// ListDeadLetters returns up to limit dead letters for operator
// inspection. A limit <= 0 returns all of them.
func (q *Queue) ListDeadLetters(limit int) ([]models.DeadLetter, error) {
	var out []models.DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefixDead)); it.ValidForPrefix([]byte(prefixDead)); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var dl models.DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dl)
			}); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			out = append(out, dl)
		}
		return nil
	})
	return out, err
}

// ReplayDeadLetter re-enqueues a dead letter as a fresh entry with a
// reset attempt count and removes it from the dead-letter list. Used
// after an operator fixes the underlying cause (a schema mapping, a
// destination outage).
func (q *Queue) ReplayDeadLetter(ctx context.Context, id string) (*models.QueueEntry, error) {
	dl, err := q.getDeadLetter(id)
	if err != nil {
		return nil, err
	}

	entry, err := q.Enqueue(ctx, dl.Entry.Event)
	if err != nil {
		return nil, err
	}

	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixDead + id))
	}); err != nil {
		return nil, err
	}

	metrics.QueueDeadLetters.Dec()
	metrics.QueueOperationsTotal.WithLabelValues("replay").Inc()
	logging.Info().
		Str("dead_letter_id", id).
		Str("entry_id", entry.ID).
		Str("dedup_key", entry.Event.DedupKey).
		Msg("Dead letter replayed")
	return entry, nil
}

// PurgeDeadLetter removes a dead letter permanently. This is the only
// way a dead letter leaves the system without being replayed.
func (q *Queue) PurgeDeadLetter(id string) error {
	if _, err := q.getDeadLetter(id); err != nil {
		return err
	}
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixDead + id))
	}); err != nil {
		return err
	}
	metrics.QueueDeadLetters.Dec()
	logging.Info().Str("dead_letter_id", id).Msg("Dead letter purged")
	return nil
}

func (q *Queue) getDeadLetter(id string) (*models.DeadLetter, error) {
	var dl models.DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixDead + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrDeadLetterNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &dl)
		})
	})
	if err != nil {
		return nil, err
	}
	return &dl, nil
}
