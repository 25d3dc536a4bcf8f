// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package queue provides the durable event queue between webhook intake
// and the sync workers.
//
// Entries are persisted to BadgerDB (ACID, fsync) before the HTTP
// response is returned, so queued events survive process restarts.
// Delivery guarantees:
//
//   - Entries with the same dedup key are delivered in enqueue order.
//   - At most one claimant holds an entry for a given dedup key at a
//     time, enforced by durable leases that expire on crash.
//   - Nack schedules redelivery with capped exponential backoff; the
//     retry ceiling moves an entry to the dead-letter list, where it
//     stays inspectable and replayable.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/metrics"
	"github.com/tomtom215/fieldbase/internal/models"
)

var (
	// ErrUnavailable is returned when the queue is closed or its storage
	// cannot accept writes. The HTTP layer maps this to 503 so the
	// source platform redelivers later.
	ErrUnavailable = errors.New("queue unavailable")

	// ErrEntryNotFound is returned when acking or nacking an entry that
	// is no longer pending.
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrNotClaimed is returned when acking or nacking an entry whose
	// lease is not held by the caller.
	ErrNotClaimed = errors.New("queue entry not claimed by caller")
)

// Key prefixes. Pending keys embed the zero-padded sequence number so a
// prefix scan yields entries in enqueue order.
const (
	prefixPending = "pending:"
	prefixDead    = "dead:"
	seqBandwidth  = 128
)

// Config holds queue settings.
type Config struct {
	// Path is the BadgerDB directory.
	Path string

	// SyncWrites forces fsync after every write.
	SyncWrites bool

	// MaxAttempts is the retry ceiling before dead-lettering.
	MaxAttempts int

	// BackoffBase is the initial redelivery delay after a nack.
	BackoffBase time.Duration

	// BackoffCap is the maximum redelivery delay.
	BackoffCap time.Duration

	// LeaseDuration is how long a claim is held before expiring.
	LeaseDuration time.Duration

	// InMemory runs BadgerDB without disk persistence. Tests only.
	InMemory bool
}

// DefaultConfig returns production defaults matching the published
// retry policy: base 1s doubling to a 5 minute ceiling, 10 attempts.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		SyncWrites:    true,
		MaxAttempts:   10,
		BackoffBase:   time.Second,
		BackoffCap:    5 * time.Minute,
		LeaseDuration: 2 * time.Minute,
	}
}

// Validate checks the queue configuration.
func (c *Config) Validate() error {
	if c.Path == "" && !c.InMemory {
		return fmt.Errorf("queue config: path is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("queue config: max attempts must be at least 1")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("queue config: backoff base/cap misconfigured")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("queue config: lease duration must be positive")
	}
	return nil
}

// Stats contains queue counters for monitoring.
type Stats struct {
	Pending         int64 `json:"pending"`
	DeadLetters     int64 `json:"dead_letters"`
	TotalEnqueued   int64 `json:"total_enqueued"`
	TotalAcked      int64 `json:"total_acked"`
	TotalNacked     int64 `json:"total_nacked"`
	TotalDeadLetter int64 `json:"total_dead_lettered"`
}

// Queue is the BadgerDB-backed durable queue.
type Queue struct {
	db     *badger.DB
	seq    *badger.Sequence
	config Config

	// now is swappable for tests.
	now func() time.Time

	totalEnqueued   atomic.Int64
	totalAcked      atomic.Int64
	totalNacked     atomic.Int64
	totalDeadLetter atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the queue at the configured path and counts
// surviving entries from previous runs.
func Open(cfg Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
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
		return nil, fmt.Errorf("open queue storage: %w", err)
	}

	seq, err := db.GetSequence([]byte("queue-seq"), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}

	q := &Queue{
		db:     db,
		seq:    seq,
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}

	pending, dead := q.countEntries()
	metrics.QueueDepth.Set(float64(pending))
	metrics.QueueDeadLetters.Set(float64(dead))
	logging.Info().
		Str("path", cfg.Path).
		Int64("pending", pending).
		Int64("dead_letters", dead).
		Msg("Durable queue opened")
	return q, nil
}

// Enqueue persists a canonical event and returns the queue entry. The
// event is durable once Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, event models.CanonicalEvent) (*models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrUnavailable
	}
	q.mu.RUnlock()

	if err := event.Validate(); err != nil {
		return nil, err
	}

	seq, err := q.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: sequence: %v", ErrUnavailable, err)
	}

	entry := &models.QueueEntry{
		ID:         uuid.New().String(),
		Seq:        seq,
		Event:      event,
		Attempts:   0,
		EnqueuedAt: q.now(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal queue entry: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(seq), data)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	q.totalEnqueued.Add(1)
	metrics.QueueDepth.Inc()
	metrics.QueueOperationsTotal.WithLabelValues("enqueue").Inc()
	logging.Debug().
		Str("entry_id", entry.ID).
		Str("dedup_key", event.DedupKey).
		Uint64("seq", seq).
		Msg("Event enqueued")
	return entry, nil
}

// Claim returns the oldest claimable entry, or nil when none is ready.
//
// An entry is claimable when its redelivery delay has elapsed, it holds
// no live lease, and no earlier pending entry shares its dedup key.
// The last condition gives per-key FIFO; the lease gives per-key mutual
// exclusion, since a claimed entry blocks later entries with its key.
// Claims are durable: a crashed holder's lease expires on its own.
func (q *Queue) Claim(ctx context.Context, holder string) (*models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrUnavailable
	}
	q.mu.RUnlock()

	now := q.now()
	var claimed *models.QueueEntry

	err := q.db.Update(func(txn *badger.Txn) error {
		claimed = nil
		blockedKeys := make(map[string]bool)

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(prefixPending)); it.ValidForPrefix([]byte(prefixPending)); it.Next() {
			item := it.Item()
			var entry models.QueueEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode queue entry: %w", err)
			}

			key := entry.Event.DedupKey
			if blockedKeys[key] {
				continue
			}
			// Earlier entries for this key come first in the scan, so
			// whatever blocks this entry blocks all later ones too.
			blockedKeys[key] = true

			if !entry.LeaseExpiry.IsZero() && now.Before(entry.LeaseExpiry) {
				continue // another holder is processing this key
			}
			if !entry.NotBefore.IsZero() && now.Before(entry.NotBefore) {
				continue // backing off
			}

			entry.LeaseExpiry = now.Add(q.config.LeaseDuration)
			entry.LeaseHolder = holder
			data, err := json.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("marshal queue entry: %w", err)
			}
			if err := txn.Set(pendingKey(entry.Seq), data); err != nil {
				return err
			}
			claimed = &entry
			return nil
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// Another claimant won this round.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		metrics.QueueOperationsTotal.WithLabelValues("claim").Inc()
	}
	return claimed, nil
}

// Ack removes a successfully processed entry from the queue. The caller
// must hold the entry's lease.
func (q *Queue) Ack(entry *models.QueueEntry) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		stored, err := q.getPending(txn, entry.Seq)
		if err != nil {
			return err
		}
		if stored.LeaseHolder != entry.LeaseHolder {
			return fmt.Errorf("%w: held by %q", ErrNotClaimed, stored.LeaseHolder)
		}
		return txn.Delete(pendingKey(entry.Seq))
	})
	if err != nil {
		return err
	}

	q.totalAcked.Add(1)
	metrics.QueueDepth.Dec()
	metrics.QueueOperationsTotal.WithLabelValues("ack").Inc()
	return nil
}

// Nack records a failed attempt and schedules redelivery with capped
// exponential backoff. Once the attempt count reaches the retry
// ceiling the entry moves to the dead-letter list instead.
func (q *Queue) Nack(entry *models.QueueEntry, cause error) error {
	now := q.now()
	deadLettered := false

	err := q.db.Update(func(txn *badger.Txn) error {
		deadLettered = false
		stored, err := q.getPending(txn, entry.Seq)
		if err != nil {
			return err
		}
		if stored.LeaseHolder != entry.LeaseHolder {
			return fmt.Errorf("%w: held by %q", ErrNotClaimed, stored.LeaseHolder)
		}

		stored.Attempts++
		stored.LeaseExpiry = time.Time{}
		stored.LeaseHolder = ""
		if cause != nil {
			stored.LastError = cause.Error()
		}

		if stored.Attempts >= q.config.MaxAttempts {
			deadLettered = true
			return q.moveToDeadLetter(txn, stored, "retry ceiling reached: "+stored.LastError, now)
		}

		stored.NotBefore = now.Add(q.redeliveryDelay(stored.Attempts))
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal queue entry: %w", err)
		}
		return txn.Set(pendingKey(stored.Seq), data)
	})
	if err != nil {
		return err
	}

	q.totalNacked.Add(1)
	metrics.QueueOperationsTotal.WithLabelValues("nack").Inc()
	if deadLettered {
		q.recordDeadLetter(entry, "retry ceiling reached")
	}
	return nil
}

// DeadLetter moves a claimed entry straight to the dead-letter list,
// bypassing further retries. Used for permanent failures where retrying
// an invalid payload cannot succeed.
func (q *Queue) DeadLetter(entry *models.QueueEntry, reason string) error {
	now := q.now()
	err := q.db.Update(func(txn *badger.Txn) error {
		stored, err := q.getPending(txn, entry.Seq)
		if err != nil {
			return err
		}
		if stored.LeaseHolder != entry.LeaseHolder {
			return fmt.Errorf("%w: held by %q", ErrNotClaimed, stored.LeaseHolder)
		}
		return q.moveToDeadLetter(txn, stored, reason, now)
	})
	if err != nil {
		return err
	}
	q.recordDeadLetter(entry, reason)
	return nil
}

// Release gives up a claim without recording a failed attempt. Used
// during shutdown so an in-flight entry becomes immediately claimable
// by the next run instead of waiting out the lease.
func (q *Queue) Release(entry *models.QueueEntry) error {
	return q.db.Update(func(txn *badger.Txn) error {
		stored, err := q.getPending(txn, entry.Seq)
		if err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return nil // already acked or dead-lettered
			}
			return err
		}
		if stored.LeaseHolder != entry.LeaseHolder {
			return nil // lease expired and was reclaimed; nothing to release
		}
		stored.LeaseExpiry = time.Time{}
		stored.LeaseHolder = ""
		stored.NotBefore = time.Time{}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal queue entry: %w", err)
		}
		return txn.Set(pendingKey(stored.Seq), data)
	})
}

// Stats returns current queue counters.
func (q *Queue) Stats() Stats {
	pending, dead := q.countEntries()
	return Stats{
		Pending:         pending,
		DeadLetters:     dead,
		TotalEnqueued:   q.totalEnqueued.Load(),
		TotalAcked:      q.totalAcked.Load(),
		TotalNacked:     q.totalNacked.Load(),
		TotalDeadLetter: q.totalDeadLetter.Load(),
	}
}

// Close releases the sequence and shuts down storage. Pending entries
// survive for the next run.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	if err := q.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("Queue sequence release failed")
	}
	return q.db.Close()
}

// getPending loads a pending entry by sequence inside txn.
func (q *Queue) getPending(txn *badger.Txn, seq uint64) (*models.QueueEntry, error) {
	item, err := txn.Get(pendingKey(seq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry models.QueueEntry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	return &entry, nil
}

// moveToDeadLetter replaces the pending key with a dead-letter record
// in the same transaction.
func (q *Queue) moveToDeadLetter(txn *badger.Txn, entry *models.QueueEntry, reason string, now time.Time) error {
	entry.LeaseExpiry = time.Time{}
	entry.LeaseHolder = ""
	dl := models.DeadLetter{Entry: *entry, Reason: reason, FailedAt: now}
	data, err := json.Marshal(&dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := txn.Set([]byte(prefixDead+entry.ID), data); err != nil {
		return err
	}
	return txn.Delete(pendingKey(entry.Seq))
}

func (q *Queue) recordDeadLetter(entry *models.QueueEntry, reason string) {
	q.totalDeadLetter.Add(1)
	metrics.QueueDepth.Dec()
	metrics.QueueDeadLetters.Inc()
	metrics.QueueOperationsTotal.WithLabelValues("dead_letter").Inc()
	logging.Warn().
		Str("entry_id", entry.ID).
		Str("dedup_key", entry.Event.DedupKey).
		Str("reason", reason).
		Msg("Entry dead-lettered")
}

// redeliveryDelay computes the backoff-driven delay before the next
// delivery attempt: base doubling per attempt, capped, no jitter so
// redelivery timing is testable.
func (q *Queue) redeliveryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.config.BackoffBase
	b.MaxInterval = q.config.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	if delay > q.config.BackoffCap {
		delay = q.config.BackoffCap
	}
	return delay
}

// countEntries scans both prefixes. Cheap at queue scale; keys only.
func (q *Queue) countEntries() (pending, dead int64) {
	_ = q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefixPending)); it.ValidForPrefix([]byte(prefixPending)); it.Next() {
			pending++
		}
		for it.Seek([]byte(prefixDead)); it.ValidForPrefix([]byte(prefixDead)); it.Next() {
			dead++
		}
		return nil
	})
	return pending, dead
}

func pendingKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPending, seq))
}
