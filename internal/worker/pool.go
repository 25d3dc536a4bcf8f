// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package worker drains the durable queue into the destination store.
// A fixed pool of workers claims entries, checks them against the dedup
// store, and upserts fresh ones through the rate-limited Airtable
// client. Outcomes feed back into the queue: success acks, transient
// failures nack for redelivery with backoff, permanent failures go
// straight to the dead-letter bucket.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/fieldbase/internal/airtable"
	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/dedupe"
	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/metrics"
	"github.com/tomtom215/fieldbase/internal/models"
	"github.com/tomtom215/fieldbase/internal/queue"
)

// Pool runs a fixed number of workers against the queue. Per-key
// ordering is the queue's responsibility; the pool only guarantees that
// each claimed entry reaches exactly one outcome.
type Pool struct {
	queue  *queue.Queue
	dedupe *dedupe.Store
	writer airtable.Writer

	count        int
	pollInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// New creates a worker pool. Count and PollInterval come from the
// worker section of the configuration.
func New(q *queue.Queue, d *dedupe.Store, w airtable.Writer, cfg config.WorkerConfig) *Pool {
	count := cfg.Count
	if count < 1 {
		count = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Pool{
		queue:        q,
		dedupe:       d,
		writer:       w,
		count:        count,
		pollInterval: poll,
	}
}

// Start launches the workers. Calling Start on a running pool is a
// no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running.Store(true)

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}
	logging.Info().Int("workers", p.count).Msg("Worker pool started")
}

// Stop cancels the workers and waits for in-flight entries to settle.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.running.Store(false)
	logging.Info().Msg("Worker pool stopped")
}

// IsRunning reports whether the pool has active workers.
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	holder := fmt.Sprintf("worker-%d", id)
	log := logging.Logger().With().Str("holder", holder).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := p.queue.Claim(ctx, holder)
		if err != nil {
			if errors.Is(err, queue.ErrUnavailable) {
				log.Debug().Msg("Queue unavailable, worker exiting")
				return
			}
			log.Error().Err(err).Msg("Claim failed")
			if !p.idle(ctx) {
				return
			}
			continue
		}
		if entry == nil {
			if !p.idle(ctx) {
				return
			}
			continue
		}

		// Claimed just as shutdown began: hand the entry back so a
		// restart does not wait out the lease.
		if ctx.Err() != nil {
			if rerr := p.queue.Release(entry); rerr != nil {
				log.Warn().Err(rerr).Str("entry_id", entry.ID).Msg("Release on shutdown failed")
			}
			return
		}

		p.process(ctx, &log, entry)
	}
}

// process drives one claimed entry to an outcome.
func (p *Pool) process(ctx context.Context, log *zerolog.Logger, entry *models.QueueEntry) {
	start := time.Now()
	event := &entry.Event
	kind := event.Kind.String()

	outcome := p.handle(ctx, log, entry)
	metrics.WorkerProcessingDuration.WithLabelValues(kind, outcome).Observe(time.Since(start).Seconds())
}

func (p *Pool) handle(ctx context.Context, log *zerolog.Logger, entry *models.QueueEntry) string {
	event := &entry.Event

	record, err := p.dedupe.Get(event.DedupKey)
	if err != nil {
		log.Error().Err(err).Str("dedup_key", event.DedupKey).Msg("Dedup lookup failed")
		p.nack(log, entry, err)
		return "transient"
	}

	// Already applied at this version or newer: redelivery or an
	// out-of-order older edit. Ack without touching the destination.
	if record != nil && event.Version <= record.LastAppliedVersion {
		log.Debug().
			Str("dedup_key", event.DedupKey).
			Int64("version", event.Version).
			Int64("applied", record.LastAppliedVersion).
			Msg("Skipping stale or duplicate event")
		p.ack(log, entry)
		return "skipped"
	}

	recordID := ""
	if record != nil {
		recordID = record.DestinationRecordID
	}

	newID, err := p.writer.Upsert(ctx, event, recordID)
	if err != nil {
		if ctx.Err() != nil {
			// Failure caused by shutdown, not the destination. Release
			// so the entry is immediately claimable on restart.
			if rerr := p.queue.Release(entry); rerr != nil {
				log.Warn().Err(rerr).Str("entry_id", entry.ID).Msg("Release on shutdown failed")
			}
			return "transient"
		}
		if airtable.IsPermanent(err) {
			log.Warn().Err(err).Str("dedup_key", event.DedupKey).Msg("Permanent destination failure, dead-lettering")
			if derr := p.queue.DeadLetter(entry, err.Error()); derr != nil {
				log.Error().Err(derr).Str("entry_id", entry.ID).Msg("Dead-letter failed")
			}
			return "permanent"
		}
		log.Warn().Err(err).Str("dedup_key", event.DedupKey).Int("attempts", entry.Attempts).Msg("Transient destination failure, nacking")
		p.nack(log, entry, err)
		return "transient"
	}

	if err := p.dedupe.Apply(event.DedupKey, event.Version, newID); err != nil {
		if errors.Is(err, dedupe.ErrStaleVersion) {
			// Guard against a version record advancing between the
			// pre-check and this apply. Per-key claim exclusivity should
			// prevent it; the write was idempotent either way, so ack.
			p.ack(log, entry)
			return "skipped"
		}
		// Destination write landed but the version record did not.
		// Redelivery re-runs the upsert as an update, which is safe.
		log.Error().Err(err).Str("dedup_key", event.DedupKey).Msg("Dedup record update failed")
		p.nack(log, entry, err)
		return "transient"
	}

	p.ack(log, entry)
	log.Info().
		Str("dedup_key", event.DedupKey).
		Int64("version", event.Version).
		Str("record_id", newID).
		Msg("Event applied to destination")
	return "applied"
}

func (p *Pool) ack(log *zerolog.Logger, entry *models.QueueEntry) {
	if err := p.queue.Ack(entry); err != nil {
		log.Error().Err(err).Str("entry_id", entry.ID).Msg("Ack failed")
	}
}

func (p *Pool) nack(log *zerolog.Logger, entry *models.QueueEntry, cause error) {
	if err := p.queue.Nack(entry, cause); err != nil {
		log.Error().Err(err).Str("entry_id", entry.ID).Msg("Nack failed")
	}
}

// idle waits one poll interval. Returns false when the context is done.
func (p *Pool) idle(ctx context.Context) bool {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
