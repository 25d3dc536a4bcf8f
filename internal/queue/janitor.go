// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/metrics"
	"github.com/tomtom215/fieldbase/internal/models"
)

// Janitor periodically refreshes queue gauges and reports leases left
// behind by crashed holders. Expired leases need no repair (Claim
// treats them as free); the sweep exists so operators can see them.
type Janitor struct {
	queue    *Queue
	interval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJanitor creates a janitor sweeping at the given interval.
func NewJanitor(q *Queue, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{queue: q, interval: interval}
}

// Start begins the background sweep loop. Starting a running janitor
// is a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.running = true

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel := j.cancel
	j.mu.Unlock()

	cancel()
	j.wg.Wait()
}

// IsRunning reports whether the sweep loop is active.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// sweep refreshes gauges and counts expired leases.
func (j *Janitor) sweep() {
	now := j.queue.now()
	var pending, expired int64

	err := j.queue.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefixPending)); it.ValidForPrefix([]byte(prefixPending)); it.Next() {
			pending++
			var entry models.QueueEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue
			}
			if !entry.LeaseExpiry.IsZero() && now.After(entry.LeaseExpiry) {
				expired++
			}
		}
		return nil
	})
	if err != nil {
		logging.Warn().Err(err).Msg("Queue sweep failed")
		return
	}

	metrics.QueueDepth.Set(float64(pending))
	if expired > 0 {
		logging.Warn().
			Int64("expired_leases", expired).
			Msg("Found entries with expired leases; they are claimable again")
	}
}
