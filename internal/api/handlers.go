// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/dedupe"
	"github.com/tomtom215/fieldbase/internal/intake"
	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/metrics"
	"github.com/tomtom215/fieldbase/internal/queue"
	"github.com/tomtom215/fieldbase/internal/validation"
)

// maxWebhookBody bounds inbound payload size. Action Network bundles
// stay well under this.
const maxWebhookBody = 1 << 20

// Handler serves webhook intake and the operational API.
type Handler struct {
	provider  *config.Provider
	queue     *queue.Queue
	dedupe    *dedupe.Store
	startTime time.Time
}

// NewHandler creates the HTTP handler set.
func NewHandler(provider *config.Provider, q *queue.Queue, d *dedupe.Store) *Handler {
	return &Handler{
		provider:  provider,
		queue:     q,
		dedupe:    d,
		startTime: time.Now(),
	}
}

// Webhook accepts a signed payload from the {source} platform, verifies
// it, normalizes it, and enqueues the resulting events. The 202 means
// "durably queued", not "applied": delivery to the destination happens
// asynchronously.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	log := logging.Ctx(r.Context())
	source := chi.URLParam(r, "source")

	srcCfg, ok := h.provider.Snapshot().Sources[source]
	if !ok {
		metrics.WebhookRequestsTotal.WithLabelValues(source, "unknown_source").Inc()
		rw.NotFound("unknown webhook source")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		rw.BadRequest("failed to read request body")
		return
	}

	verifier := intake.NewVerifier(srcCfg.Secret)
	if err := verifier.Verify(body, r.Header.Get(srcCfg.SignatureHeader)); err != nil {
		metrics.WebhookRequestsTotal.WithLabelValues(source, "unauthorized").Inc()
		log.Warn().Str("source", source).Msg("Webhook signature verification failed")
		rw.Unauthorized("invalid signature")
		return
	}

	receivedAt := time.Now().UTC()
	events, err := intake.NewNormalizer(source).Normalize(body, receivedAt)
	if err != nil {
		if errors.Is(err, intake.ErrUnrecognizedSchema) {
			metrics.WebhookRequestsTotal.WithLabelValues(source, "unrecognized").Inc()
			log.Warn().Str("source", source).Err(err).Msg("Dropping unrecognized webhook payload")
			rw.UnprocessableEntity("unrecognized payload schema")
			return
		}
		rw.BadRequest("malformed payload")
		return
	}

	for _, event := range events {
		if _, err := h.queue.Enqueue(r.Context(), event); err != nil {
			metrics.WebhookRequestsTotal.WithLabelValues(source, "unavailable").Inc()
			log.Error().Err(err).Str("source", source).Msg("Enqueue failed, asking source to redeliver")
			rw.ServiceUnavailable("queue unavailable, retry later")
			return
		}
	}

	metrics.WebhookRequestsTotal.WithLabelValues(source, "accepted").Inc()
	log.Info().Str("source", source).Int("events", len(events)).Msg("Webhook accepted")
	rw.Accepted(map[string]interface{}{"queued": len(events)})
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.startTime).String(),
	})
}

// HealthReady reports whether the queue can accept writes. The source
// platform should back off while this returns 503.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if _, err := h.queue.ListDeadLetters(1); err != nil {
		rw.ServiceUnavailable("queue not ready")
		return
	}
	rw.Success(map[string]interface{}{"status": "ready"})
}

type deadLetterListParams struct {
	Limit int `validate:"min=1,max=500"`
}

// ListDeadLetters returns dead-lettered entries for inspection.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	params := deadLetterListParams{Limit: 100}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			rw.BadRequest("limit must be an integer")
			return
		}
		params.Limit = limit
	}
	if verr := validation.ValidateStruct(&params); verr != nil {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, verr.Error(), nil)
		return
	}

	letters, err := h.queue.ListDeadLetters(params.Limit)
	if err != nil {
		rw.InternalError("failed to list dead letters")
		return
	}
	rw.Success(map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

type deadLetterIDParams struct {
	ID string `validate:"required,uuid4"`
}

// ReplayDeadLetter re-enqueues a dead-lettered entry with a fresh
// attempt budget.
func (h *Handler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	params := deadLetterIDParams{ID: chi.URLParam(r, "id")}
	if verr := validation.ValidateStruct(&params); verr != nil {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, verr.Error(), nil)
		return
	}

	entry, err := h.queue.ReplayDeadLetter(r.Context(), params.ID)
	if err != nil {
		if errors.Is(err, queue.ErrDeadLetterNotFound) {
			rw.NotFound("dead letter not found")
			return
		}
		rw.InternalError("failed to replay dead letter")
		return
	}

	logging.Ctx(r.Context()).Info().Str("entry_id", entry.ID).Msg("Dead letter replayed")
	rw.Success(map[string]interface{}{"entry": entry})
}

// PurgeDeadLetter permanently discards a dead-lettered entry.
func (h *Handler) PurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	params := deadLetterIDParams{ID: chi.URLParam(r, "id")}
	if verr := validation.ValidateStruct(&params); verr != nil {
		rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, verr.Error(), nil)
		return
	}

	if err := h.queue.PurgeDeadLetter(params.ID); err != nil {
		if errors.Is(err, queue.ErrDeadLetterNotFound) {
			rw.NotFound("dead letter not found")
			return
		}
		rw.InternalError("failed to purge dead letter")
		return
	}
	rw.NoContent()
}

// QueueStats returns queue depth and lifetime operation counters.
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(h.queue.Stats())
}

// PurgeDedupRecord deletes the version record for one dedup key, given
// as the "key" query parameter. The next event for that key will be
// treated as new and create a fresh destination record, so this is an
// operator-only escape hatch for corrupted state.
func (h *Handler) PurgeDedupRecord(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	key := r.URL.Query().Get("key")
	if key == "" {
		rw.BadRequest("key query parameter is required")
		return
	}

	record, err := h.dedupe.Get(key)
	if err != nil {
		rw.InternalError("failed to look up dedup record")
		return
	}
	if record == nil {
		rw.NotFound("no dedup record for key")
		return
	}

	if err := h.dedupe.Purge(key); err != nil {
		rw.InternalError("failed to purge dedup record")
		return
	}
	logging.Ctx(r.Context()).Warn().Str("dedup_key", key).Msg("Dedup record purged by operator")
	rw.NoContent()
}

// ConfigReload re-reads configuration from disk. Source secrets,
// destination credentials, and field mappings take effect for
// subsequent requests; queue paths, rate limits, and listener settings
// require a restart.
func (h *Handler) ConfigReload(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if _, err := h.provider.Reload(); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("Config reload failed, keeping previous config")
		rw.InternalError("reload failed, previous configuration retained")
		return
	}

	logging.Ctx(r.Context()).Info().Msg("Configuration reloaded")
	rw.Success(map[string]interface{}{"reloaded": true})
}
