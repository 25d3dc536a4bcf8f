// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package airtable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/metrics"
	"github.com/tomtom215/fieldbase/internal/models"
)

const breakerName = "airtable-api"

// Writer is the destination interface the worker pool depends on.
// Upsert creates the record when recordID is empty and updates the
// existing record otherwise, returning the destination record ID.
type Writer interface {
	Upsert(ctx context.Context, event *models.CanonicalEvent, recordID string) (string, error)
}

// Client talks to the Airtable REST API. Every call passes through a
// token-bucket limiter sized to Airtable's per-base quota and a circuit
// breaker so a dead destination stops burning retry budget.
//
// Credentials, base ID, and field mappings are read from the provider's
// current snapshot on every call, so a config reload takes effect
// without a restart. The limiter and breaker keep their startup sizing:
// their accumulated state has to survive a reload.
//
// The breaker uses real time for its recovery window. Tests exercise
// the client against httptest servers and leave the breaker closed.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[*callResult]
	provider   *config.Provider
}

// callResult carries the destination response through the breaker.
type callResult struct {
	status int
	body   []byte
}

// recordPayload is the request body for create and update calls.
type recordPayload struct {
	Fields   map[string]interface{} `json:"fields"`
	Typecast bool                   `json:"typecast,omitempty"`
}

// recordResponse is the subset of the Airtable record response we use.
type recordResponse struct {
	ID string `json:"id"`
}

// NewClient builds a Client on top of a configuration provider.
func NewClient(provider *config.Provider) *Client {
	cfg := provider.Snapshot().Airtable
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	breaker := gobreaker.NewCircuitBreaker[*callResult](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Destination circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		// Only transport and server-side failures count toward opening
		// the circuit. Permanent 4xx rejections mean the destination is
		// healthy and our payload is not.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker:    breaker,
		provider:   provider,
	}
}

// Upsert pushes one canonical event to the destination. An empty
// recordID creates a new record; otherwise the existing record is
// patched in place.
func (c *Client) Upsert(ctx context.Context, event *models.CanonicalEvent, recordID string) (string, error) {
	cfg := c.provider.Snapshot().Airtable
	mapper := NewMapper(cfg.Mappings)

	table, err := mapper.Table(event.Kind)
	if err != nil {
		return "", err
	}
	fields, err := mapper.Map(event)
	if err != nil {
		return "", err
	}

	op := "create"
	method := http.MethodPost
	endpoint := fmt.Sprintf("%s/v0/%s/%s", cfg.BaseURL, cfg.BaseID, url.PathEscape(table))
	if recordID != "" {
		op = "update"
		method = http.MethodPatch
		endpoint = endpoint + "/" + url.PathEscape(recordID)
	}

	body, err := json.Marshal(recordPayload{Fields: fields, Typecast: cfg.Typecast})
	if err != nil {
		return "", &PermanentError{Op: op, Cause: fmt.Errorf("marshal payload: %w", err)}
	}

	result, err := c.call(ctx, op, method, endpoint, cfg.APIKey, body)
	if err != nil {
		return "", err
	}

	var rec recordResponse
	if err := json.Unmarshal(result.body, &rec); err != nil {
		return "", &TransientError{Op: op, Cause: fmt.Errorf("decode response: %w", err)}
	}
	if rec.ID == "" {
		rec.ID = recordID
	}

	logging.Ctx(ctx).Debug().
		Str("operation", op).
		Str("table", table).
		Str("record_id", rec.ID).
		Str("dedup_key", event.DedupKey).
		Msg("Destination upsert applied")
	return rec.ID, nil
}

// call runs one HTTP exchange through the limiter and breaker and
// classifies the outcome into the transient/permanent taxonomy.
func (c *Client) call(ctx context.Context, op, method, endpoint, apiKey string, body []byte) (*callResult, error) {
	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Op: op, Cause: fmt.Errorf("rate limiter: %w", err)}
	}
	metrics.AirtableRateLimitWait.Observe(time.Since(waitStart).Seconds())

	start := time.Now()
	result, err := c.breaker.Execute(func() (*callResult, error) {
		return c.do(ctx, op, method, endpoint, apiKey, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransientError{Op: op, Cause: err}
		}
		var te *TransientError
		var pe *PermanentError
		if errors.As(err, &te) || errors.As(err, &pe) {
			return nil, err
		}
		return nil, &TransientError{Op: op, Cause: err}
	}

	metrics.RecordAirtableRequest(op, result.status, time.Since(start))
	return result, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint, apiKey string, body []byte) (*callResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Op: op, Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient by definition.
		return nil, &TransientError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	// 64 KiB is far beyond any single-record response.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, &TransientError{Op: op, Status: resp.StatusCode, Cause: err}
	}

	if cerr := classifyStatus(op, resp.StatusCode); cerr != nil {
		metrics.RecordAirtableRequest(op, resp.StatusCode, 0)
		logging.Ctx(ctx).Warn().
			Str("operation", op).
			Int("status", resp.StatusCode).
			Msg("Destination rejected request")
		return nil, cerr
	}
	return &callResult{status: resp.StatusCode, body: respBody}, nil
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
