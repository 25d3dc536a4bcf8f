// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/dedupe"
	"github.com/tomtom215/fieldbase/internal/intake"
	"github.com/tomtom215/fieldbase/internal/models"
	"github.com/tomtom215/fieldbase/internal/queue"
)

const testSecret = "test-webhook-secret"

func personEventForTest(dedupKey string, version int64) models.CanonicalEvent {
	return models.CanonicalEvent{
		DedupKey:   dedupKey,
		Kind:       models.KindPerson,
		Version:    version,
		Fields:     map[string]interface{}{"email": "jane@example.com"},
		ReceivedAt: time.Now().UTC(),
		Source:     "actionnetwork",
	}
}

type apiFixture struct {
	server   *httptest.Server
	queue    *queue.Queue
	dedupe   *dedupe.Store
	provider *config.Provider
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Security.RateLimitDisabled = true
	cfg.Sources = config.SourcesConfig{
		"actionnetwork": {
			Secret:          testSecret,
			SignatureHeader: "X-Fieldbase-Signature",
		},
	}

	q, err := queue.Open(queue.Config{
		Path:          t.TempDir(),
		MaxAttempts:   3,
		BackoffBase:   10 * time.Millisecond,
		BackoffCap:    50 * time.Millisecond,
		LeaseDuration: time.Minute,
	})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	d, err := dedupe.Open(dedupe.Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open dedupe store: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	provider := config.NewProviderWithLoader(cfg, func() (*config.Config, error) {
		return cfg, nil
	})

	router := NewRouter(NewHandler(provider, q, d), cfg.Security)
	server := httptest.NewServer(router.Setup())
	t.Cleanup(server.Close)

	return &apiFixture{server: server, queue: q, dedupe: d, provider: provider}
}

func personPayload(id, email, modified string) []byte {
	return []byte(fmt.Sprintf(`[
		{"osdi:person": {
			"identifiers": ["action_network:%s"],
			"given_name": "Jane",
			"family_name": "Doe",
			"email_addresses": [{"address": %q, "primary": true}],
			"modified_date": %q
		}}
	]`, id, email, modified))
}

// postWebhook signs body with the given secret and posts it.
func (f *apiFixture) postWebhook(t *testing.T, source, secret string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/webhooks/"+source, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Fieldbase-Signature", intake.NewVerifier(secret).Sign(body))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return envelope
}

func TestWebhookAccepted(t *testing.T) {
	f := newAPIFixture(t)

	payload := personPayload("uuid-1", "jane@example.com", "2026-03-15T18:30:45Z")
	resp := f.postWebhook(t, "actionnetwork", testSecret, payload)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if !envelope.Success {
		t.Error("envelope success = false, want true")
	}
	if got := f.queue.Stats().Pending; got != 1 {
		t.Errorf("pending = %d, want 1 queued event", got)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	f := newAPIFixture(t)

	payload := personPayload("uuid-1", "jane@example.com", "2026-03-15T18:30:45Z")
	resp := f.postWebhook(t, "actionnetwork", "wrong-secret", payload)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if envelope.Error == nil || envelope.Error.Code != ErrCodeUnauthorized {
		t.Errorf("error envelope = %+v, want UNAUTHORIZED", envelope.Error)
	}
	// The defining property of failed verification: nothing was queued.
	if got := f.queue.Stats().Pending; got != 0 {
		t.Errorf("pending = %d, want 0 after rejected payload", got)
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postWebhook(t, "actionnetwork", "", []byte(`[]`))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebhookUnknownSource(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postWebhook(t, "mystery", testSecret, []byte(`[]`))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebhookUnrecognizedSchema(t *testing.T) {
	f := newAPIFixture(t)

	payload := []byte(`[{"osdi:petition": {"identifiers": ["action_network:x"]}}]`)
	resp := f.postWebhook(t, "actionnetwork", testSecret, payload)

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	if envelope.Error == nil || envelope.Error.Code != ErrCodeUnrecognized {
		t.Errorf("error envelope = %+v, want UNRECOGNIZED_SCHEMA", envelope.Error)
	}
	if got := f.queue.Stats().Pending; got != 0 {
		t.Errorf("pending = %d, want 0 after dropped payload", got)
	}
}

func TestWebhookQueueUnavailable(t *testing.T) {
	f := newAPIFixture(t)
	f.queue.Close()

	payload := personPayload("uuid-1", "jane@example.com", "2026-03-15T18:30:45Z")
	resp := f.postWebhook(t, "actionnetwork", testSecret, payload)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 so the source redelivers", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(f.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestReadyzAfterQueueClose(t *testing.T) {
	f := newAPIFixture(t)
	f.queue.Close()

	resp, err := http.Get(f.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	payload := personPayload("uuid-1", "jane@example.com", "2026-03-15T18:30:45Z")
	f.postWebhook(t, "actionnetwork", testSecret, payload).Body.Close()

	resp, err := http.Get(f.server.URL + "/api/v1/queue/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	data, ok := envelope.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data = %T, want object", envelope.Data)
	}
	if data["pending"] != float64(1) {
		t.Errorf("pending = %v, want 1", data["pending"])
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	ctx := t.Context()

	// Seed a dead letter through the queue directly.
	entry, err := f.queue.Enqueue(ctx, personEventForTest("person:x", 100))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := f.queue.Claim(ctx, "test-holder")
	if err != nil || claimed == nil {
		t.Fatalf("claim: entry=%v err=%v", claimed, err)
	}
	if err := f.queue.DeadLetter(claimed, "destination rejected record"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	// List shows it.
	resp, err := http.Get(f.server.URL + "/api/v1/dlq")
	if err != nil {
		t.Fatalf("GET dlq: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	envelope := decodeEnvelope(t, resp)
	data := envelope.Data.(map[string]interface{})
	if data["count"] != float64(1) {
		t.Fatalf("dead letter count = %v, want 1", data["count"])
	}

	// Replay moves it back to pending.
	replayURL := fmt.Sprintf("%s/api/v1/dlq/%s/replay", f.server.URL, entry.ID)
	resp, err = http.Post(replayURL, "application/json", nil)
	if err != nil {
		t.Fatalf("POST replay: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
	stats := f.queue.Stats()
	if stats.Pending != 1 || stats.DeadLetters != 0 {
		t.Errorf("stats after replay = %+v, want entry back in pending", stats)
	}

	// Replaying again 404s.
	resp, err = http.Post(replayURL, "application/json", nil)
	if err != nil {
		t.Fatalf("POST replay again: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second replay status = %d, want 404", resp.StatusCode)
	}
}

func TestDeadLetterPurge(t *testing.T) {
	f := newAPIFixture(t)
	ctx := t.Context()

	entry, err := f.queue.Enqueue(ctx, personEventForTest("person:y", 100))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := f.queue.Claim(ctx, "test-holder")
	if err != nil || claimed == nil {
		t.Fatalf("claim: entry=%v err=%v", claimed, err)
	}
	if err := f.queue.DeadLetter(claimed, "bad record"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/dlq/"+entry.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE dlq: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("purge status = %d, want 204", resp.StatusCode)
	}
	if got := f.queue.Stats().DeadLetters; got != 0 {
		t.Errorf("dead letters = %d, want 0 after purge", got)
	}
}

func TestDeadLetterBadID(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.server.URL+"/api/v1/dlq/not-a-uuid/replay", "application/json", nil)
	if err != nil {
		t.Fatalf("POST replay: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed ID", resp.StatusCode)
	}
}

func TestDeadLetterListBadLimit(t *testing.T) {
	f := newAPIFixture(t)

	for _, limit := range []string{"0", "9999", "abc"} {
		resp, err := http.Get(f.server.URL + "/api/v1/dlq?limit=" + limit)
		if err != nil {
			t.Fatalf("GET dlq: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", limit, resp.StatusCode)
		}
	}
}

func TestDedupePurgeEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	if err := f.dedupe.Apply("person:purge-me", 100, "recXYZ"); err != nil {
		t.Fatalf("seed dedup record: %v", err)
	}

	// Missing key parameter.
	req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/dedupe", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE dedupe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no key status = %d, want 400", resp.StatusCode)
	}

	// Unknown key.
	req, _ = http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/dedupe?key=person:unknown", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE dedupe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", resp.StatusCode)
	}

	// Existing key.
	req, _ = http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/dedupe?key=person:purge-me", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE dedupe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("purge status = %d, want 204", resp.StatusCode)
	}

	rec, err := f.dedupe.Get("person:purge-me")
	if err != nil {
		t.Fatalf("dedupe get: %v", err)
	}
	if rec != nil {
		t.Errorf("record still present after purge: %+v", rec)
	}
}

func TestConfigReloadEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.server.URL+"/api/v1/config/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("POST reload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRequestIDHeaderPresent(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing from response")
	}
}
