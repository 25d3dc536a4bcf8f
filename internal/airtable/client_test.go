// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package airtable

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/models"
)

func testClientConfig(baseURL string) config.AirtableConfig {
	return config.AirtableConfig{
		BaseURL:        baseURL,
		APIKey:         "key-test",
		BaseID:         "appTESTBASE",
		RatePerSecond:  100,
		Burst:          10,
		RequestTimeout: 2 * time.Second,
		Typecast:       true,
		Mappings:       testMappings(),
	}
}

func testClient(cfg config.AirtableConfig) *Client {
	return NewClient(config.NewProviderWithLoader(&config.Config{Airtable: cfg}, nil))
}

func personEvent() *models.CanonicalEvent {
	return &models.CanonicalEvent{
		DedupKey: "person:action_network:abc",
		Kind:     models.KindPerson,
		Version:  1700000000000,
		Fields: map[string]interface{}{
			"email":      "Test@Example.com",
			"given_name": "Test",
		},
		ReceivedAt: time.Now().UTC(),
		Source:     "actionnetwork",
	}
}

func TestClientUpsertCreate(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody recordPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"recNEW123","createdTime":"2026-03-15T18:30:45.000Z"}`))
	}))
	defer srv.Close()

	client := testClient(testClientConfig(srv.URL))

	recordID, err := client.Upsert(context.Background(), personEvent(), "")
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if recordID != "recNEW123" {
		t.Errorf("recordID = %q, want recNEW123", recordID)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/v0/appTESTBASE/People" {
		t.Errorf("path = %s, want /v0/appTESTBASE/People", gotPath)
	}
	if gotAuth != "Bearer key-test" {
		t.Errorf("auth = %q, want bearer token", gotAuth)
	}
	if !gotBody.Typecast {
		t.Error("typecast flag not set on request")
	}
	if gotBody.Fields["Email"] != "test@example.com" {
		t.Errorf("Email column = %v, want lowercased", gotBody.Fields["Email"])
	}
}

func TestClientUpsertUpdate(t *testing.T) {
	var gotMethod, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Write([]byte(`{"id":"recEXISTING"}`))
	}))
	defer srv.Close()

	client := testClient(testClientConfig(srv.URL))

	recordID, err := client.Upsert(context.Background(), personEvent(), "recEXISTING")
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if recordID != "recEXISTING" {
		t.Errorf("recordID = %q, want recEXISTING", recordID)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method = %s, want PATCH", gotMethod)
	}
	if gotPath != "/v0/appTESTBASE/People/recEXISTING" {
		t.Errorf("path = %s, want record-scoped update path", gotPath)
	}
}

func TestClientClassifiesStatuses(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
		wantPermanent bool
	}{
		{"throttled", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusInternalServerError, true, false},
		{"bad gateway", http.StatusBadGateway, true, false},
		{"unprocessable", http.StatusUnprocessableEntity, false, true},
		{"forbidden", http.StatusForbidden, false, true},
		{"not found", http.StatusNotFound, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := testClient(testClientConfig(srv.URL))
			_, err := client.Upsert(context.Background(), personEvent(), "")
			if err == nil {
				t.Fatal("Upsert() succeeded, want classified error")
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", IsTransient(err), tt.wantTransient, err)
			}
			if IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v (err: %v)", IsPermanent(err), tt.wantPermanent, err)
			}
		})
	}
}

func TestClientConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	client := testClient(testClientConfig(srv.URL))
	_, err := client.Upsert(context.Background(), personEvent(), "")
	if !IsTransient(err) {
		t.Errorf("Upsert() against closed server = %v, want transient error", err)
	}
}

func TestClientRespectsRateLimit(t *testing.T) {
	var mu sync.Mutex
	var calls []time.Time

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, time.Now())
		mu.Unlock()
		w.Write([]byte(`{"id":"rec1"}`))
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	cfg.RatePerSecond = 50
	cfg.Burst = 1
	client := testClient(cfg)

	const n = 6
	start := time.Now()
	for i := 0; i < n; i++ {
		if _, err := client.Upsert(context.Background(), personEvent(), ""); err != nil {
			t.Fatalf("Upsert() #%d error = %v", i, err)
		}
	}
	elapsed := time.Since(start)

	// Burst of 1 at 50 req/s: the remaining 5 calls each wait 20ms.
	if min := 5 * (time.Second / 50); elapsed < min {
		t.Errorf("%d calls completed in %v, want at least %v", n, elapsed, min)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != n {
		t.Errorf("server saw %d calls, want %d", len(calls), n)
	}
}

func TestClientPicksUpReloadedConfig(t *testing.T) {
	var mu sync.Mutex
	var gotPaths []string
	var gotAuths []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPaths = append(gotPaths, r.URL.Path)
		gotAuths = append(gotAuths, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Write([]byte(`{"id":"rec1"}`))
	}))
	defer srv.Close()

	reloaded := testClientConfig(srv.URL)
	reloaded.APIKey = "key-rotated"
	personMapping := reloaded.Mappings["person"]
	personMapping.Table = "Supporters"
	reloaded.Mappings["person"] = personMapping

	provider := config.NewProviderWithLoader(
		&config.Config{Airtable: testClientConfig(srv.URL)},
		func() (*config.Config, error) { return &config.Config{Airtable: reloaded}, nil },
	)
	client := NewClient(provider)

	if _, err := client.Upsert(context.Background(), personEvent(), ""); err != nil {
		t.Fatalf("Upsert() before reload error = %v", err)
	}
	if _, err := provider.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if _, err := client.Upsert(context.Background(), personEvent(), ""); err != nil {
		t.Fatalf("Upsert() after reload error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPaths[0] != "/v0/appTESTBASE/People" || gotAuths[0] != "Bearer key-test" {
		t.Errorf("first call used %s / %s, want original table and key", gotPaths[0], gotAuths[0])
	}
	if gotPaths[1] != "/v0/appTESTBASE/Supporters" {
		t.Errorf("post-reload path = %s, want reloaded Supporters table", gotPaths[1])
	}
	if gotAuths[1] != "Bearer key-rotated" {
		t.Errorf("post-reload auth = %q, want rotated key", gotAuths[1])
	}
}

func TestClientRateLimitWaitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"rec1"}`))
	}))
	defer srv.Close()

	cfg := testClientConfig(srv.URL)
	cfg.RatePerSecond = 0.1 // next token 10s away after the burst
	cfg.Burst = 1
	client := testClient(cfg)

	if _, err := client.Upsert(context.Background(), personEvent(), ""); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Upsert(ctx, personEvent(), "")
	if !IsTransient(err) {
		t.Errorf("Upsert() with expired context = %v, want transient error", err)
	}
}
