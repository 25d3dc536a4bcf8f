// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package airtable

import (
	"testing"

	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/models"
)

func testMappings() map[string]config.TableMapping {
	return map[string]config.TableMapping{
		"person": {
			Table: "People",
			Fields: []config.FieldMapping{
				{Source: "email", Column: "Email", Transform: "lower"},
				{Source: "given_name", Column: "First name"},
				{Source: "modified_date", Column: "Timestamp (EST)", Transform: "timestamp_est"},
			},
		},
		"donation": {
			Table: "Donations",
			Fields: []config.FieldMapping{
				{Source: "email", Column: "Email", Transform: "lower"},
				{Source: "amount", Column: "Amount", Transform: "currency_usd"},
				{Source: "created_date", Column: "Donation Date", Transform: "timestamp_est"},
			},
		},
	}
}

func TestMapperMapPerson(t *testing.T) {
	m := NewMapper(testMappings())

	event := &models.CanonicalEvent{
		Kind: models.KindPerson,
		Fields: map[string]interface{}{
			"email":         "Jane.Doe@Example.COM",
			"given_name":    "Jane",
			"modified_date": "2026-03-15T18:30:45Z",
		},
	}

	columns, err := m.Map(event)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	if got := columns["Email"]; got != "jane.doe@example.com" {
		t.Errorf("Email = %v, want lowercased address", got)
	}
	if got := columns["First name"]; got != "Jane" {
		t.Errorf("First name = %v, want Jane", got)
	}
	// 18:30:45 UTC is 13:30:45 in fixed EST.
	if got := columns["Timestamp (EST)"]; got != "2026-03-15 13:30:45 EST" {
		t.Errorf("Timestamp (EST) = %v, want 2026-03-15 13:30:45 EST", got)
	}
}

func TestMapperSkipsAbsentFields(t *testing.T) {
	m := NewMapper(testMappings())

	event := &models.CanonicalEvent{
		Kind:   models.KindPerson,
		Fields: map[string]interface{}{"email": "a@b.com"},
	}

	columns, err := m.Map(event)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if _, ok := columns["First name"]; ok {
		t.Error("absent source field should not produce a column")
	}
	if len(columns) != 1 {
		t.Errorf("columns = %v, want only Email", columns)
	}
}

func TestMapperUnknownKind(t *testing.T) {
	m := NewMapper(map[string]config.TableMapping{})

	event := &models.CanonicalEvent{Kind: models.KindPerson, Fields: map[string]interface{}{}}
	if _, err := m.Map(event); !IsPermanent(err) {
		t.Errorf("Map() with no mapping = %v, want permanent error", err)
	}
	if _, err := m.Table(models.KindPerson); !IsPermanent(err) {
		t.Errorf("Table() with no mapping = %v, want permanent error", err)
	}
}

func TestApplyTransform(t *testing.T) {
	tests := []struct {
		name      string
		transform string
		value     interface{}
		want      interface{}
		wantErr   bool
	}{
		{"passthrough", "", "hello", "hello", false},
		{"lower", "lower", "MiXeD@Case.Org", "mixed@case.org", false},
		{"lower non-string", "lower", 42, nil, true},
		{"currency float", "currency_usd", 25.0, "$25.00", false},
		{"currency cents", "currency_usd", 3.5, "$3.50", false},
		{"currency string", "currency_usd", "100.25", "$100.25", false},
		{"currency junk", "currency_usd", "abc", nil, true},
		{"timestamp utc", "timestamp_est", "2026-01-02T05:00:00Z", "2026-01-02 00:00:00 EST", false},
		{"timestamp offset", "timestamp_est", "2026-06-01T12:00:00-04:00", "2026-06-01 11:00:00 EST", false},
		{"timestamp junk", "timestamp_est", "not-a-time", nil, true},
		{"unknown transform", "reverse", "x", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyTransform(tt.transform, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("applyTransform() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("applyTransform() = %v, want %v", got, tt.want)
			}
		})
	}
}
