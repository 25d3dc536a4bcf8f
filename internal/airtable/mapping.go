// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package airtable

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/fieldbase/internal/config"
	"github.com/tomtom215/fieldbase/internal/models"
)

// estZone is the fixed offset the destination base expects timestamps
// in. The campaign team reads everything in Eastern time regardless of
// daylight saving, matching the historical export format.
var estZone = time.FixedZone("EST", -5*60*60)

const estTimestampLayout = "2006-01-02 15:04:05 MST"

// Mapper translates canonical event fields to destination columns. The
// mapping is data-driven from configuration: each entity kind carries a
// table name and an ordered list of source-field to column pairs with an
// optional transform.
type Mapper struct {
	mappings map[string]config.TableMapping
}

// NewMapper builds a Mapper from the configured table mappings, keyed by
// entity kind name.
func NewMapper(mappings map[string]config.TableMapping) *Mapper {
	return &Mapper{mappings: mappings}
}

// Table returns the destination table for the given kind, or an error
// when no mapping is configured.
func (m *Mapper) Table(kind models.EntityKind) (string, error) {
	tm, ok := m.mappings[kind.String()]
	if !ok || tm.Table == "" {
		return "", &PermanentError{Op: "map", Cause: fmt.Errorf("no table mapping for kind %q", kind)}
	}
	return tm.Table, nil
}

// Map converts a canonical event into the destination column set.
// Source fields absent from the event are skipped rather than sent as
// nulls. An unknown transform name is a permanent failure: retrying a
// misconfigured mapping can never succeed.
func (m *Mapper) Map(event *models.CanonicalEvent) (map[string]interface{}, error) {
	tm, ok := m.mappings[event.Kind.String()]
	if !ok {
		return nil, &PermanentError{Op: "map", Cause: fmt.Errorf("no table mapping for kind %q", event.Kind)}
	}

	columns := make(map[string]interface{}, len(tm.Fields))
	for _, fm := range tm.Fields {
		value, ok := event.Fields[fm.Source]
		if !ok || value == nil {
			continue
		}
		transformed, err := applyTransform(fm.Transform, value)
		if err != nil {
			return nil, &PermanentError{
				Op:    "map",
				Cause: fmt.Errorf("field %q -> column %q: %w", fm.Source, fm.Column, err),
			}
		}
		columns[fm.Column] = transformed
	}
	return columns, nil
}

func applyTransform(name string, value interface{}) (interface{}, error) {
	switch name {
	case "":
		return value, nil
	case "timestamp_est":
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		return t.In(estZone).Format(estTimestampLayout), nil
	case "currency_usd":
		amount, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("$%.2f", amount), nil
	case "lower":
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	default:
		return nil, fmt.Errorf("unknown transform %q", name)
	}
}

func asString(value interface{}) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func asFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("parse amount %q: %w", v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected numeric amount, got %T", value)
	}
}
