// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSlogHandlerWritesToZerolog(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	defer SetLogger(zerolog.New(zerolog.NewConsoleWriter()))

	slogger := NewSlogLogger()
	slogger.Info("supervisor event", slog.String("service", "worker-pool"))

	output := buf.String()
	if !strings.Contains(output, "supervisor event") {
		t.Errorf("output missing message: %s", output)
	}
	if !strings.Contains(output, `"service":"worker-pool"`) {
		t.Errorf("output missing attribute: %s", output)
	}
}

func TestSlogHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))
	defer SetLogger(zerolog.New(zerolog.NewConsoleWriter()))

	slogger := NewSlogLogger()
	slogger.Debug("ignored")
	slogger.Warn("kept")

	output := buf.String()
	if strings.Contains(output, "ignored") {
		t.Errorf("debug record leaked through warn level: %s", output)
	}
	if !strings.Contains(output, "kept") {
		t.Errorf("warn record missing: %s", output)
	}
}

func TestSlogHandlerGroupsPrefixKeys(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	defer SetLogger(zerolog.New(zerolog.NewConsoleWriter()))

	slogger := NewSlogLogger().WithGroup("queue")
	slogger.Info("stats", slog.Int("pending", 3))

	if !strings.Contains(buf.String(), `"queue.pending":3`) {
		t.Errorf("grouped key missing: %s", buf.String())
	}
}
