// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package intake validates and normalizes inbound webhook payloads.
//
// The intake path is pure and synchronous: signature verification and
// normalization do no I/O, so the HTTP handler can respond as soon as
// the resulting events are durably queued.
package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Verifier checks that an inbound payload genuinely originated from the
// source platform by recomputing the keyed MAC over the raw bytes.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify recomputes the HMAC-SHA256 of body and compares it in constant
// time against the hex-encoded signature header value. Any deviation
// (missing header, malformed encoding, mismatch) is a hard rejection
// wrapping ErrAuthentication.
func (v *Verifier) Verify(body []byte, signature string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no secret configured", ErrAuthentication)
	}
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", ErrAuthentication)
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrAuthentication)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(provided, expected) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}
	return nil
}

// Sign computes the hex-encoded HMAC-SHA256 of body with the verifier's
// secret. Used by tests and by operators to craft replay requests.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
