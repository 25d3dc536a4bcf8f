// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldbase/internal/logging"
	"github.com/tomtom215/fieldbase/internal/metrics"
	"github.com/tomtom215/fieldbase/internal/models"
)

// identifierPrefix marks the stable source-platform UUID inside an OSDI
// resource's identifiers list, e.g. "action_network:d6bdf50e-...".
const identifierPrefix = "action_network:"

// wrapper keys the normalizer understands. An OSDI webhook body is a
// JSON array of single-key wrapper hashes.
const (
	wrapperPerson     = "osdi:person"
	wrapperDonation   = "osdi:donation"
	wrapperSubmission = "osdi:submission"
	wrapperUpload     = "action_network:upload"
)

// osdiResource is the subset of an OSDI resource the normalizer reads.
type osdiResource struct {
	Identifiers    []string                 `json:"identifiers"`
	GivenName      string                   `json:"given_name"`
	FamilyName     string                   `json:"family_name"`
	EmailAddresses []osdiEmail              `json:"email_addresses"`
	PostalAddrs    []osdiPostal             `json:"postal_addresses"`
	CustomFields   map[string]interface{}   `json:"custom_fields"`
	Amount         string                   `json:"amount"`
	Currency       string                   `json:"currency"`
	Recurrence     *osdiRecurrence          `json:"recurrence"`
	CreatedDate    string                   `json:"created_date"`
	ModifiedDate   string                   `json:"modified_date"`
	Embedded       map[string]*osdiResource `json:"_embedded"`
}

type osdiEmail struct {
	Address string `json:"address"`
	Primary bool   `json:"primary"`
}

type osdiPostal struct {
	AddressLines []string `json:"address_lines"`
	Locality     string   `json:"locality"`
	Region       string   `json:"region"`
	PostalCode   string   `json:"postal_code"`
	Primary      bool     `json:"primary"`
}

type osdiRecurrence struct {
	Recurring bool   `json:"recurring"`
	Period    string `json:"period"`
}

// Normalizer converts raw webhook payloads into canonical events.
type Normalizer struct {
	source string
}

// NewNormalizer creates a normalizer for the named webhook source.
func NewNormalizer(source string) *Normalizer {
	return &Normalizer{source: source}
}

// Normalize parses the source platform's event envelope and produces
// zero or more CanonicalEvents. A donation that embeds its donor yields
// two events, person first, so the common case converges sooner.
//
// Returns ErrUnrecognizedSchema when the payload shape is not one of
// the supported templates.
func (n *Normalizer) Normalize(payload []byte, receivedAt time.Time) ([]models.CanonicalEvent, error) {
	var envelope []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: body is not an event array: %v", ErrUnrecognizedSchema, err)
	}
	if len(envelope) == 0 {
		return nil, fmt.Errorf("%w: empty event array", ErrUnrecognizedSchema)
	}

	var events []models.CanonicalEvent
	recognized := false

	for _, wrapper := range envelope {
		for key, raw := range wrapper {
			switch key {
			case wrapperPerson, wrapperUpload:
				ev, err := n.normalizePerson(raw, receivedAt)
				if err != nil {
					return nil, err
				}
				recognized = true
				events = append(events, *ev)

			case wrapperSubmission:
				res, err := decodeResource(raw)
				if err != nil {
					return nil, err
				}
				person, ok := res.Embedded[wrapperPerson]
				if !ok {
					return nil, fmt.Errorf("%w: submission without embedded person", ErrUnrecognizedSchema)
				}
				ev, err := n.personEvent(person, receivedAt)
				if err != nil {
					return nil, err
				}
				recognized = true
				events = append(events, *ev)

			case wrapperDonation:
				evs, err := n.normalizeDonation(raw, receivedAt)
				if err != nil {
					return nil, err
				}
				recognized = true
				events = append(events, evs...)

			default:
				// Wrappers we don't know are skipped, not fatal: the
				// source platform adds wrapper types over time and a
				// bundle may mix known and unknown ones.
				logging.Debug().Str("wrapper", key).Msg("Skipping unknown webhook wrapper")
			}
		}
	}

	if !recognized {
		return nil, fmt.Errorf("%w: no supported wrapper in payload", ErrUnrecognizedSchema)
	}

	for i := range events {
		metrics.EventsNormalizedTotal.WithLabelValues(events[i].Kind.String()).Inc()
	}
	return events, nil
}

func (n *Normalizer) normalizePerson(raw json.RawMessage, receivedAt time.Time) (*models.CanonicalEvent, error) {
	res, err := decodeResource(raw)
	if err != nil {
		return nil, err
	}
	return n.personEvent(res, receivedAt)
}

func (n *Normalizer) personEvent(res *osdiResource, receivedAt time.Time) (*models.CanonicalEvent, error) {
	email := primaryEmail(res)
	id := stableIdentifier(res)
	if id == "" {
		if email == "" {
			return nil, fmt.Errorf("%w: person without identifier or email", ErrUnrecognizedSchema)
		}
		// No platform UUID; the email is the only stable handle.
		id = "email:" + strings.ToLower(email)
	}

	fields := map[string]interface{}{
		"email":       email,
		"given_name":  res.GivenName,
		"family_name": res.FamilyName,
	}
	if addr := primaryPostal(res); addr != nil {
		if len(addr.AddressLines) > 0 {
			fields["address"] = addr.AddressLines[0]
		}
		fields["city"] = addr.Locality
		fields["region"] = addr.Region
		fields["postal_code"] = addr.PostalCode
	}
	for k, v := range res.CustomFields {
		fields[k] = v
	}

	version, proxied := resolveVersion(res.ModifiedDate, receivedAt)
	if proxied {
		logging.Debug().Str("dedup_key", "person:"+id).Msg("No modified_date; using arrival time as version proxy")
	}
	fields["modified_date"] = versionTimestamp(res.ModifiedDate, receivedAt)

	ev := &models.CanonicalEvent{
		DedupKey:       "person:" + id,
		Kind:           models.KindPerson,
		Version:        version,
		Fields:         fields,
		ReceivedAt:     receivedAt,
		Source:         n.source,
		VersionProxied: proxied,
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedSchema, err)
	}
	return ev, nil
}

func (n *Normalizer) normalizeDonation(raw json.RawMessage, receivedAt time.Time) ([]models.CanonicalEvent, error) {
	res, err := decodeResource(raw)
	if err != nil {
		return nil, err
	}

	id := stableIdentifier(res)
	if id == "" {
		return nil, fmt.Errorf("%w: donation without identifier", ErrUnrecognizedSchema)
	}

	var events []models.CanonicalEvent
	donorEmail := ""

	// Emit the embedded donor first so the person row exists before the
	// donation row references it.
	if donor, ok := res.Embedded[wrapperPerson]; ok {
		ev, err := n.personEvent(donor, receivedAt)
		if err != nil {
			return nil, err
		}
		donorEmail, _ = ev.Fields["email"].(string)
		events = append(events, *ev)
	}

	fields := map[string]interface{}{
		"email":        donorEmail,
		"amount":       res.Amount,
		"currency":     res.Currency,
		"created_date": res.CreatedDate,
	}
	if res.Recurrence != nil && res.Recurrence.Recurring {
		fields["recurrence"] = res.Recurrence.Period
	} else {
		fields["recurrence"] = "one-time"
	}
	for k, v := range res.CustomFields {
		fields[k] = v
	}

	version, proxied := resolveVersion(res.ModifiedDate, receivedAt)
	fields["modified_date"] = versionTimestamp(res.ModifiedDate, receivedAt)

	ev := models.CanonicalEvent{
		DedupKey:       "donation:" + id,
		Kind:           models.KindDonation,
		Version:        version,
		Fields:         fields,
		ReceivedAt:     receivedAt,
		Source:         n.source,
		VersionProxied: proxied,
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedSchema, err)
	}
	return append(events, ev), nil
}

func decodeResource(raw json.RawMessage) (*osdiResource, error) {
	var res osdiResource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: malformed resource: %v", ErrUnrecognizedSchema, err)
	}
	return &res, nil
}

// stableIdentifier extracts the source platform UUID from the
// identifiers list, or "" when absent.
func stableIdentifier(res *osdiResource) string {
	for _, ident := range res.Identifiers {
		if strings.HasPrefix(ident, identifierPrefix) {
			return strings.TrimPrefix(ident, identifierPrefix)
		}
	}
	return ""
}

func primaryEmail(res *osdiResource) string {
	for _, e := range res.EmailAddresses {
		if e.Primary {
			return e.Address
		}
	}
	if len(res.EmailAddresses) > 0 {
		return res.EmailAddresses[0].Address
	}
	return ""
}

func primaryPostal(res *osdiResource) *osdiPostal {
	for i := range res.PostalAddrs {
		if res.PostalAddrs[i].Primary {
			return &res.PostalAddrs[i]
		}
	}
	if len(res.PostalAddrs) > 0 {
		return &res.PostalAddrs[0]
	}
	return nil
}

// resolveVersion derives the event version from the resource's
// modified_date, falling back to arrival time when the source omits
// one. The fallback is lossy under network reordering; the proxied
// flag keeps that visible.
func resolveVersion(modifiedDate string, receivedAt time.Time) (version int64, proxied bool) {
	if modifiedDate != "" {
		if t, err := time.Parse(time.RFC3339, modifiedDate); err == nil {
			return t.UnixMilli(), false
		}
	}
	return receivedAt.UnixMilli(), true
}

// versionTimestamp returns the RFC3339 string used for the mapped
// timestamp field, preferring the source's own modified_date.
func versionTimestamp(modifiedDate string, receivedAt time.Time) string {
	if modifiedDate != "" {
		if _, err := time.Parse(time.RFC3339, modifiedDate); err == nil {
			return modifiedDate
		}
	}
	return receivedAt.UTC().Format(time.RFC3339)
}
