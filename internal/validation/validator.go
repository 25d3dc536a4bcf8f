// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

// Package validation wraps go-playground/validator v10 behind a
// thread-safe singleton. The operational API uses it to check request
// parameters such as dead-letter listing limits and entry IDs.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is a single failed field check.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

// Error returns a human-readable message for the failed check.
func (e *FieldError) Error() string {
	switch e.Tag {
	case "required":
		return fmt.Sprintf("%s is required", e.Field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", e.Field, e.Param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", e.Field, e.Param)
	case "uuid4":
		return fmt.Sprintf("%s must be a valid UUID", e.Field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", e.Field, e.Param)
	default:
		return fmt.Sprintf("%s failed %s validation", e.Field, e.Tag)
	}
}

// RequestError collects all failed checks for one request.
type RequestError struct {
	fields []FieldError
}

// Fields returns the individual field errors.
func (e *RequestError) Fields() []FieldError {
	return e.fields
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if len(e.fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(e.fields))
	for i := range e.fields {
		messages[i] = e.fields[i].Error()
	}
	return strings.Join(messages, "; ")
}

// GetValidator returns the singleton validator. The instance caches
// struct metadata, so sharing it is both safe and faster.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct checks s against its validate tags. Returns nil on
// success, or a *RequestError describing every failed field.
func ValidateStruct(s interface{}) *RequestError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &RequestError{fields: []FieldError{{Field: "request", Tag: "invalid"}}}
	}

	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field: fe.Field(),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}
	return &RequestError{fields: fields}
}
