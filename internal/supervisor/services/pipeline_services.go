// Fieldbase - Campaign Webhook to Airtable Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldbase

package services

import (
	"context"
)

// StartStopper is the lifecycle shape shared by the worker pool and the
// queue janitor.
type StartStopper interface {
	Start(ctx context.Context)
	Stop()
}

// PipelineService adapts a Start/Stop component to suture's Serve. The
// component runs until the context is canceled, then Stop blocks until
// its goroutines have settled.
type PipelineService struct {
	component StartStopper
	name      string
}

// NewWorkerPoolService wraps the sync worker pool.
func NewWorkerPoolService(pool StartStopper) *PipelineService {
	return &PipelineService{component: pool, name: "worker-pool"}
}

// NewJanitorService wraps the queue lease janitor.
func NewJanitorService(janitor StartStopper) *PipelineService {
	return &PipelineService{component: janitor, name: "queue-janitor"}
}

// Serve implements suture.Service.
func (s *PipelineService) Serve(ctx context.Context) error {
	s.component.Start(ctx)
	<-ctx.Done()
	s.component.Stop()
	return ctx.Err()
}

// String identifies the service in supervisor logs.
func (s *PipelineService) String() string {
	return s.name
}
