// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package services

import (
	"context"
	"time"

	"github.com/tomtom215/parley/internal/logging"
)

// TickerService runs a task at a fixed interval under supervision.
// Parley uses it for the presence sweeper, the stale session sweeper,
// and Badger value-log GC. The task's error is logged, not fatal: a
// failed sweep retries on the next tick.
type TickerService struct {
	name     string
	interval time.Duration
	task     func(ctx context.Context) error
}

// NewTickerService creates a TickerService.
func NewTickerService(name string, interval time.Duration, task func(ctx context.Context) error) *TickerService {
	return &TickerService{name: name, interval: interval, task: task}
}

// Serve implements suture.Service.
func (s *TickerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.task(ctx); err != nil {
				logging.Warn().Err(err).Str("service", s.name).Msg("periodic task failed")
			}
		}
	}
}

// String implements suture's service naming.
func (s *TickerService) String() string {
	return s.name
}
