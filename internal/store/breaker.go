// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/protocol"
)

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold uint32

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
	}
}

// BreakerStore wraps a Store with a circuit breaker. When the backing
// store fails repeatedly the breaker opens and operations fail fast
// with ErrUnavailable instead of piling up on a sick database.
//
// Domain outcomes are not failures: ErrNotFound, ErrNoChange, context
// cancellation, and any error matched by the domainErr predicate count
// as successes so that client mistakes can never open the breaker.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore wraps inner with a circuit breaker. domainErr may be
// nil; when set it marks additional errors as domain outcomes.
func NewBreakerStore(inner Store, cfg BreakerConfig, domainErr func(error) bool) *BreakerStore {
	settings := gobreaker.Settings{
		Name:    "message-store",
		Timeout: cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoChange) {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return domainErr != nil && domainErr(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state changed")
		},
	}

	return &BreakerStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[any](settings),
	}
}

// execute runs fn through the breaker, mapping open-breaker errors to
// ErrUnavailable.
func (s *BreakerStore) execute(fn func() (any, error)) (any, error) {
	result, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, err
}

// EnsureUser implements Store.
func (s *BreakerStore) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.inner.EnsureUser(ctx, userID)
	})
	return err
}

// UserExists implements Store.
func (s *BreakerStore) UserExists(ctx context.Context, userID string) (bool, error) {
	result, err := s.execute(func() (any, error) {
		return s.inner.UserExists(ctx, userID)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// SaveMessage implements Store.
func (s *BreakerStore) SaveMessage(ctx context.Context, msg *protocol.Message) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.inner.SaveMessage(ctx, msg)
	})
	return err
}

// Message implements Store.
func (s *BreakerStore) Message(ctx context.Context, id string) (*protocol.Message, error) {
	result, err := s.execute(func() (any, error) {
		return s.inner.Message(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*protocol.Message), nil
}

// UpdateMessage implements Store. ErrNoChange passes through with the
// unmodified message, matching the inner store's contract.
func (s *BreakerStore) UpdateMessage(ctx context.Context, id string, mutate func(*protocol.Message) error) (*protocol.Message, error) {
	var msg *protocol.Message
	_, err := s.execute(func() (any, error) {
		var innerErr error
		msg, innerErr = s.inner.UpdateMessage(ctx, id, mutate)
		return nil, innerErr
	})
	return msg, err
}

// MessagesSince implements Store.
func (s *BreakerStore) MessagesSince(ctx context.Context, userID string, since time.Time, sinceID string, limit int) ([]*protocol.Message, error) {
	result, err := s.execute(func() (any, error) {
		return s.inner.MessagesSince(ctx, userID, since, sinceID, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*protocol.Message), nil
}

// RecentMessages implements Store.
func (s *BreakerStore) RecentMessages(ctx context.Context, userID string, limit int) ([]*protocol.Message, error) {
	result, err := s.execute(func() (any, error) {
		return s.inner.RecentMessages(ctx, userID, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*protocol.Message), nil
}

// PendingFor implements Store.
func (s *BreakerStore) PendingFor(ctx context.Context, userID string) ([]*protocol.Message, error) {
	result, err := s.execute(func() (any, error) {
		return s.inner.PendingFor(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*protocol.Message), nil
}

// Close implements Store. Close bypasses the breaker.
func (s *BreakerStore) Close() error {
	return s.inner.Close()
}

// State returns the breaker state for the readiness probe.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}
