// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package store persists messages, per-user inbox indexes, and the
// pending-delivery outbox in BadgerDB. It is the only durable truth in
// the system: registry and presence state are soft caches rebuilt from
// live connections after a restart.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/parley/internal/protocol"
)

var (
	// ErrNotFound is returned when a message or user record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the store cannot serve requests,
	// typically because the circuit breaker is open.
	ErrUnavailable = errors.New("persistence unavailable")

	// ErrNoChange aborts an UpdateMessage transaction without writing.
	// Mutate callbacks return it to signal a no-op (for example a stale
	// receipt); the unmodified message is still returned to the caller.
	ErrNoChange = errors.New("no change")
)

// Store is the durable message store. Implementations must serialize
// concurrent UpdateMessage calls per message ID.
type Store interface {
	// EnsureUser records that a user exists. Idempotent.
	EnsureUser(ctx context.Context, userID string) error

	// UserExists reports whether a user record exists.
	UserExists(ctx context.Context, userID string) (bool, error)

	// SaveMessage persists a new message, indexes it in the recipient's
	// inbox, and enqueues it on the recipient's pending-delivery outbox.
	SaveMessage(ctx context.Context, msg *protocol.Message) error

	// Message loads a message by ID. Returns ErrNotFound if absent.
	Message(ctx context.Context, id string) (*protocol.Message, error)

	// UpdateMessage applies mutate to the stored message inside a single
	// transaction and persists the result. If mutate returns ErrNoChange
	// nothing is written and the unmodified message is returned alongside
	// ErrNoChange. Any other mutate error aborts the transaction.
	//
	// When an update advances the status to delivered or beyond, or
	// tombstones the message, the outbox entry is removed in the same
	// transaction.
	UpdateMessage(ctx context.Context, id string, mutate func(*protocol.Message) error) (*protocol.Message, error)

	// MessagesSince returns the recipient's messages strictly after the
	// given position, oldest first, capped at limit.
	MessagesSince(ctx context.Context, userID string, since time.Time, sinceID string, limit int) ([]*protocol.Message, error)

	// RecentMessages returns the recipient's most recent messages,
	// oldest first, capped at limit. Used when a resync carries no
	// usable cursor.
	RecentMessages(ctx context.Context, userID string, limit int) ([]*protocol.Message, error)

	// PendingFor returns the recipient's undelivered messages, oldest
	// first. Entries leave the outbox when their status reaches
	// delivered or the message is tombstoned.
	PendingFor(ctx context.Context, userID string) ([]*protocol.Message, error)

	// Close releases the underlying database.
	Close() error
}
