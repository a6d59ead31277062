// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package resync reconciles a reconnecting session with what it missed
// while offline. The backlog is the union of the pending outbox and
// the inbox past the client's cursor: the cursor alone is not enough,
// because a client can advance its cursor past a message that was
// never delivered to it.
package resync

import (
	"context"
	"fmt"
	"sort"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/protocol"
	"github.com/tomtom215/parley/internal/store"
)

// Subscriptions exposes the presence side of a resync: which users the
// requester watches and what their current state is.
type Subscriptions interface {
	Targets(watcherID string) []string
	BulkQuery(userIDs []string) []protocol.PresenceEntry
}

// Reconciler builds resync results.
type Reconciler struct {
	store         store.Store
	subscriptions Subscriptions
	backlogLimit  int
}

// NewReconciler creates a Reconciler. backlogLimit caps the messages
// returned per request; clients page by resyncing again from the
// returned cursor.
func NewReconciler(st store.Store, subs Subscriptions, backlogLimit int) *Reconciler {
	return &Reconciler{store: st, subscriptions: subs, backlogLimit: backlogLimit}
}

// Resync returns the user's missed messages, a presence snapshot of
// their subscribed peers, and a new cursor. A missing or unparseable
// cursor degrades to a bounded recent window rather than an error.
// Tombstoned messages stay in the backlog so clients can drop their
// local copies.
func (r *Reconciler) Resync(ctx context.Context, userID, sinceCursor string) (*protocol.ResyncResult, error) {
	pending, err := r.store.PendingFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}

	var ranged []*protocol.Message
	if since, sinceID, ok := protocol.DecodeCursor(sinceCursor); ok {
		ranged, err = r.store.MessagesSince(ctx, userID, since, sinceID, r.backlogLimit)
	} else {
		if sinceCursor != "" {
			logging.Ctx(ctx).Warn().Str("user_id", userID).Msg("unparseable resync cursor, falling back to recent window")
		}
		ranged, err = r.store.RecentMessages(ctx, userID, r.backlogLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}

	messages := mergeBacklog(pending, ranged, r.backlogLimit)

	cursor := sinceCursor
	if len(messages) > 0 {
		cursor = messages[len(messages)-1].Cursor()
	}

	targets := r.subscriptions.Targets(userID)
	var snapshot []protocol.PresenceEntry
	if len(targets) > 0 {
		snapshot = r.subscriptions.BulkQuery(targets)
	}

	return &protocol.ResyncResult{
		Messages: messages,
		Presence: snapshot,
		Cursor:   cursor,
	}, nil
}

// mergeBacklog unions the two message sets, dedupes by ID, orders
// chronologically, and truncates to limit from the oldest end so a
// follow-up resync from the returned cursor pages through the rest.
func mergeBacklog(pending, ranged []*protocol.Message, limit int) []*protocol.Message {
	seen := make(map[string]struct{}, len(pending)+len(ranged))
	merged := make([]*protocol.Message, 0, len(pending)+len(ranged))
	for _, set := range [][]*protocol.Message{pending, ranged} {
		for _, msg := range set {
			if _, dup := seen[msg.ID]; dup {
				continue
			}
			seen[msg.ID] = struct{}{}
			merged = append(merged, msg)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
