// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package subscription routes presence transitions to the users who
// asked for them. Each user subscribes to an explicit set of peers
// (their contact list); a transition fans out to exactly the sessions
// of its subscribers, never to the whole connected population.
package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/metrics"
	"github.com/tomtom215/parley/internal/presence"
	"github.com/tomtom215/parley/internal/protocol"
)

// Deliverer pushes envelopes to all live sessions of a user.
type Deliverer interface {
	DeliverToUser(userID string, env protocol.Envelope) int
}

// Snapshotter answers synchronous presence queries.
type Snapshotter interface {
	Snapshot(userIDs []string) []protocol.PresenceEntry
}

// Router maintains the watcher graph and fans presence events out to
// subscriber sessions.
type Router struct {
	mu sync.RWMutex
	// watchers maps a target user to the set of users watching them.
	watchers map[string]map[string]struct{}
	// targets maps a watcher to the set of users they watch.
	targets map[string]map[string]struct{}

	deliverer   Deliverer
	snapshotter Snapshotter
	subscriber  message.Subscriber
}

// NewRouter creates a Router. The subscriber feeds Serve; deliverer
// and snapshotter serve fanout and synchronous queries.
func NewRouter(subscriber message.Subscriber, deliverer Deliverer, snapshotter Snapshotter) *Router {
	return &Router{
		watchers:    make(map[string]map[string]struct{}),
		targets:     make(map[string]map[string]struct{}),
		deliverer:   deliverer,
		snapshotter: snapshotter,
		subscriber:  subscriber,
	}
}

// Subscribe adds targets to the watcher's subscription set and returns
// a current snapshot for exactly those targets. Repeated subscriptions
// accumulate; duplicates are no-ops.
func (r *Router) Subscribe(watcherID string, targetIDs []string) []protocol.PresenceEntry {
	r.mu.Lock()
	for _, target := range targetIDs {
		if target == "" {
			continue
		}
		watcherSet, ok := r.watchers[target]
		if !ok {
			watcherSet = make(map[string]struct{})
			r.watchers[target] = watcherSet
		}
		watcherSet[watcherID] = struct{}{}

		targetSet, ok := r.targets[watcherID]
		if !ok {
			targetSet = make(map[string]struct{})
			r.targets[watcherID] = targetSet
		}
		targetSet[target] = struct{}{}
	}
	r.mu.Unlock()

	return r.snapshotter.Snapshot(targetIDs)
}

// UnsubscribeAll drops every subscription held by the watcher. Called
// when the watcher's last session disconnects.
func (r *Router) UnsubscribeAll(watcherID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for target := range r.targets[watcherID] {
		watcherSet := r.watchers[target]
		delete(watcherSet, watcherID)
		if len(watcherSet) == 0 {
			delete(r.watchers, target)
		}
	}
	delete(r.targets, watcherID)
}

// BulkQuery returns a snapshot for the given users. Unknown users come
// back offline.
func (r *Router) BulkQuery(userIDs []string) []protocol.PresenceEntry {
	return r.snapshotter.Snapshot(userIDs)
}

// Targets returns the sorted set of users the watcher subscribes to.
func (r *Router) Targets(watcherID string) []string {
	r.mu.RLock()
	targetSet := r.targets[watcherID]
	out := make([]string, 0, len(targetSet))
	for target := range targetSet {
		out = append(out, target)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// WatcherCount returns how many users watch the target.
func (r *Router) WatcherCount(targetID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers[targetID])
}

// Serve consumes the presence topic until ctx is done, fanning each
// event out to its subscribers. Implements suture.Service.
func (r *Router) Serve(ctx context.Context) error {
	messages, err := r.subscriber.Subscribe(ctx, presence.Topic)
	if err != nil {
		return err
	}

	logging.Info().Msg("subscription router started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

// String implements suture's service naming.
func (r *Router) String() string {
	return "subscription-router"
}

// handle fans one presence event out to the sessions of its watchers.
func (r *Router) handle(msg *message.Message) {
	defer msg.Ack()

	var event presence.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		logging.Error().Err(err).Str("message_id", msg.UUID).Msg("malformed presence event")
		return
	}

	r.mu.RLock()
	watcherSet := r.watchers[event.UserID]
	watcherIDs := make([]string, 0, len(watcherSet))
	for watcherID := range watcherSet {
		watcherIDs = append(watcherIDs, watcherID)
	}
	r.mu.RUnlock()

	if len(watcherIDs) == 0 {
		return
	}

	env, err := protocol.NewEnvelope(protocol.EventPresenceChanged, protocol.PresenceEntry{
		UserID:     event.UserID,
		Status:     event.Status,
		LastSeenAt: event.LastSeenAt,
	})
	if err != nil {
		logging.Error().Err(err).Msg("marshal presence fanout")
		return
	}

	sessions := 0
	for _, watcherID := range watcherIDs {
		sessions += r.deliverer.DeliverToUser(watcherID, env)
	}
	metrics.RecordPresenceFanout(sessions)
}
