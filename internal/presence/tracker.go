// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package presence derives each user's visible availability from their
// session lifecycle: offline -> online on first connect, online -> away
// after the idle timeout, and away/online -> offline once the last
// session has been gone longer than the offline grace period.
//
// The tracker implements registry.Observer, so transitions are computed
// under the registry's per-user serialization. State transitions are
// published as Events on the watermill topic; only real transitions
// publish, flapping inside the grace window is invisible.
package presence

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/metrics"
	"github.com/tomtom215/parley/internal/protocol"
)

// Topic is the watermill topic carrying presence Events.
const Topic = "presence.changed"

// Event is one presence transition. OriginNode lets the cluster bridge
// drop events it already forwarded.
type Event struct {
	UserID     string                  `json:"user_id"`
	Status     protocol.PresenceStatus `json:"status"`
	LastSeenAt time.Time               `json:"last_seen_at"`
	At         time.Time               `json:"at"`
	OriginNode string                  `json:"origin_node,omitempty"`
}

// Config tunes the tracker.
type Config struct {
	// IdleTimeout is how long without activity before online becomes away.
	IdleTimeout time.Duration

	// OfflineGrace delays the offline transition after the last session
	// disconnects. Zero publishes offline immediately.
	OfflineGrace time.Duration

	// NodeID stamps published events for the cluster bridge.
	NodeID string

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// userState is one user's presence bookkeeping.
type userState struct {
	status       protocol.PresenceStatus
	active       int
	lastActivity time.Time
	lastSeen     time.Time
	// graceUntil is nonzero while an offline transition is pending.
	graceUntil time.Time
}

// Tracker maintains per-user presence state and publishes transitions.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*userState

	publisher    message.Publisher
	idleTimeout  time.Duration
	offlineGrace time.Duration
	nodeID       string
	now          func() time.Time
}

// New creates a Tracker publishing transitions to publisher.
func New(publisher message.Publisher, cfg Config) *Tracker {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		states:       make(map[string]*userState),
		publisher:    publisher,
		idleTimeout:  cfg.IdleTimeout,
		offlineGrace: cfg.OfflineGrace,
		nodeID:       cfg.NodeID,
		now:          now,
	}
}

// UserSessionsChanged implements registry.Observer.
func (t *Tracker) UserSessionsChanged(userID string, active int, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state(userID)
	connected := active > state.active
	state.active = active

	if active > 0 {
		// Any session alive cancels a pending offline transition.
		// Reconnecting inside the grace window while still marked online
		// is silent.
		state.graceUntil = time.Time{}
		if connected {
			// A new device connecting counts as activity; a disconnect
			// that leaves other sessions does not.
			state.lastActivity = at
			state.lastSeen = at
			if state.status != protocol.PresenceOnline {
				t.transition(userID, state, protocol.PresenceOnline, at)
			}
		}
		return
	}

	// Last session gone: remember when, and debounce the offline flip.
	state.lastSeen = at
	if t.offlineGrace <= 0 {
		if state.status != protocol.PresenceOffline {
			t.transition(userID, state, protocol.PresenceOffline, at)
		}
		return
	}
	state.graceUntil = at.Add(t.offlineGrace)
}

// UserActivity implements registry.Observer.
func (t *Tracker) UserActivity(userID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state(userID)
	if state.active == 0 {
		// Activity races a disconnect; the grace path decides.
		return
	}
	state.lastActivity = at
	state.lastSeen = at
	if state.status == protocol.PresenceAway {
		t.transition(userID, state, protocol.PresenceOnline, at)
	}
}

// Sweep drives time-based transitions: online -> away past the idle
// timeout and pending -> offline past the grace deadline. Called
// periodically by the sweeper service.
func (t *Tracker) Sweep() {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for userID, state := range t.states {
		if state.active > 0 &&
			state.status == protocol.PresenceOnline &&
			t.idleTimeout > 0 &&
			now.Sub(state.lastActivity) >= t.idleTimeout {
			t.transition(userID, state, protocol.PresenceAway, now)
		}

		if state.active == 0 && !state.graceUntil.IsZero() && !now.Before(state.graceUntil) {
			state.graceUntil = time.Time{}
			if state.status != protocol.PresenceOffline {
				t.transition(userID, state, protocol.PresenceOffline, now)
			}
		}
	}
}

// Status returns one user's presence entry. Never-seen users are
// offline with a zero last-seen time.
func (t *Tracker) Status(userID string) protocol.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry(userID)
}

// Snapshot returns entries for the given users in the same order.
// Unknown users yield offline defaults, never errors.
func (t *Tracker) Snapshot(userIDs []string) []protocol.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]protocol.PresenceEntry, 0, len(userIDs))
	for _, userID := range userIDs {
		entries = append(entries, t.entry(userID))
	}
	return entries
}

// entry builds a PresenceEntry; callers hold mu.
func (t *Tracker) entry(userID string) protocol.PresenceEntry {
	state, ok := t.states[userID]
	if !ok {
		return protocol.PresenceEntry{
			UserID: userID,
			Status: protocol.PresenceOffline,
		}
	}
	return protocol.PresenceEntry{
		UserID:     userID,
		Status:     state.status,
		LastSeenAt: state.lastSeen,
	}
}

// state returns the user's state, creating an offline default; callers
// hold mu.
func (t *Tracker) state(userID string) *userState {
	s, ok := t.states[userID]
	if !ok {
		s = &userState{status: protocol.PresenceOffline}
		t.states[userID] = s
	}
	return s
}

// transition updates the state and publishes the event; callers hold
// mu, which keeps events in generation order.
func (t *Tracker) transition(userID string, state *userState, to protocol.PresenceStatus, at time.Time) {
	from := state.status
	state.status = to

	event := Event{
		UserID:     userID,
		Status:     to,
		LastSeenAt: state.lastSeen,
		At:         at,
		OriginNode: t.nodeID,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("marshal presence event")
		return
	}

	if err := t.publisher.Publish(Topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("publish presence event")
		return
	}
	metrics.RecordPresenceTransition(string(to))

	logging.Debug().
		Str("user_id", userID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("presence transition")
}
