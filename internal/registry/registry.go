// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package registry tracks live websocket sessions per user. A user may
// hold several sessions at once (one per device); the registry is the
// process-local map from user IDs to their reachable connections.
//
// Registry state is a soft cache over the live connections: it is
// rebuilt empty on restart and repopulates as clients reconnect.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/metrics"
	"github.com/tomtom215/parley/internal/protocol"
)

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("registry closed")

// Sink is the delivery endpoint of one session. Deliver must not
// block: implementations enqueue on a bounded buffer and report false
// when the session cannot accept the frame.
type Sink interface {
	Deliver(env protocol.Envelope) bool
	Close()
}

// Observer receives session lifecycle callbacks. Callbacks for one
// user are serialized under that user's lock, so implementations see
// session counts in a consistent order.
type Observer interface {
	// UserSessionsChanged fires after a register or unregister changed
	// the user's active session count.
	UserSessionsChanged(userID string, active int, at time.Time)

	// UserActivity fires when any of the user's sessions reports
	// client activity.
	UserActivity(userID string, at time.Time)
}

// Session is one live connection belonging to a user.
type Session struct {
	ID          string
	UserID      string
	Sink        Sink
	ConnectedAt time.Time

	// lastActivity is guarded by the registry mutex.
	lastActivity time.Time
}

// Registry tracks sessions by ID and by user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	closed   bool

	userLocks keyedMutex
	observer  Observer
	now       func() time.Time
}

// New creates a Registry. The observer may be nil.
func New(observer Observer) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		observer: observer,
		now:      time.Now,
	}
}

// Register adds a session for the user and returns it. The observer
// sees the updated session count before Register returns.
func (r *Registry) Register(userID string, sink Sink) (*Session, error) {
	userMu := r.userLocks.lock(userID)
	defer userMu.Unlock()

	now := r.now()
	session := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Sink:         sink,
		ConnectedAt:  now,
		lastActivity: now,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.sessions[session.ID] = session
	userSessions, ok := r.byUser[userID]
	if !ok {
		userSessions = make(map[string]*Session)
		r.byUser[userID] = userSessions
	}
	userSessions[session.ID] = session
	active := len(userSessions)
	r.mu.Unlock()

	logging.Debug().
		Str("user_id", userID).
		Str("session_id", session.ID).
		Int("active", active).
		Msg("session registered")

	if r.observer != nil {
		r.observer.UserSessionsChanged(userID, active, now)
	}
	return session, nil
}

// Unregister removes a session. Idempotent: unknown or already-removed
// session IDs are no-ops.
func (r *Registry) Unregister(sessionID string) {
	r.mu.RLock()
	session, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	userMu := r.userLocks.lock(session.UserID)
	defer userMu.Unlock()

	now := r.now()

	r.mu.Lock()
	session, ok = r.sessions[sessionID]
	if !ok {
		// Lost the race with another Unregister.
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	userSessions := r.byUser[session.UserID]
	delete(userSessions, sessionID)
	active := len(userSessions)
	if active == 0 {
		delete(r.byUser, session.UserID)
	}
	r.mu.Unlock()

	logging.Debug().
		Str("user_id", session.UserID).
		Str("session_id", sessionID).
		Int("active", active).
		Msg("session unregistered")

	if r.observer != nil {
		r.observer.UserSessionsChanged(session.UserID, active, now)
	}
}

// Touch records client activity on a session and notifies the observer.
func (r *Registry) Touch(sessionID string) {
	now := r.now()

	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		session.lastActivity = now
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if r.observer != nil {
		r.observer.UserActivity(session.UserID, now)
	}
}

// SessionsFor returns a snapshot of the user's sessions.
func (r *Registry) SessionsFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions := r.byUser[userID]
	if len(userSessions) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(userSessions))
	for _, s := range userSessions {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user has at least one session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ActiveCount returns the user's session count.
func (r *Registry) ActiveCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Len returns the total session count across all users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DeliverToUser pushes an envelope to every session of the user and
// returns how many sessions accepted it. Zero means the user is
// unreachable right now; durable state, not this path, guarantees the
// message is not lost.
func (r *Registry) DeliverToUser(userID string, env protocol.Envelope) int {
	delivered := 0
	for _, session := range r.SessionsFor(userID) {
		if session.Sink.Deliver(env) {
			delivered++
		}
	}
	return delivered
}

// DeliverToUserExcept pushes an envelope to every session of the user
// except the named one. Used to keep a user's other devices in sync
// without echoing back to the session that triggered the change.
func (r *Registry) DeliverToUserExcept(userID, exceptSessionID string, env protocol.Envelope) int {
	delivered := 0
	for _, session := range r.SessionsFor(userID) {
		if session.ID == exceptSessionID {
			continue
		}
		if session.Sink.Deliver(env) {
			delivered++
		}
	}
	return delivered
}

// SweepStale evicts sessions idle longer than ttl and returns how many
// were removed. The eviction closes each session's sink so its
// connection tears down.
func (r *Registry) SweepStale(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	type staleSession struct {
		session  *Session
		lastSeen time.Time
	}

	r.mu.RLock()
	var stale []staleSession
	for _, session := range r.sessions {
		if session.lastActivity.Before(cutoff) {
			stale = append(stale, staleSession{session, session.lastActivity})
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		session := s.session
		logging.Info().
			Str("user_id", session.UserID).
			Str("session_id", session.ID).
			Time("last_activity", s.lastSeen).
			Msg("evicting stale session")
		session.Sink.Close()
		r.Unregister(session.ID)
		metrics.RecordConnection("evicted")
	}
	return len(stale)
}

// Close marks the registry closed and tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*Session
	for _, session := range r.sessions {
		all = append(all, session)
	}
	r.mu.Unlock()

	for _, session := range all {
		session.Sink.Close()
		r.Unregister(session.ID)
	}
}
