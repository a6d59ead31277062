// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package protocol defines the wire types shared by the gateway, the
// delivery pipeline and the HTTP API: the frame envelope, inbound and
// outbound event payloads, message and presence records, and the resync
// cursor format.
package protocol

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Envelope is the framing for every websocket frame in both directions.
// Data holds the event-specific payload and is decoded lazily so the
// dispatch loop can route on Type without knowing the payload shape.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Inbound event types (client to server).
const (
	EventAuth              = "auth"
	EventActivity          = "activity"
	EventMessageSend       = "message.send"
	EventMessageAck        = "message.ack"
	EventMessageEdit       = "message.edit"
	EventMessageUnsend     = "message.unsend"
	EventPresenceSubscribe = "presence.subscribe"
	EventResyncRequest     = "resync.request"
	EventPing              = "ping"
)

// Outbound event types (server to client).
const (
	EventAuthOK          = "auth.ok"
	EventPresenceChanged = "presence.changed"
	EventMessageReceive  = "message.receive"
	EventMessageSent     = "message.sent"
	EventMessageStatus   = "message.status"
	EventMessageEdited   = "message.edited"
	EventMessageUnsent   = "message.unsent"
	EventResyncResult    = "resync.result"
	EventError           = "error"
	EventPong            = "pong"
)

// DeliveryStatus is the per-message receipt state. The ordinal ordering
// sent < delivered < read is load-bearing: transitions move only upward.
type DeliveryStatus int

const (
	StatusSent DeliveryStatus = iota
	StatusDelivered
	StatusRead
)

// String returns the wire name of the status.
func (s DeliveryStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseDeliveryStatus converts a wire name to a DeliveryStatus.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch s {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	default:
		return StatusSent, fmt.Errorf("unknown delivery status %q", s)
	}
}

// MarshalJSON encodes the status as its wire name.
func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the status from its wire name.
func (s *DeliveryStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseDeliveryStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Content types accepted for message payloads.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentAudio = "audio"
	ContentFile  = "file"
)

// ValidContentType reports whether ct is an accepted content type.
func ValidContentType(ct string) bool {
	switch ct {
	case ContentText, ContentImage, ContentAudio, ContentFile:
		return true
	}
	return false
}

// Message is a direct message record. Deleted marks a tombstone: the
// record survives for history ordering but its content is cleared.
type Message struct {
	ID          string         `json:"id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      DeliveryStatus `json:"status"`
	EditedAt    *time.Time     `json:"edited_at,omitempty"`
	ReplyToID   string         `json:"reply_to_id,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
}

// Cursor identifies a resync position in a user's inbound history.
func (m *Message) Cursor() string {
	return EncodeCursor(m.CreatedAt, m.ID)
}

// PresenceStatus is a user's visible availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceEntry is one user's presence as reported to subscribers and
// snapshot queries. LastSeenAt is zero for users never seen.
type PresenceEntry struct {
	UserID     string         `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

// EncodeCursor builds an opaque resync cursor from a message's creation
// time and ID.
func EncodeCursor(createdAt time.Time, messageID string) string {
	return createdAt.UTC().Format(time.RFC3339Nano) + "/" + messageID
}

// DecodeCursor parses a cursor produced by EncodeCursor. Malformed
// cursors return ok=false; callers treat that as an absent cursor, never
// an error, so a stale client can always resync.
func DecodeCursor(cursor string) (createdAt time.Time, messageID string, ok bool) {
	idx := strings.LastIndexByte(cursor, '/')
	if idx <= 0 || idx == len(cursor)-1 {
		return time.Time{}, "", false
	}
	ts, err := time.Parse(time.RFC3339Nano, cursor[:idx])
	if err != nil {
		return time.Time{}, "", false
	}
	return ts, cursor[idx+1:], true
}
