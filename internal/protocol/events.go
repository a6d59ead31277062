// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package protocol

import "time"

// AuthRequest is the first frame a client must send after connecting.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthOK confirms authentication and reports the assigned session.
type AuthOK struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// SendRequest asks the server to deliver a message to a recipient.
// ClientTag is an optional client-chosen correlation value echoed back
// in the MessageSent response; the server never interprets it.
type SendRequest struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	ReplyToID   string `json:"reply_to_id,omitempty"`
	ClientTag   string `json:"client_tag,omitempty"`
}

// Ack kinds for AckRequest.
const (
	AckDelivered = "delivered"
	AckRead      = "read"
)

// AckRequest reports receipt of a message by the recipient.
type AckRequest struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
}

// EditRequest replaces the content of a previously sent message.
type EditRequest struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// UnsendRequest retracts a previously sent message.
type UnsendRequest struct {
	MessageID string `json:"message_id"`
}

// SubscribeRequest registers interest in presence changes for a set of
// users. Repeated calls accumulate.
type SubscribeRequest struct {
	UserIDs []string `json:"user_ids"`
}

// ResyncRequest asks for messages missed since the given cursor.
// An empty or unparseable cursor yields a bounded recent window.
type ResyncRequest struct {
	SinceCursor string `json:"since_cursor,omitempty"`
}

// MessageSent is the sender echo for a successful SendRequest.
type MessageSent struct {
	Message   *Message `json:"message"`
	ClientTag string   `json:"client_tag,omitempty"`
}

// MessageReceive pushes a message to a recipient session.
type MessageReceive struct {
	Message *Message `json:"message"`
}

// MessageStatus notifies peers that a message's delivery status advanced.
type MessageStatus struct {
	MessageID string         `json:"message_id"`
	Status    DeliveryStatus `json:"status"`
}

// MessageEdited notifies peers that a message's content changed.
type MessageEdited struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// MessageUnsent notifies peers that a message was retracted.
type MessageUnsent struct {
	MessageID string `json:"message_id"`
}

// ResyncResult returns the backlog and a presence snapshot for the
// requesting session.
type ResyncResult struct {
	Messages []*Message      `json:"messages"`
	Presence []PresenceEntry `json:"presence"`
	Cursor   string          `json:"cursor,omitempty"`
}

// Error codes returned in ErrorEvent frames.
const (
	CodeAuthRequired           = "auth_required"
	CodeInvalidRecipient       = "invalid_recipient"
	CodeNotOwner               = "not_owner"
	CodeUnsendWindowClosed     = "unsend_window_closed"
	CodePersistenceUnavailable = "persistence_unavailable"
	CodeBadRequest             = "bad_request"
)

// ErrorEvent reports a per-operation failure to the client. The
// connection stays open; only authentication failures close it.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
