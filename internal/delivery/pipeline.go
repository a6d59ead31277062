// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package delivery implements the message pipeline: persist first,
// then push. A message is durable before any session sees it, so a
// crash between the two steps loses an optimization, never a message.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/protocol"
	"github.com/tomtom215/parley/internal/store"
)

// Policy errors. These describe client mistakes, not infrastructure
// failures, and must never trip the persistence circuit breaker.
var (
	ErrInvalidRecipient   = errors.New("recipient does not exist")
	ErrNotOwner           = errors.New("actor does not own this message")
	ErrUnsendWindowClosed = errors.New("unsend window has closed")
	ErrInvalidContent     = errors.New("invalid message content")
	ErrContentTooLarge    = errors.New("message content too large")
)

// IsPolicyError reports whether err is a client-caused outcome rather
// than an infrastructure failure. Wired into the store breaker so bad
// requests cannot open the circuit.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrInvalidRecipient) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrUnsendWindowClosed) ||
		errors.Is(err, ErrInvalidContent) ||
		errors.Is(err, ErrContentTooLarge)
}

// Fanout pushes envelopes to live sessions.
type Fanout interface {
	DeliverToUser(userID string, env protocol.Envelope) int
	DeliverToUserExcept(userID, exceptSessionID string, env protocol.Envelope) int
}

// Config bounds the pipeline.
type Config struct {
	// MaxContentBytes caps message content size. Zero means unlimited.
	MaxContentBytes int

	// UnsendWindow is how long after creation a message may be
	// retracted. Zero means no limit.
	UnsendWindow time.Duration
}

// Pipeline validates, persists, and fans out messages and the receipt
// and mutation events that follow them.
type Pipeline struct {
	store  store.Store
	fanout Fanout
	cfg    Config

	now   func() time.Time
	newID func() string
}

// NewPipeline creates a Pipeline.
func NewPipeline(st store.Store, fanout Fanout, cfg Config) *Pipeline {
	return &Pipeline{
		store:  st,
		fanout: fanout,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Send validates and persists a new message, pushes it to the
// recipient's live sessions, and mirrors it to the sender's other
// sessions. The originating session gets its echo from the caller,
// which holds the client tag.
func (p *Pipeline) Send(ctx context.Context, senderID, originSessionID string, req protocol.SendRequest) (*protocol.Message, error) {
	if err := p.validateContent(req.Content, req.ContentType); err != nil {
		return nil, err
	}
	if req.RecipientID == "" {
		return nil, fmt.Errorf("%w: empty recipient", ErrInvalidRecipient)
	}

	exists, err := p.store.UserExists(ctx, req.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("check recipient: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRecipient, req.RecipientID)
	}

	msg := &protocol.Message{
		ID:          p.newID(),
		SenderID:    senderID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		ContentType: req.ContentType,
		CreatedAt:   p.now().UTC(),
		Status:      protocol.StatusSent,
		ReplyToID:   req.ReplyToID,
	}
	if err := p.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	if env, err := protocol.NewEnvelope(protocol.EventMessageReceive, protocol.MessageReceive{Message: msg}); err == nil {
		accepted := p.fanout.DeliverToUser(msg.RecipientID, env)
		logging.Ctx(ctx).Debug().
			Str("message_id", msg.ID).
			Str("recipient_id", msg.RecipientID).
			Int("sessions", accepted).
			Msg("message fanned out")
	}
	if msg.SenderID != msg.RecipientID {
		if env, err := protocol.NewEnvelope(protocol.EventMessageSent, protocol.MessageSent{Message: msg}); err == nil {
			p.fanout.DeliverToUserExcept(msg.SenderID, originSessionID, env)
		}
	}

	return msg, nil
}

// Ack advances a message's delivery status. Only the recipient may
// ack, the status only moves forward, and a stale receipt is a silent
// no-op. On an actual advance the sender's sessions and the
// recipient's other sessions are notified.
func (p *Pipeline) Ack(ctx context.Context, actorID, originSessionID string, req protocol.AckRequest) error {
	var target protocol.DeliveryStatus
	switch req.Kind {
	case protocol.AckDelivered:
		target = protocol.StatusDelivered
	case protocol.AckRead:
		target = protocol.StatusRead
	default:
		return fmt.Errorf("%w: unknown ack kind %q", ErrInvalidContent, req.Kind)
	}

	msg, err := p.store.UpdateMessage(ctx, req.MessageID, func(m *protocol.Message) error {
		if m.RecipientID != actorID {
			return ErrNotOwner
		}
		if m.Deleted || m.Status >= target {
			return store.ErrNoChange
		}
		m.Status = target
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	env, envErr := protocol.NewEnvelope(protocol.EventMessageStatus, protocol.MessageStatus{
		MessageID: msg.ID,
		Status:    msg.Status,
	})
	if envErr != nil {
		return nil
	}
	if msg.SenderID != msg.RecipientID {
		p.fanout.DeliverToUser(msg.SenderID, env)
	}
	p.fanout.DeliverToUserExcept(msg.RecipientID, originSessionID, env)
	return nil
}

// Edit replaces a message's content. Only the sender may edit, the
// delivery status is left untouched, and tombstoned messages cannot
// come back. Peers get a message.edited push; the caller echoes to the
// originating session.
func (p *Pipeline) Edit(ctx context.Context, actorID, originSessionID string, req protocol.EditRequest) (*protocol.Message, error) {
	msg, err := p.store.UpdateMessage(ctx, req.MessageID, func(m *protocol.Message) error {
		if m.SenderID != actorID {
			return ErrNotOwner
		}
		if m.Deleted {
			return store.ErrNotFound
		}
		if err := p.validateContent(req.Content, m.ContentType); err != nil {
			return err
		}
		at := p.now().UTC()
		m.Content = req.Content
		m.EditedAt = &at
		return nil
	})
	if err != nil {
		return nil, err
	}

	if env, envErr := protocol.NewEnvelope(protocol.EventMessageEdited, protocol.MessageEdited{
		MessageID: msg.ID,
		Content:   msg.Content,
		EditedAt:  *msg.EditedAt,
	}); envErr == nil {
		if msg.RecipientID != msg.SenderID {
			p.fanout.DeliverToUser(msg.RecipientID, env)
		}
		p.fanout.DeliverToUserExcept(msg.SenderID, originSessionID, env)
	}
	return msg, nil
}

// Unsend tombstones a message and scrubs its content. Only the sender
// may unsend, and only within the configured window of the message's
// creation. Retracting an already-retracted message is a no-op.
func (p *Pipeline) Unsend(ctx context.Context, actorID, originSessionID string, req protocol.UnsendRequest) error {
	msg, err := p.store.UpdateMessage(ctx, req.MessageID, func(m *protocol.Message) error {
		if m.SenderID != actorID {
			return ErrNotOwner
		}
		if m.Deleted {
			return store.ErrNoChange
		}
		if p.cfg.UnsendWindow > 0 && p.now().Sub(m.CreatedAt) > p.cfg.UnsendWindow {
			return ErrUnsendWindowClosed
		}
		m.Deleted = true
		m.Content = ""
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}

	if env, envErr := protocol.NewEnvelope(protocol.EventMessageUnsent, protocol.MessageUnsent{MessageID: msg.ID}); envErr == nil {
		if msg.RecipientID != msg.SenderID {
			p.fanout.DeliverToUser(msg.RecipientID, env)
		}
		p.fanout.DeliverToUserExcept(msg.SenderID, originSessionID, env)
	}
	return nil
}

func (p *Pipeline) validateContent(content, contentType string) error {
	if content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidContent)
	}
	if !protocol.ValidContentType(contentType) {
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidContent, contentType)
	}
	if p.cfg.MaxContentBytes > 0 && len(content) > p.cfg.MaxContentBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrContentTooLarge, len(content), p.cfg.MaxContentBytes)
	}
	return nil
}
