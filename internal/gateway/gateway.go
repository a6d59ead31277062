// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

// Package gateway terminates WebSocket connections and dispatches
// client frames to the presence, delivery, and resync layers. One
// connection is one session; a user may hold any number of sessions.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/parley/internal/auth"
	"github.com/tomtom215/parley/internal/delivery"
	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/metrics"
	"github.com/tomtom215/parley/internal/protocol"
	"github.com/tomtom215/parley/internal/registry"
	"github.com/tomtom215/parley/internal/resync"
	"github.com/tomtom215/parley/internal/store"
	"github.com/tomtom215/parley/internal/subscription"
)

// authWait bounds how long a fresh connection may sit unauthenticated.
const authWait = 10 * time.Second

// Gateway owns the WebSocket endpoint.
type Gateway struct {
	auth       *auth.JWTManager
	store      store.Store
	registry   *registry.Registry
	router     *subscription.Router
	pipeline   *delivery.Pipeline
	reconciler *resync.Reconciler
	upgrader   websocket.Upgrader
}

// New creates a Gateway.
func New(authMgr *auth.JWTManager, st store.Store, reg *registry.Registry, router *subscription.Router, pipeline *delivery.Pipeline, reconciler *resync.Reconciler) *Gateway {
	return &Gateway{
		auth:       authMgr,
		store:      st,
		registry:   reg,
		router:     router,
		pipeline:   pipeline,
		reconciler: reconciler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The JWT in the first frame is the trust boundary, not
			// the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the session to
// completion.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn)
	go client.writePump()
	// Blocks until the session ends so the request context stays
	// valid for the session's store operations.
	g.serve(r.Context(), client)
}

// serve reads frames for one connection: first the auth handshake,
// then the operation loop until the connection drops.
func (g *Gateway) serve(ctx context.Context, client *Client) {
	defer client.Close()

	client.conn.SetReadLimit(maxMessageSize)

	session, ok := g.authenticate(ctx, client)
	if !ok {
		metrics.RecordConnection("auth_failed")
		return
	}
	metrics.RecordConnection("accepted")
	metrics.ActiveConnections.Inc()

	log := logging.With().
		Str("user_id", session.UserID).
		Str("session_id", session.ID).
		Logger()
	log.Info().Msg("session established")

	defer func() {
		g.registry.Unregister(session.ID)
		if g.registry.ActiveCount(session.UserID) == 0 {
			g.router.UnsubscribeAll(session.UserID)
		}
		metrics.ActiveConnections.Dec()
		metrics.RecordConnection("closed")
		log.Info().Msg("session closed")
	}()

	if err := client.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	client.conn.SetPongHandler(func(string) error {
		g.registry.Touch(session.ID)
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env protocol.Envelope
		if err := client.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		g.dispatch(ctx, client, session, env)
	}
}

// authenticate enforces the auth-first handshake: the first frame must
// be a valid auth event or the connection closes.
func (g *Gateway) authenticate(ctx context.Context, client *Client) (*registry.Session, bool) {
	if err := client.conn.SetReadDeadline(time.Now().Add(authWait)); err != nil {
		return nil, false
	}

	var env protocol.Envelope
	if err := client.conn.ReadJSON(&env); err != nil {
		return nil, false
	}
	if env.Type != protocol.EventAuth {
		g.writeError(client, protocol.CodeAuthRequired, "first frame must be auth")
		return nil, false
	}

	var req protocol.AuthRequest
	if err := env.Decode(&req); err != nil {
		g.writeError(client, protocol.CodeAuthRequired, "malformed auth frame")
		return nil, false
	}

	claims, err := g.auth.ValidateToken(req.Token)
	if err != nil {
		logging.Warn().Err(err).Msg("token rejected")
		g.writeError(client, protocol.CodeAuthRequired, "invalid token")
		return nil, false
	}

	userID := claims.UserID()
	if err := g.store.EnsureUser(ctx, userID); err != nil {
		logging.Error().Err(err).Str("user_id", userID).Msg("ensure user")
		g.writeError(client, protocol.CodePersistenceUnavailable, "try again later")
		return nil, false
	}

	session, err := g.registry.Register(userID, client)
	if err != nil {
		g.writeError(client, protocol.CodeBadRequest, "server shutting down")
		return nil, false
	}

	g.send(client, protocol.EventAuthOK, protocol.AuthOK{
		UserID:    userID,
		SessionID: session.ID,
	})
	return session, true
}

// dispatch routes one authenticated frame. Operation failures are
// reported on the same connection and never tear it down.
func (g *Gateway) dispatch(ctx context.Context, client *Client, session *registry.Session, env protocol.Envelope) {
	if env.Type != protocol.EventPing {
		g.registry.Touch(session.ID)
	}

	// Any operation other than resync takes the session live; the
	// client chose to skip reconciliation.
	if env.Type != protocol.EventResyncRequest && env.Type != protocol.EventPing {
		client.goLive(nil)
	}

	switch env.Type {
	case protocol.EventPing:
		g.send(client, protocol.EventPong, struct{}{})

	case protocol.EventActivity:
		// Touch above is the whole effect.

	case protocol.EventPresenceSubscribe:
		var req protocol.SubscribeRequest
		if err := env.Decode(&req); err != nil {
			g.writeError(client, protocol.CodeBadRequest, "malformed subscribe frame")
			return
		}
		for _, entry := range g.router.Subscribe(session.UserID, req.UserIDs) {
			g.send(client, protocol.EventPresenceChanged, entry)
		}

	case protocol.EventMessageSend:
		var req protocol.SendRequest
		if err := env.Decode(&req); err != nil {
			g.writeError(client, protocol.CodeBadRequest, "malformed send frame")
			return
		}
		msg, err := g.pipeline.Send(ctx, session.UserID, session.ID, req)
		if err != nil {
			g.reportError(client, err)
			return
		}
		metrics.MessagesSent.Inc()
		g.send(client, protocol.EventMessageSent, protocol.MessageSent{
			Message:   msg,
			ClientTag: req.ClientTag,
		})

	case protocol.EventMessageAck:
		var req protocol.AckRequest
		if err := env.Decode(&req); err != nil {
			g.writeError(client, protocol.CodeBadRequest, "malformed ack frame")
			return
		}
		if err := g.pipeline.Ack(ctx, session.UserID, session.ID, req); err != nil {
			g.reportError(client, err)
			return
		}
		metrics.MessageStatusAdvances.WithLabelValues(req.Kind).Inc()

	case protocol.EventMessageEdit:
		var req protocol.EditRequest
		if err := env.Decode(&req); err != nil {
			g.writeError(client, protocol.CodeBadRequest, "malformed edit frame")
			return
		}
		msg, err := g.pipeline.Edit(ctx, session.UserID, session.ID, req)
		if err != nil {
			g.reportError(client, err)
			return
		}
		metrics.MessageMutations.WithLabelValues("edit").Inc()
		g.send(client, protocol.EventMessageEdited, protocol.MessageEdited{
			MessageID: msg.ID,
			Content:   msg.Content,
			EditedAt:  *msg.EditedAt,
		})

	case protocol.EventMessageUnsend:
		var req protocol.UnsendRequest
		if err := env.Decode(&req); err != nil {
			g.writeError(client, protocol.CodeBadRequest, "malformed unsend frame")
			return
		}
		if err := g.pipeline.Unsend(ctx, session.UserID, session.ID, req); err != nil {
			g.reportError(client, err)
			return
		}
		metrics.MessageMutations.WithLabelValues("unsend").Inc()
		g.send(client, protocol.EventMessageUnsent, protocol.MessageUnsent{MessageID: req.MessageID})

	case protocol.EventResyncRequest:
		var req protocol.ResyncRequest
		if err := env.Decode(&req); err != nil {
			g.writeError(client, protocol.CodeBadRequest, "malformed resync frame")
			return
		}
		g.resync(ctx, client, session, req)

	default:
		g.writeError(client, protocol.CodeBadRequest, "unknown event type "+env.Type)
	}
}

func (g *Gateway) resync(ctx context.Context, client *Client, session *registry.Session, req protocol.ResyncRequest) {
	start := time.Now()
	result, err := g.reconciler.Resync(ctx, session.UserID, req.SinceCursor)
	if err != nil {
		g.reportError(client, err)
		return
	}
	metrics.RecordResync(time.Since(start), len(result.Messages))

	g.send(client, protocol.EventResyncResult, result)

	delivered := make(map[string]struct{}, len(result.Messages))
	for _, msg := range result.Messages {
		delivered[msg.ID] = struct{}{}
	}
	if client.goLive(delivered) {
		// The hold queue overflowed while reconciling; anything shed
		// is still durable, so tell the client to resync again.
		logging.Warn().
			Str("session_id", session.ID).
			Msg("resync hold queue overflowed")
	}
}

// send marshals a payload and queues it for the session.
func (g *Gateway) send(client *Client, eventType string, payload any) {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		logging.Error().Err(err).Str("event", eventType).Msg("marshal event")
		return
	}
	client.enqueue(env)
}

func (g *Gateway) writeError(client *Client, code, message string) {
	metrics.PolicyRejections.WithLabelValues(code).Inc()
	g.send(client, protocol.EventError, protocol.ErrorEvent{Code: code, Message: message})
}

// reportError maps an operation error onto a protocol error frame.
func (g *Gateway) reportError(client *Client, err error) {
	switch {
	case errors.Is(err, delivery.ErrInvalidRecipient):
		g.writeError(client, protocol.CodeInvalidRecipient, "recipient does not exist")
	case errors.Is(err, delivery.ErrNotOwner):
		g.writeError(client, protocol.CodeNotOwner, "not permitted for this message")
	case errors.Is(err, delivery.ErrUnsendWindowClosed):
		g.writeError(client, protocol.CodeUnsendWindowClosed, "unsend window has closed")
	case errors.Is(err, delivery.ErrInvalidContent), errors.Is(err, delivery.ErrContentTooLarge):
		g.writeError(client, protocol.CodeBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.writeError(client, protocol.CodeBadRequest, "unknown message")
	case errors.Is(err, store.ErrUnavailable):
		metrics.RecordStoreError("unavailable")
		g.writeError(client, protocol.CodePersistenceUnavailable, "try again later")
	default:
		logging.Error().Err(err).Msg("operation failed")
		g.writeError(client, protocol.CodeBadRequest, "operation failed")
	}
}
