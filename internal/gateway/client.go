// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package gateway

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB

	sendBuffer  = 256
	syncBacklog = 256
)

// Client wraps one WebSocket connection. It implements registry.Sink
// so fanout can push envelopes into its send queue.
//
// Until the session finishes its initial resync, pushed envelopes are
// held back so the client never sees a live message before the
// backlog that precedes it. The resync result then flushes the held
// envelopes minus the messages the result already contains.
type Client struct {
	conn *websocket.Conn
	send chan protocol.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	gating  bool
	held    []protocol.Envelope
	dropped bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan protocol.Envelope, sendBuffer),
		done:   make(chan struct{}),
		gating: true,
	}
}

// Deliver implements registry.Sink. It never blocks: a session that
// cannot drain its queue is reported as unreachable and relies on
// resync to catch up.
func (c *Client) Deliver(env protocol.Envelope) bool {
	c.mu.Lock()
	if c.gating {
		if len(c.held) >= syncBacklog {
			c.dropped = true
			c.mu.Unlock()
			return false
		}
		c.held = append(c.held, env)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	return c.enqueue(env)
}

// Close implements registry.Sink. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue puts an envelope on the send queue, bypassing resync
// gating. Operation responses use this path so a client always gets
// its own echoes immediately.
func (c *Client) enqueue(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// goLive ends resync gating and flushes held envelopes, skipping
// message pushes whose IDs the resync result already delivered.
// Reports whether the hold queue overflowed while gated.
func (c *Client) goLive(alreadyDelivered map[string]struct{}) bool {
	c.mu.Lock()
	held := c.held
	dropped := c.dropped
	c.held = nil
	c.gating = false
	c.mu.Unlock()

	for _, env := range held {
		if env.Type == protocol.EventMessageReceive && len(alreadyDelivered) > 0 {
			var recv protocol.MessageReceive
			if err := env.Decode(&recv); err == nil && recv.Message != nil {
				if _, dup := alreadyDelivered[recv.Message.ID]; dup {
					continue
				}
			}
		}
		c.enqueue(env)
	}
	return dropped
}

// writePump drains the send queue to the connection and keeps the
// connection alive with pings. It owns all writes; when it returns the
// connection is closed, which in turn unblocks the read side.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush anything already queued, the auth error frame in
			// particular, before closing.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case env := <-c.send:
					if payload, err := json.Marshal(env); err == nil {
						_ = c.conn.WriteMessage(websocket.TextMessage, payload)
					}
					continue
				default:
				}
				break
			}
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case env := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			payload, err := json.Marshal(env)
			if err != nil {
				logging.Error().Err(err).Str("event", env.Type).Msg("marshal outbound envelope")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
