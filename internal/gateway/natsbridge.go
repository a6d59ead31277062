// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package gateway

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/parley/internal/logging"
	"github.com/tomtom215/parley/internal/presence"
)

// NATSConn is the slice of *nats.Conn the bridge needs. Tests provide
// a fake; production passes the real connection.
type NATSConn interface {
	Publish(subject string, data []byte) error
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
}

// Bridge propagates presence events between nodes over NATS. Local
// transitions are exported to the shared subject; remote ones are
// injected into the local bus so the subscription router fans them out
// like any other transition. OriginNode breaks the loop: a node never
// re-imports or re-exports an event it did not originate.
type Bridge struct {
	conn    NATSConn
	bus     message.Publisher
	local   message.Subscriber
	subject string
	nodeID  string
}

// NewBridge creates a Bridge. subjectPrefix namespaces the NATS
// subject so several deployments can share a cluster.
func NewBridge(conn NATSConn, bus message.Publisher, local message.Subscriber, subjectPrefix, nodeID string) *Bridge {
	return &Bridge{
		conn:    conn,
		bus:     bus,
		local:   local,
		subject: subjectPrefix + ".presence",
		nodeID:  nodeID,
	}
}

// Serve runs the bridge until ctx is done. Implements suture.Service.
func (b *Bridge) Serve(ctx context.Context) error {
	localEvents, err := b.local.Subscribe(ctx, presence.Topic)
	if err != nil {
		return fmt.Errorf("subscribe local bus: %w", err)
	}

	remote := make(chan *nats.Msg, 256)
	sub, err := b.conn.ChanSubscribe(b.subject, remote)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	defer func() {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}()

	logging.Info().Str("subject", b.subject).Str("node_id", b.nodeID).Msg("nats presence bridge started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-localEvents:
			if !ok {
				return nil
			}
			b.export(msg)

		case msg, ok := <-remote:
			if !ok {
				return nil
			}
			b.inject(msg.Data)
		}
	}
}

// String implements suture's service naming.
func (b *Bridge) String() string {
	return "nats-presence-bridge"
}

// export publishes a locally originated event to the shared subject.
func (b *Bridge) export(msg *message.Message) {
	defer msg.Ack()

	var event presence.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		logging.Warn().Err(err).Msg("malformed local presence event")
		return
	}
	if event.OriginNode != b.nodeID {
		return
	}
	if err := b.conn.Publish(b.subject, msg.Payload); err != nil {
		logging.Error().Err(err).Str("subject", b.subject).Msg("export presence event")
	}
}

// inject republishes a remote event on the local bus.
func (b *Bridge) inject(payload []byte) {
	var event presence.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		logging.Warn().Err(err).Msg("malformed remote presence event")
		return
	}
	if event.OriginNode == b.nodeID {
		return
	}
	if err := b.bus.Publish(presence.Topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		logging.Error().Err(err).Msg("inject remote presence event")
	}
}
