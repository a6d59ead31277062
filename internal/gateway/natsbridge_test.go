// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/tomtom215/parley/internal/presence"
	"github.com/tomtom215/parley/internal/protocol"
)

type fakeNATS struct {
	mu        sync.Mutex
	published [][]byte
	remote    chan *nats.Msg
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, data)
	return nil
}

func (f *fakeNATS) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = ch
	return nil, nil
}

func (f *fakeNATS) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeNATS) injectRemote(t *testing.T, event presence.Event) {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	ch := f.remote
	f.mu.Unlock()
	ch <- &nats.Msg{Subject: "parley.presence", Data: payload}
}

func newTestBridge(t *testing.T) (*fakeNATS, *gochannel.GoChannel) {
	t.Helper()

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	conn := &fakeNATS{}
	bridge := NewBridge(conn, pubSub, pubSub, "parley", "node-a")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Wait until the bridge has subscribed both sides.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		ready := conn.remote != nil
		conn.mu.Unlock()
		if ready {
			return conn, pubSub
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bridge never subscribed")
	return nil, nil
}

func publishLocal(t *testing.T, pubSub *gochannel.GoChannel, event presence.Event) {
	t.Helper()
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := pubSub.Publish(presence.Topic, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestBridgeExportsLocalEvents(t *testing.T) {
	conn, pubSub := newTestBridge(t)

	at := time.Now().UTC()
	publishLocal(t, pubSub, presence.Event{
		UserID: "alice", Status: protocol.PresenceOnline, LastSeenAt: at, At: at, OriginNode: "node-a",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn.publishedCount() == 1 {
			var event presence.Event
			conn.mu.Lock()
			payload := conn.published[0]
			conn.mu.Unlock()
			if err := json.Unmarshal(payload, &event); err != nil {
				t.Fatalf("unmarshal exported: %v", err)
			}
			if event.UserID != "alice" || event.OriginNode != "node-a" {
				t.Fatalf("exported = %+v", event)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("local event never exported")
}

func TestBridgeIgnoresForeignLocalEvents(t *testing.T) {
	conn, pubSub := newTestBridge(t)

	at := time.Now().UTC()
	// An event originated elsewhere showing up on the local bus (it
	// was injected by this very bridge) must not be re-exported.
	publishLocal(t, pubSub, presence.Event{
		UserID: "bob", Status: protocol.PresenceOnline, LastSeenAt: at, At: at, OriginNode: "node-b",
	})

	time.Sleep(100 * time.Millisecond)
	if got := conn.publishedCount(); got != 0 {
		t.Fatalf("re-exported %d foreign events", got)
	}
}

func TestBridgeInjectsRemoteEvents(t *testing.T) {
	conn, pubSub := newTestBridge(t)

	localEvents, err := pubSub.Subscribe(context.Background(), presence.Topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	at := time.Now().UTC()
	conn.injectRemote(t, presence.Event{
		UserID: "carol", Status: protocol.PresenceAway, LastSeenAt: at, At: at, OriginNode: "node-b",
	})

	select {
	case msg := <-localEvents:
		msg.Ack()
		var event presence.Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.Fatalf("unmarshal injected: %v", err)
		}
		if event.UserID != "carol" || event.OriginNode != "node-b" {
			t.Fatalf("injected = %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote event never reached the local bus")
	}
}

func TestBridgeDropsOwnRemoteEcho(t *testing.T) {
	conn, pubSub := newTestBridge(t)

	localEvents, err := pubSub.Subscribe(context.Background(), presence.Topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	at := time.Now().UTC()
	conn.injectRemote(t, presence.Event{
		UserID: "alice", Status: protocol.PresenceOnline, LastSeenAt: at, At: at, OriginNode: "node-a",
	})

	select {
	case msg := <-localEvents:
		t.Fatalf("own echo re-injected: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}
