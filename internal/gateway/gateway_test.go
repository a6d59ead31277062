// Parley - Real-Time Chat Presence and Message Delivery Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parley

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/parley/internal/auth"
	"github.com/tomtom215/parley/internal/delivery"
	"github.com/tomtom215/parley/internal/presence"
	"github.com/tomtom215/parley/internal/protocol"
	"github.com/tomtom215/parley/internal/registry"
	"github.com/tomtom215/parley/internal/resync"
	"github.com/tomtom215/parley/internal/store"
	"github.com/tomtom215/parley/internal/subscription"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testHarness struct {
	server *httptest.Server
	auth   *auth.JWTManager
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	st, err := store.Open(store.Options{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	tracker := presence.New(pubSub, presence.Config{
		IdleTimeout: 5 * time.Minute,
		NodeID:      "node-test",
	})
	reg := registry.New(tracker)
	t.Cleanup(reg.Close)

	router := subscription.NewRouter(pubSub, reg, tracker)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = router.Serve(ctx) }()

	pipeline := delivery.NewPipeline(st, reg, delivery.Config{MaxContentBytes: 4096})
	reconciler := resync.NewReconciler(st, router, 50)

	authMgr, err := auth.NewJWTManager(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}

	gw := New(authMgr, st, reg, router, pipeline, reconciler)
	server := httptest.NewServer(gw)
	t.Cleanup(server.Close)

	return &testHarness{server: server, auth: authMgr}
}

func (h *testHarness) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := h.auth.GenerateToken(userID, userID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("build %s: %v", eventType, err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

// readEventOfType skips frames until one of the wanted type arrives.
// Presence pushes and message pushes interleave freely, so tests pin
// only the frames they assert on.
func readEventOfType(t *testing.T, conn *websocket.Conn, eventType string) protocol.Envelope {
	t.Helper()
	for range 20 {
		env := readEvent(t, conn)
		if env.Type == eventType {
			return env
		}
	}
	t.Fatalf("no %s frame arrived", eventType)
	return protocol.Envelope{}
}

// connect dials, authenticates, and resyncs so the session is live.
func (h *testHarness) connect(t *testing.T, userID string) (*websocket.Conn, protocol.AuthOK) {
	t.Helper()
	conn := h.dial(t)

	writeEvent(t, conn, protocol.EventAuth, protocol.AuthRequest{Token: h.token(t, userID)})
	env := readEvent(t, conn)
	if env.Type != protocol.EventAuthOK {
		t.Fatalf("auth reply = %s", env.Type)
	}
	var ok protocol.AuthOK
	if err := env.Decode(&ok); err != nil {
		t.Fatalf("decode auth.ok: %v", err)
	}

	writeEvent(t, conn, protocol.EventResyncRequest, protocol.ResyncRequest{})
	readEventOfType(t, conn, protocol.EventResyncResult)
	return conn, ok
}

func TestAuthHandshake(t *testing.T) {
	h := newTestHarness(t)

	t.Run("valid token", func(t *testing.T) {
		conn := h.dial(t)
		writeEvent(t, conn, protocol.EventAuth, protocol.AuthRequest{Token: h.token(t, "alice")})
		env := readEvent(t, conn)
		if env.Type != protocol.EventAuthOK {
			t.Fatalf("reply = %s", env.Type)
		}
		var ok protocol.AuthOK
		if err := env.Decode(&ok); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ok.UserID != "alice" || ok.SessionID == "" {
			t.Fatalf("auth.ok = %+v", ok)
		}
	})

	t.Run("first frame must be auth", func(t *testing.T) {
		conn := h.dial(t)
		writeEvent(t, conn, protocol.EventPing, struct{}{})
		env := readEvent(t, conn)
		if env.Type != protocol.EventError {
			t.Fatalf("reply = %s", env.Type)
		}
		var ee protocol.ErrorEvent
		if err := env.Decode(&ee); err != nil || ee.Code != protocol.CodeAuthRequired {
			t.Fatalf("error = %+v (err %v)", ee, err)
		}
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		conn := h.dial(t)
		writeEvent(t, conn, protocol.EventAuth, protocol.AuthRequest{Token: "garbage"})
		env := readEvent(t, conn)
		if env.Type != protocol.EventError {
			t.Fatalf("reply = %s", env.Type)
		}
	})
}

func TestMessageRoundTrip(t *testing.T) {
	h := newTestHarness(t)

	aliceConn, _ := h.connect(t, "alice")
	bobConn, _ := h.connect(t, "bob")

	writeEvent(t, aliceConn, protocol.EventMessageSend, protocol.SendRequest{
		RecipientID: "bob",
		Content:     "hello bob",
		ContentType: protocol.ContentText,
		ClientTag:   "tag-1",
	})

	env := readEventOfType(t, aliceConn, protocol.EventMessageSent)
	var sent protocol.MessageSent
	if err := env.Decode(&sent); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if sent.ClientTag != "tag-1" || sent.Message.Status != protocol.StatusSent {
		t.Fatalf("echo = %+v", sent)
	}

	env = readEventOfType(t, bobConn, protocol.EventMessageReceive)
	var recv protocol.MessageReceive
	if err := env.Decode(&recv); err != nil {
		t.Fatalf("decode receive: %v", err)
	}
	if recv.Message.ID != sent.Message.ID || recv.Message.Content != "hello bob" {
		t.Fatalf("received = %+v", recv.Message)
	}

	// Bob acks delivered; alice gets the status advance.
	writeEvent(t, bobConn, protocol.EventMessageAck, protocol.AckRequest{
		MessageID: recv.Message.ID,
		Kind:      protocol.AckDelivered,
	})
	env = readEventOfType(t, aliceConn, protocol.EventMessageStatus)
	var status protocol.MessageStatus
	if err := env.Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.MessageID != sent.Message.ID || status.Status != protocol.StatusDelivered {
		t.Fatalf("status = %+v", status)
	}
}

func TestMessagesArriveInSendOrder(t *testing.T) {
	h := newTestHarness(t)

	aliceConn, _ := h.connect(t, "alice")
	bobConn, _ := h.connect(t, "bob")

	contents := []string{"first", "second", "third", "fourth"}
	for _, content := range contents {
		writeEvent(t, aliceConn, protocol.EventMessageSend, protocol.SendRequest{
			RecipientID: "bob",
			Content:     content,
			ContentType: protocol.ContentText,
		})
		// Wait for the echo so sends enter the pipeline one at a time,
		// the way a single client connection serializes them.
		readEventOfType(t, aliceConn, protocol.EventMessageSent)
	}

	for i, want := range contents {
		env := readEventOfType(t, bobConn, protocol.EventMessageReceive)
		var recv protocol.MessageReceive
		if err := env.Decode(&recv); err != nil {
			t.Fatalf("decode receive %d: %v", i, err)
		}
		if recv.Message.Content != want {
			t.Fatalf("message %d = %q, want %q", i, recv.Message.Content, want)
		}
	}
}

func TestSendToUnknownRecipient(t *testing.T) {
	h := newTestHarness(t)
	conn, _ := h.connect(t, "alice")

	writeEvent(t, conn, protocol.EventMessageSend, protocol.SendRequest{
		RecipientID: "nobody",
		Content:     "hi",
		ContentType: protocol.ContentText,
	})
	env := readEventOfType(t, conn, protocol.EventError)
	var ee protocol.ErrorEvent
	if err := env.Decode(&ee); err != nil || ee.Code != protocol.CodeInvalidRecipient {
		t.Fatalf("error = %+v (err %v)", ee, err)
	}

	// The connection survives the rejected operation.
	writeEvent(t, conn, protocol.EventPing, struct{}{})
	if env := readEventOfType(t, conn, protocol.EventPong); env.Type != protocol.EventPong {
		t.Fatal("connection did not survive policy rejection")
	}
}

func TestPresenceSubscription(t *testing.T) {
	h := newTestHarness(t)

	aliceConn, _ := h.connect(t, "alice")
	_, _ = h.connect(t, "bob")

	writeEvent(t, aliceConn, protocol.EventPresenceSubscribe, protocol.SubscribeRequest{
		UserIDs: []string{"bob", "carol"},
	})

	// Snapshot: bob is online, carol unknown hence offline.
	seen := make(map[string]protocol.PresenceStatus)
	for range 2 {
		env := readEventOfType(t, aliceConn, protocol.EventPresenceChanged)
		var entry protocol.PresenceEntry
		if err := env.Decode(&entry); err != nil {
			t.Fatalf("decode entry: %v", err)
		}
		seen[entry.UserID] = entry.Status
	}
	if seen["bob"] != protocol.PresenceOnline {
		t.Fatalf("bob = %s, want online", seen["bob"])
	}
	if seen["carol"] != protocol.PresenceOffline {
		t.Fatalf("carol = %s, want offline", seen["carol"])
	}
}

func TestResyncReturnsPendingBacklog(t *testing.T) {
	h := newTestHarness(t)

	aliceConn, _ := h.connect(t, "alice")

	// Bob connects once so the store knows him, then goes away.
	bobConn, _ := h.connect(t, "bob")
	_ = bobConn.Close()

	writeEvent(t, aliceConn, protocol.EventMessageSend, protocol.SendRequest{
		RecipientID: "bob",
		Content:     "while you were out",
		ContentType: protocol.ContentText,
	})
	readEventOfType(t, aliceConn, protocol.EventMessageSent)

	// Bob reconnects and resyncs from scratch.
	conn := h.dial(t)
	writeEvent(t, conn, protocol.EventAuth, protocol.AuthRequest{Token: h.token(t, "bob")})
	if env := readEvent(t, conn); env.Type != protocol.EventAuthOK {
		t.Fatalf("auth reply = %s", env.Type)
	}
	writeEvent(t, conn, protocol.EventResyncRequest, protocol.ResyncRequest{})

	env := readEventOfType(t, conn, protocol.EventResyncResult)
	var result protocol.ResyncResult
	if err := env.Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Messages) != 1 || result.Messages[0].Content != "while you were out" {
		t.Fatalf("backlog = %+v", result.Messages)
	}
	if result.Cursor == "" {
		t.Fatal("expected a cursor")
	}
}

func TestUpgradeRequiresWebSocket(t *testing.T) {
	h := newTestHarness(t)

	resp, err := http.Get(h.server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
