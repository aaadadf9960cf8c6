// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package pubsub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/broker"
	"github.com/opalfleet/opal/internal/types"
)

func wsTestServer(t *testing.T) (*Hub, string) {
	t.Helper()
	b := broker.NewMemory(zerolog.Nop())
	h := NewHub("w1", types.BackboneChannel, b, zerolog.Nop())
	srv := httptest.NewServer(&WSHandler{Hub: h, Logger: zerolog.Nop()})
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialAndSubscribe opens a real websocket, consumes the welcome event
// and subscribes to the topics.
func dialAndSubscribe(t *testing.T, url string, topics []string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var welcome types.WSEvent
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("welcome read: %v", err)
	}
	if welcome.Topic != types.TopicWelcome {
		t.Fatalf("first event topic = %s, want %s", welcome.Topic, types.TopicWelcome)
	}
	var w types.Welcome
	if err := json.Unmarshal(welcome.Data, &w); err != nil || w.ClientID == "" {
		t.Fatalf("welcome payload = %s", welcome.Data)
	}

	params, err := json.Marshal(types.SubscribeParams{Topics: topics})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if err := conn.WriteJSON(types.WSRequest{ID: "1", Method: "subscribe", Params: params}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return conn
}

func waitForSubscribers(t *testing.T, h *Hub, topic string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.SubscriberCount(topic) != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count on %s never reached %d", topic, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Full round trip over a live socket: upgrade, welcome, subscribe,
// publish, receive.
func TestWebsocketDelivery(t *testing.T) {
	h, url := wsTestServer(t)
	conn := dialAndSubscribe(t, url, []string{"policy_data"})
	waitForSubscribers(t, h, "policy_data", 1)

	if err := h.Publish(context.Background(), "policy_data", json.RawMessage(`{"n":1}`), OriginLocal); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.WSEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("event read: %v", err)
	}
	if ev.Topic != "policy_data" {
		t.Errorf("topic = %s", ev.Topic)
	}
	if ev.NotifierID != "w1" {
		t.Errorf("notifier = %s", ev.NotifierID)
	}
	var payload struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.N != 1 {
		t.Errorf("payload = %s", ev.Data)
	}
}

// A client that drops and redials gets events published after its
// re-subscription; the old registration is fully torn down first.
func TestWebsocketReconnectResumesDelivery(t *testing.T) {
	h, url := wsTestServer(t)

	first := dialAndSubscribe(t, url, []string{"t"})
	waitForSubscribers(t, h, "t", 1)
	first.Close()
	waitForSubscribers(t, h, "t", 0)

	second := dialAndSubscribe(t, url, []string{"t"})
	waitForSubscribers(t, h, "t", 1)

	if err := h.Publish(context.Background(), "t", json.RawMessage(`{"n":2}`), OriginLocal); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.WSEvent
	if err := second.ReadJSON(&ev); err != nil {
		t.Fatalf("event read after reconnect: %v", err)
	}
	var payload struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.N != 2 {
		t.Errorf("payload = %s", ev.Data)
	}
}
