// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/opalfleet/opal/internal/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Default idle-drop window when none is configured. A connection
	// that neither sends nor answers pings within it is dropped.
	pongWait = 60 * time.Second

	maxMessageSize = 1 << 20

	// sendBuffer gives the writer headroom during bursts; a full
	// buffer marks the connection slow and the message is dropped.
	sendBuffer = 256
)

// Conn is one long-lived websocket connection registered with the hub.
// The hub goroutines enqueue on send; a single writer pump drains it,
// preserving per-topic FIFO order.
type Conn struct {
	hub      *Hub
	ws       *websocket.Conn
	clientID string
	remote   string
	joined   time.Time
	send     chan []byte
	done     chan struct{}
	limiter  *rate.Limiter
	idleDrop time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	topics    map[string]struct{}
	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn, clientID string, limiter *rate.Limiter, idleDrop time.Duration, logger zerolog.Logger) *Conn {
	if idleDrop <= 0 {
		idleDrop = pongWait
	}
	return &Conn{
		hub:      hub,
		ws:       ws,
		clientID: clientID,
		remote:   ws.RemoteAddr().String(),
		joined:   time.Now(),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		limiter:  limiter,
		idleDrop: idleDrop,
		logger:   logger.With().Str("client_id", clientID).Logger(),
		topics:   make(map[string]struct{}),
	}
}

// enqueue hands a marshalled event to the writer pump. Returns false
// when the connection is too slow to keep up.
func (c *Conn) enqueue(raw []byte) bool {
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *Conn) addTopics(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
}

func (c *Conn) removeTopics(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
}

func (c *Conn) stat() types.ClientStat {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	return types.ClientStat{
		ClientID:      c.clientID,
		WorkerID:      c.hub.workerID,
		Topics:        topics,
		ConnectedAt:   c.joined,
		RemoteAddress: c.remote,
	}
}

// close tears the connection down exactly once. The send channel is
// never closed: hub goroutines may still be enqueueing on it while the
// connection goes away, and enqueueing on a drained channel is harmless
// while a send on a closed one panics.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.done)
	})
}

// serve runs the read and write pumps until either side ends the
// connection or ctx is cancelled.
func (c *Conn) serve(ctx context.Context) {
	c.hub.register(c)

	welcome, _ := json.Marshal(types.Welcome{ClientID: c.clientID, WorkerID: c.hub.workerID})
	event, _ := json.Marshal(types.WSEvent{Topic: types.TopicWelcome, Data: welcome, NotifierID: c.hub.workerID})
	c.enqueue(event)

	writerDone := make(chan struct{})
	go func() {
		c.writePump(ctx)
		close(writerDone)
	}()
	c.readPump(ctx)
	c.close()
	<-writerDone
}

// readPump consumes client requests: subscribe, unsubscribe, notify.
// A client exceeding its rate limit has the offending message dropped.
func (c *Conn) readPump(ctx context.Context) {
	defer c.ws.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.idleDrop))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.idleDrop))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warn().Msg("rate limit exceeded, dropping message")
			continue
		}

		var req types.WSRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed request")
			continue
		}

		switch req.Method {
		case "subscribe":
			var params types.SubscribeParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				c.logger.Warn().Err(err).Msg("dropping malformed subscribe params")
				continue
			}
			c.hub.Subscribe(c, params.Topics)
			c.logger.Debug().Strs("topics", params.Topics).Msg("subscribed")
		case "unsubscribe":
			var params types.SubscribeParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				c.logger.Warn().Err(err).Msg("dropping malformed unsubscribe params")
				continue
			}
			c.hub.Unsubscribe(c, params.Topics)
		case "notify":
			var params types.NotifyParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				c.logger.Warn().Err(err).Msg("dropping malformed notify params")
				continue
			}
			if err := c.hub.Publish(ctx, params.Topic, params.Data, OriginLocal); err != nil {
				c.logger.Warn().Err(err).Str("topic", params.Topic).Msg("notify publish failed")
			}
		default:
			c.logger.Warn().Str("method", req.Method).Msg("dropping request with unknown method")
		}
	}
}

// writePump drains the send buffer and keeps the connection alive
// with periodic pings.
func (c *Conn) writePump(ctx context.Context) {
	// Ping comfortably inside the idle-drop window so a live peer
	// always has a pong in flight before the deadline.
	ticker := time.NewTicker(c.idleDrop * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
