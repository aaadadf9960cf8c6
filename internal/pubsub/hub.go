// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package pubsub implements the topic-based message bus between one
// server worker and its connected clients, bridged across workers by
// the backbone broker.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/broker"
	"github.com/opalfleet/opal/internal/types"
)

// Origin of a publish: local publishes are fanned out to the backbone,
// remote ones (received from the backbone) are not re-broadcast.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

var (
	publishCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opal_hub_publishes_total",
		Help: "Messages published through the hub, by origin.",
	}, []string{"origin"})

	deliveryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opal_hub_deliveries_total",
		Help: "Messages delivered to local subscribers.",
	})

	droppedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opal_hub_dropped_total",
		Help: "Messages dropped for slow local subscribers.",
	})

	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opal_hub_connections",
		Help: "Currently connected websocket clients.",
	})
)

// Hub maintains per-topic subscriber sets and bridges local publishes
// to the backbone. Safe for concurrent use.
type Hub struct {
	workerID string
	channel  string
	broker   broker.Broker
	logger   zerolog.Logger

	mu     sync.RWMutex
	topics map[string]map[*Conn]struct{}
	conns  map[*Conn]struct{}

	// OnClientChange, if set, is invoked after a connection registers
	// or tears down; used by the statistics tracker.
	OnClientChange func(stat types.ClientStat, added bool)
}

// NewHub creates a hub publishing backbone envelopes on the given
// channel as workerID.
func NewHub(workerID, channel string, b broker.Broker, logger zerolog.Logger) *Hub {
	return &Hub{
		workerID: workerID,
		channel:  channel,
		broker:   b,
		logger:   logger.With().Str("component", "pubsub").Logger(),
		topics:   make(map[string]map[*Conn]struct{}),
		conns:    make(map[*Conn]struct{}),
	}
}

// WorkerID returns this worker's notifier id.
func (h *Hub) WorkerID() string { return h.workerID }

// Run consumes backbone envelopes until ctx is cancelled. Envelopes
// originated by this worker are suppressed; keepalives are dropped.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.broker.Subscribe(ctx, h.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to backbone channel %s: %w", h.channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.broker.Resync():
			h.logger.Info().Msg("backbone resync, re-announcing worker state")
			h.announceResync(ctx)
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("backbone subscription closed")
			}
			var env types.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				h.logger.Warn().Err(err).Msg("dropping malformed backbone envelope")
				continue
			}
			if env.NotifierID == h.workerID {
				continue
			}
			if env.Topic == types.TopicKeepalive {
				continue
			}
			h.deliverLocal(env.Topic, env.Data, env.NotifierID)
			publishCounter.WithLabelValues("remote").Inc()
		}
	}
}

// announceResync re-publishes a stats wakeup so peers resend their
// subscriber tables after a backbone outage.
func (h *Hub) announceResync(ctx context.Context) {
	payload, _ := json.Marshal(types.Welcome{WorkerID: h.workerID})
	if err := h.Publish(ctx, types.TopicStatsWakeup, payload, OriginLocal); err != nil {
		h.logger.Warn().Err(err).Msg("failed to publish resync wakeup")
	}
}

// Publish delivers the payload to every local subscriber of the topic
// and, when origin is local, relays a fan-out envelope to the
// backbone so other workers deliver it too.
func (h *Hub) Publish(ctx context.Context, topic string, data json.RawMessage, origin Origin) error {
	h.deliverLocal(topic, data, h.workerID)
	publishCounter.WithLabelValues("local").Inc()

	if origin != OriginLocal {
		return nil
	}

	env := types.Envelope{NotifierID: h.workerID, Topic: topic, Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode fan-out envelope: %w", err)
	}
	if err := h.broker.Publish(ctx, h.channel, payload); err != nil {
		return fmt.Errorf("backbone publish failed: %w", err)
	}
	return nil
}

// deliverLocal sends the event to every local subscriber of the topic.
// Sends are per-connection FIFO; a connection whose buffer is full has
// the message dropped (it will re-bootstrap after reconnect).
func (h *Hub) deliverLocal(topic string, data json.RawMessage, notifierID string) {
	h.mu.RLock()
	subs := make([]*Conn, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	event := types.WSEvent{Topic: topic, Data: data, NotifierID: notifierID}
	raw, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to encode event")
		return
	}

	for _, c := range subs {
		if c.enqueue(raw) {
			deliveryCounter.Inc()
		} else {
			droppedCounter.Inc()
			h.logger.Warn().Str("topic", topic).Str("client_id", c.clientID).Msg("dropping event for slow subscriber")
		}
	}
}

// register adds a new connection to the hub.
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	connectionsGauge.Inc()

	if h.OnClientChange != nil {
		h.OnClientChange(c.stat(), true)
	}
}

// unregister removes the connection from every topic set.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for topic, set := range h.topics {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	h.mu.Unlock()
	connectionsGauge.Dec()

	if h.OnClientChange != nil {
		h.OnClientChange(c.stat(), false)
	}
}

// Subscribe adds the connection to the given topic sets.
func (h *Hub) Subscribe(c *Conn, topics []string) {
	h.mu.Lock()
	for _, t := range topics {
		set := h.topics[t]
		if set == nil {
			set = make(map[*Conn]struct{})
			h.topics[t] = set
		}
		set[c] = struct{}{}
	}
	h.mu.Unlock()
	c.addTopics(topics)
}

// Unsubscribe removes the connection from the given topic sets.
func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	h.mu.Lock()
	for _, t := range topics {
		if set, ok := h.topics[t]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.topics, t)
			}
		}
	}
	h.mu.Unlock()
	c.removeTopics(topics)
}

// SubscriberCount returns the number of local subscribers of a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// ConnectionCount returns the number of local connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// LocalClients snapshots the registration records of all local
// connections.
func (h *Hub) LocalClients() []types.ClientStat {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := make([]types.ClientStat, 0, len(h.conns))
	for c := range h.conns {
		stats = append(stats, c.stat())
	}
	return stats
}
