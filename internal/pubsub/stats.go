// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/broker"
	"github.com/opalfleet/opal/internal/types"
)

// Statistics maintains the aggregate view of clients connected to any
// worker. Local changes arrive through the hub's OnClientChange hook;
// remote changes arrive as envelopes on the reserved stats topics. On
// startup the worker publishes a wakeup and peers reply with their
// subscriber tables so the new worker reconstructs the full view.
type Statistics struct {
	hub     *Hub
	broker  broker.Broker
	channel string
	ttl     time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	clients map[string]types.ClientStat // client-id → registration
	workers map[string]time.Time        // worker-id → last keepalive
}

// stateSync is the payload a worker publishes in reply to a wakeup.
type stateSync struct {
	WorkerID string             `json:"worker_id"`
	Clients  []types.ClientStat `json:"clients"`
}

// NewStatistics wires the tracker into the hub's client-change hook.
func NewStatistics(hub *Hub, b broker.Broker, channel string, ttl time.Duration, logger zerolog.Logger) *Statistics {
	s := &Statistics{
		hub:     hub,
		broker:  b,
		channel: channel,
		ttl:     ttl,
		logger:  logger.With().Str("component", "statistics").Logger(),
		clients: make(map[string]types.ClientStat),
		workers: make(map[string]time.Time),
	}
	hub.OnClientChange = s.onLocalChange
	return s
}

// onLocalChange records a local connect/disconnect and announces it to
// peer workers.
func (s *Statistics) onLocalChange(stat types.ClientStat, added bool) {
	s.mu.Lock()
	if added {
		s.clients[stat.ClientID] = stat
	} else {
		delete(s.clients, stat.ClientID)
	}
	s.mu.Unlock()

	topic := types.TopicStatsRemove
	if added {
		topic = types.TopicStatsAdd
	}
	payload, _ := json.Marshal(stat)
	if err := s.hub.Publish(context.Background(), topic, payload, OriginLocal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to announce client change")
	}
}

// Run consumes stats envelopes from the backbone, publishes worker
// keepalives every ttl/2, and forgets workers (and their clients)
// after ttl without a keepalive.
func (s *Statistics) Run(ctx context.Context) error {
	msgs, err := s.broker.Subscribe(ctx, s.channel)
	if err != nil {
		return err
	}

	// Announce this worker and ask peers for their state.
	s.publishWakeup(ctx)

	keepalive := time.NewTicker(s.ttl / 2)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepalive.C:
			s.publishKeepalive(ctx)
			s.pruneWorkers()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env types.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				continue
			}
			if env.NotifierID == s.hub.WorkerID() {
				continue
			}
			s.handleRemote(ctx, env)
		}
	}
}

func (s *Statistics) handleRemote(ctx context.Context, env types.Envelope) {
	switch env.Topic {
	case types.TopicStatsAdd:
		var stat types.ClientStat
		if err := json.Unmarshal(env.Data, &stat); err != nil {
			return
		}
		s.mu.Lock()
		s.clients[stat.ClientID] = stat
		s.workers[stat.WorkerID] = time.Now()
		s.mu.Unlock()
	case types.TopicStatsRemove:
		var stat types.ClientStat
		if err := json.Unmarshal(env.Data, &stat); err != nil {
			return
		}
		s.mu.Lock()
		delete(s.clients, stat.ClientID)
		s.mu.Unlock()
	case types.TopicStatsWakeup:
		// A new worker came up: reply with this worker's table.
		s.publishStateSync(ctx)
	case types.TopicStatsStateSync:
		var sync stateSync
		if err := json.Unmarshal(env.Data, &sync); err != nil {
			return
		}
		s.mu.Lock()
		s.workers[sync.WorkerID] = time.Now()
		for _, stat := range sync.Clients {
			s.clients[stat.ClientID] = stat
		}
		s.mu.Unlock()
	case types.TopicServerKeepalive:
		s.mu.Lock()
		s.workers[env.NotifierID] = time.Now()
		s.mu.Unlock()
	}
}

func (s *Statistics) publishWakeup(ctx context.Context) {
	payload, _ := json.Marshal(types.Welcome{WorkerID: s.hub.WorkerID()})
	if err := s.hub.Publish(ctx, types.TopicStatsWakeup, payload, OriginLocal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish stats wakeup")
	}
}

func (s *Statistics) publishStateSync(ctx context.Context) {
	sync := stateSync{WorkerID: s.hub.WorkerID(), Clients: s.hub.LocalClients()}
	payload, _ := json.Marshal(sync)
	if err := s.hub.Publish(ctx, types.TopicStatsStateSync, payload, OriginLocal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish stats state sync")
	}
}

func (s *Statistics) publishKeepalive(ctx context.Context) {
	if err := s.hub.Publish(ctx, types.TopicServerKeepalive, nil, OriginLocal); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish worker keepalive")
	}
}

// pruneWorkers forgets peers that have not sent a keepalive within the
// ttl, along with all clients registered to them.
func (s *Statistics) pruneWorkers() {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	for workerID, last := range s.workers {
		if last.Before(cutoff) {
			delete(s.workers, workerID)
			for clientID, stat := range s.clients {
				if stat.WorkerID == workerID {
					delete(s.clients, clientID)
				}
			}
			s.logger.Info().Str("worker_id", workerID).Msg("forgetting silent worker")
		}
	}
}

// Aggregate is the summary served on /stats.
type Aggregate struct {
	Clients int `json:"clients"`
	Workers int `json:"workers"`
}

// Aggregate returns client and worker counts across the fleet. The
// local worker is always counted.
func (s *Statistics) Aggregate() Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Aggregate{Clients: len(s.clients), Workers: len(s.workers) + 1}
}

// Clients snapshots the full per-client table for /statistics.
func (s *Statistics) Clients() []types.ClientStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ClientStat, 0, len(s.clients))
	for _, stat := range s.clients {
		out = append(out, stat)
	}
	return out
}
