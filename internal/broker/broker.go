// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package broker adapts one shared backbone (Redis, NATS or Kafka) to
// a uniform publish/subscribe contract. A single-worker deployment can
// run on the in-memory adapter instead of an external backbone.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/types"
)

// Message is one payload received from a backbone channel.
type Message struct {
	Channel string
	Payload []byte
}

// Broker is the uniform backbone contract. Implementations reconnect
// with exponential backoff on their own; after a successful reconnect
// they fire the Resync channel so consumers re-bootstrap their
// subscription state.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	Resync() <-chan struct{}
	Close() error
}

// Connect builds the adapter selected by the URI scheme. An empty URI
// yields the in-memory adapter, which is only correct for a single
// server worker.
func Connect(ctx context.Context, uri string, logger zerolog.Logger) (Broker, error) {
	if strings.TrimSpace(uri) == "" {
		return NewMemory(logger), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid broadcast URI: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		return NewRedis(ctx, uri, logger)
	case "nats":
		return NewNATS(uri, logger)
	case "kafka":
		return NewKafka(ctx, u, logger)
	default:
		return nil, fmt.Errorf("unsupported broadcast backbone scheme %q", u.Scheme)
	}
}

// StartKeepalive publishes a keepalive envelope on the backbone every
// interval so a silently dead backbone is detected by the publish
// error path. Blocks until ctx is cancelled.
func StartKeepalive(ctx context.Context, b Broker, channel, notifierID string, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env := types.Envelope{NotifierID: notifierID, Topic: types.TopicKeepalive}
			payload, _ := json.Marshal(env)
			if err := b.Publish(ctx, channel, payload); err != nil {
				logger.Warn().Err(err).Msg("backbone keepalive publish failed")
			}
		}
	}
}

// backoff returns the delay before the given retry attempt, doubling
// from min up to max.
func backoff(attempt int, min, max time.Duration) time.Duration {
	d := min << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
