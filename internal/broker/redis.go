// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisMinBackoff = time.Second
	redisMaxBackoff = 30 * time.Second
)

// Redis adapts Redis pub/sub as the shared backbone.
type Redis struct {
	client *redis.Client
	resync chan struct{}
	logger zerolog.Logger
}

// NewRedis connects to the Redis backbone and verifies the connection
// with a ping.
func NewRedis(ctx context.Context, uri string, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URI: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis backbone: %w", err)
	}

	return &Redis{
		client: client,
		resync: make(chan struct{}, 1),
		logger: logger,
	}, nil
}

// Publish sends the payload on the channel.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish on %s failed: %w", channel, err)
	}
	return nil
}

// Subscribe streams messages from the channel. The receive loop
// resubscribes with exponential backoff on errors and fires a resync
// signal after each successful resubscribe.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	out := make(chan Message, subscriberBuffer)

	go func() {
		defer close(out)
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}

			pubsub := r.client.Subscribe(ctx, channel)
			// Confirm the subscription before consuming.
			if _, err := pubsub.Receive(ctx); err != nil {
				pubsub.Close()
				if ctx.Err() != nil {
					return
				}
				delay := backoff(attempt, redisMinBackoff, redisMaxBackoff)
				attempt++
				r.logger.Warn().Err(err).Dur("retry_in", delay).Msg("redis subscribe failed, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				continue
			}

			if attempt > 0 {
				r.signalResync()
			}
			attempt = 0

			for {
				msg, err := pubsub.ReceiveMessage(ctx)
				if err != nil {
					pubsub.Close()
					if ctx.Err() != nil {
						return
					}
					r.logger.Warn().Err(err).Str("channel", channel).Msg("redis receive failed, resubscribing")
					attempt = 1
					break
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					pubsub.Close()
					return
				}
			}
		}
	}()

	return out, nil
}

// Resync fires after the receive loop has recovered from a disconnect.
func (r *Redis) Resync() <-chan struct{} { return r.resync }

func (r *Redis) signalResync() {
	select {
	case r.resync <- struct{}{}:
	default:
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error { return r.client.Close() }
