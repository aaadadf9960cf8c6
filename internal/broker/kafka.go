// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package broker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka adapts a Kafka topic as the shared backbone. Every worker
// consumes the full topic (no consumer group) so a publish reaches all
// replicas.
type Kafka struct {
	brokers []string
	writer  *kgo.Client
	resync  chan struct{}
	logger  zerolog.Logger
}

// NewKafka connects a producer to the brokers named by the URI host
// list (kafka://host1:9092,host2:9092).
func NewKafka(ctx context.Context, u *url.URL, logger zerolog.Logger) (*Kafka, error) {
	brokers := strings.Split(u.Host, ",")

	writer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := writer.Ping(pingCtx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to reach kafka backbone: %w", err)
	}

	return &Kafka{
		brokers: brokers,
		writer:  writer,
		resync:  make(chan struct{}, 1),
		logger:  logger,
	}, nil
}

// Publish produces the payload on the topic and waits for the ack.
func (k *Kafka) Publish(ctx context.Context, channel string, payload []byte) error {
	record := &kgo.Record{Topic: channel, Value: payload}
	if err := k.writer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce on %s failed: %w", channel, err)
	}
	return nil
}

// Subscribe consumes the topic from its current end. Poll errors are
// retried with backoff; a recovery fires the resync signal.
func (k *Kafka) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	reader, err := kgo.NewClient(
		kgo.SeedBrokers(k.brokers...),
		kgo.ConsumeTopics(channel),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	out := make(chan Message, subscriberBuffer)

	go func() {
		defer close(out)
		defer reader.Close()
		degraded := false
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}

			fetches := reader.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			if errs := fetches.Errors(); len(errs) > 0 {
				for _, fe := range errs {
					k.logger.Warn().Err(fe.Err).Str("topic", fe.Topic).Msg("kafka fetch error")
				}
				degraded = true
				delay := backoff(attempt, time.Second, 30*time.Second)
				attempt++
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				continue
			}

			if degraded {
				degraded = false
				attempt = 0
				select {
				case k.resync <- struct{}{}:
				default:
				}
			}

			fetches.EachRecord(func(rec *kgo.Record) {
				select {
				case out <- Message{Channel: rec.Topic, Payload: rec.Value}:
				case <-ctx.Done():
				}
			})
		}
	}()

	return out, nil
}

// Resync fires after the consumer recovers from fetch errors.
func (k *Kafka) Resync() <-chan struct{} { return k.resync }

// Close closes the producer client.
func (k *Kafka) Close() error {
	k.writer.Close()
	return nil
}
