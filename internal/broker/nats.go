// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS adapts a NATS subject as the shared backbone. The nats client
// reconnects on its own; the reconnect handler feeds the resync
// signal.
type NATS struct {
	conn   *nats.Conn
	resync chan struct{}
	logger zerolog.Logger
}

// NewNATS connects to the NATS backbone with unlimited reconnects.
func NewNATS(uri string, logger zerolog.Logger) (*NATS, error) {
	n := &NATS{
		resync: make(chan struct{}, 1),
		logger: logger,
	}

	conn, err := nats.Connect(uri,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats backbone disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats backbone reconnected")
			select {
			case n.resync <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats backbone: %w", err)
	}
	n.conn = conn
	return n, nil
}

// Publish sends the payload on the subject.
func (n *NATS) Publish(_ context.Context, channel string, payload []byte) error {
	if err := n.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats publish on %s failed: %w", channel, err)
	}
	return nil
}

// Subscribe streams messages from the subject until ctx is cancelled.
func (n *NATS) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	out := make(chan Message, subscriberBuffer)

	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		select {
		case out <- Message{Channel: msg.Subject, Payload: msg.Data}:
		default:
			n.logger.Warn().Str("channel", channel).Msg("nats broker dropping message for slow subscriber")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe on %s failed: %w", channel, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn().Err(err).Msg("nats unsubscribe failed")
		}
		close(out)
	}()

	return out, nil
}

// Resync fires whenever the nats client reconnects.
func (n *NATS) Resync() <-chan struct{} { return n.resync }

// Close drains and closes the connection.
func (n *NATS) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
