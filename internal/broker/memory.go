// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// subscriberBuffer provides headroom so a publisher does not drop
// messages during short bursts.
const subscriberBuffer = 64

// Memory is an in-process backbone: publishes fan out to every
// subscriber of the channel within the same process. Used when a
// single server worker runs without an external backbone.
type Memory struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Message
	resync      chan struct{}
	closed      bool
	logger      zerolog.Logger
}

// NewMemory creates a ready-to-use in-memory broker.
func NewMemory(logger zerolog.Logger) *Memory {
	return &Memory{
		subscribers: make(map[string][]chan Message),
		resync:      make(chan struct{}),
		logger:      logger,
	}
}

// Publish delivers the payload to every current subscriber of the
// channel. Non-blocking send so a slow subscriber does not stall the
// publisher.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("memory broker is closed")
	}
	subs := make([]chan Message, len(m.subscribers[channel]))
	copy(subs, m.subscribers[channel])
	m.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			m.logger.Warn().Str("channel", channel).Msg("memory broker dropping message for slow subscriber")
		}
	}
	return nil
}

// Subscribe registers a new subscriber stream for the channel. The
// stream is closed when ctx is cancelled or the broker closes.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	ch := make(chan Message, subscriberBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("memory broker is closed")
	}
	m.subscribers[channel] = append(m.subscribers[channel], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		subs := m.subscribers[channel]
		for i, c := range subs {
			if c == ch {
				m.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		m.mu.Unlock()
	}()

	return ch, nil
}

// Resync never fires for the in-memory broker: there is no external
// connection to lose.
func (m *Memory) Resync() <-chan struct{} { return m.resync }

// Close tears down all subscriber streams.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, subs := range m.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subscribers, channel)
	}
	return nil
}
