// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/types"
)

// Pool defaults, overridable through EngineConfig.
const (
	defaultWorkerCount    = 6
	defaultQueueSize      = 256
	defaultFetchTimeout   = 60 * time.Second
	defaultEnqueueTimeout = 10 * time.Second
)

var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opal_client_fetches_total",
		Help: "Fetch tasks completed, by outcome.",
	}, []string{"outcome"})
	fetchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opal_client_fetch_queue_depth",
		Help: "Fetch tasks waiting for a worker.",
	})
)

// Handler receives the fetched document (or the fetch error) for one
// directive. Handlers for the same destination path run in submission
// order; handlers for different paths run concurrently.
type Handler func(entry types.DataSourceEntry, data json.RawMessage, err error)

// EngineConfig tunes the worker pool.
type EngineConfig struct {
	Workers        int
	QueueSize      int
	FetchTimeout   time.Duration
	EnqueueTimeout time.Duration
}

type job struct {
	entry   types.DataSourceEntry
	handler Handler
	prev    <-chan struct{} // closed when the prior job on this path finished
	done    chan struct{}
}

// Engine runs fetch directives on a bounded worker pool. Fetches for
// independent destination paths proceed concurrently; results for the
// same path are handed to the handler in the order the directives were
// submitted, so a slow earlier fetch cannot be overwritten by a fast
// later one arriving out of order.
type Engine struct {
	registry *Registry
	cfg      EngineConfig
	logger   zerolog.Logger

	queue chan *job
	wg    sync.WaitGroup

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewEngine builds the engine; call Run to start the pool.
func NewEngine(registry *Registry, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	return &Engine{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "fetch_engine").Logger(),
		queue:    make(chan *job, cfg.QueueSize),
		tails:    make(map[string]chan struct{}),
	}
}

// Run starts the workers and blocks until ctx is cancelled and all
// in-flight jobs have drained.
func (e *Engine) Run(ctx context.Context) error {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	<-ctx.Done()
	e.wg.Wait()
	return ctx.Err()
}

// Submit queues one directive. It blocks for at most the enqueue
// timeout when the pool is saturated; an update that cannot be queued
// is reported as an error so the caller can record a failed
// transaction instead of blocking the event loop.
func (e *Engine) Submit(ctx context.Context, entry types.DataSourceEntry, handler Handler) error {
	j := &job{entry: entry, handler: handler, done: make(chan struct{})}

	// Chain the job behind the previous one targeting the same path.
	e.mu.Lock()
	j.prev = e.tails[entry.DstPath]
	e.tails[entry.DstPath] = j.done
	e.mu.Unlock()

	timer := time.NewTimer(e.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case e.queue <- j:
		fetchQueueDepth.Inc()
		return nil
	case <-timer.C:
		e.abandon(j)
		return fmt.Errorf("fetch queue full, dropped directive for %s", entry.DstPath)
	case <-ctx.Done():
		e.abandon(j)
		return ctx.Err()
	}
}

// abandon releases a job that never entered the queue so successors on
// the same path are not blocked forever.
func (e *Engine) abandon(j *job) {
	close(j.done)
	e.mu.Lock()
	if tail, ok := e.tails[j.entry.DstPath]; ok && tail == j.done {
		delete(e.tails, j.entry.DstPath)
	}
	e.mu.Unlock()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.queue:
			fetchQueueDepth.Dec()
			e.process(ctx, j)
		}
	}
}

func (e *Engine) process(ctx context.Context, j *job) {
	defer close(j.done)

	data, err := e.fetch(ctx, j.entry)

	// Deliver in submission order per destination path. The queue is
	// FIFO, so the predecessor is already running or finished and the
	// wait cannot deadlock the pool.
	if j.prev != nil {
		select {
		case <-j.prev:
		case <-ctx.Done():
			return
		}
	}

	if err != nil {
		fetchesTotal.WithLabelValues("error").Inc()
		e.logger.Warn().Err(err).Str("url", j.entry.URL).Str("dst_path", j.entry.DstPath).Msg("fetch failed")
	} else {
		fetchesTotal.WithLabelValues("ok").Inc()
	}
	j.handler(j.entry, data, err)
}

// fetch resolves one directive: inline data short-circuits the
// provider lookup entirely.
func (e *Engine) fetch(ctx context.Context, entry types.DataSourceEntry) (json.RawMessage, error) {
	if len(entry.Data) > 0 {
		return entry.Data, nil
	}
	if entry.URL == "" {
		return nil, fmt.Errorf("directive for %s has neither url nor inline data", entry.DstPath)
	}

	provider, err := e.registry.Select(entry.URL, entry.Config)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	return provider.Fetch(fetchCtx, entry.URL, entry.Config)
}
