// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Elector implements leader election over a lock file shared by the
// server workers on a host (or a shared volume). The lock holds the
// owner's worker id; a lock whose mtime is older than the TTL is
// considered expired and may be stolen.
type Elector struct {
	Path     string
	TTL      time.Duration
	WorkerID string
	Logger   zerolog.Logger
}

// Run loops forever: acquire leadership, call onElected with a context
// that is cancelled when leadership is lost, then try again. Only one
// worker at a time observes a live onElected context.
func (e *Elector) Run(ctx context.Context, onElected func(ctx context.Context)) error {
	for {
		if err := e.acquire(ctx); err != nil {
			return err
		}
		e.Logger.Info().Str("worker_id", e.WorkerID).Msg("acquired policy tracker leadership")

		leaderCtx, cancel := context.WithCancel(ctx)
		go func() {
			e.keep(leaderCtx)
			cancel()
		}()

		onElected(leaderCtx)
		cancel()
		e.release()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// acquire blocks until the lock file is created by this worker.
func (e *Elector) acquire(ctx context.Context) error {
	ticker := time.NewTicker(e.TTL / 3)
	defer ticker.Stop()

	for {
		if ok, err := e.tryAcquire(); err != nil {
			e.Logger.Warn().Err(err).Msg("leader lock acquisition failed")
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Elector) tryAcquire() (bool, error) {
	f, err := os.OpenFile(e.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := f.WriteString(e.WorkerID)
		f.Close()
		if werr != nil {
			os.Remove(e.Path)
			return false, fmt.Errorf("failed to write leader lock: %w", werr)
		}
		return true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return false, fmt.Errorf("failed to create leader lock: %w", err)
	}

	// Lock exists; steal it if the holder stopped refreshing.
	info, err := os.Stat(e.Path)
	if err != nil {
		// Holder released between our attempts.
		return false, nil
	}
	if time.Since(info.ModTime()) > e.TTL {
		e.Logger.Info().Str("path", e.Path).Msg("leader lock expired, stealing")
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("failed to remove expired leader lock: %w", err)
		}
	}
	return false, nil
}

// keep refreshes the lock mtime until ctx is cancelled or the lock is
// lost to another worker.
func (e *Elector) keep(ctx context.Context) {
	ticker := time.NewTicker(e.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owner, err := os.ReadFile(e.Path)
			if err != nil || string(owner) != e.WorkerID {
				e.Logger.Warn().Msg("leader lock lost")
				return
			}
			now := time.Now()
			if err := os.Chtimes(e.Path, now, now); err != nil {
				e.Logger.Warn().Err(err).Msg("failed to refresh leader lock")
				return
			}
		}
	}
}

// release removes the lock if this worker still owns it.
func (e *Elector) release() {
	owner, err := os.ReadFile(e.Path)
	if err == nil && string(owner) == e.WorkerID {
		os.Remove(e.Path)
	}
}
