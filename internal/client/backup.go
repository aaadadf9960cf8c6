// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/store"
	"github.com/opalfleet/opal/internal/types"
)

// backupDoc is the on-disk backup format: the complete data document
// plus the installed policy modules, so an offline restore can bring
// the engine back to a servable state without the server.
type backupDoc struct {
	Data     json.RawMessage   `json:"data"`
	Policies map[string]string `json:"policies,omitempty"`
	SavedAt  time.Time         `json:"saved_at"`
}

// Backup exports the policy store to a local file periodically and on
// shutdown, and restores it when the client starts offline.
type Backup struct {
	Path   string
	Store  store.PolicyStore
	Logger zerolog.Logger
}

// Run exports on the given interval until ctx is cancelled, then takes
// a final export.
func (b *Backup) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final export with a fresh context; ctx is already dead.
			exportCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := b.Export(exportCtx); err != nil {
				b.Logger.Warn().Err(err).Msg("final store backup failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := b.Export(ctx); err != nil {
				b.Logger.Warn().Err(err).Msg("store backup failed")
			}
		}
	}
}

// Export snapshots the store into the backup file. The write is atomic
// (temp file + rename) so a crash never leaves a torn backup.
func (b *Backup) Export(ctx context.Context) error {
	data, err := b.Store.GetData(ctx, "/")
	if err != nil {
		return fmt.Errorf("failed to export data document: %w", err)
	}
	policies, err := b.Store.GetPolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to export policies: %w", err)
	}

	doc := backupDoc{Data: data, Policies: policies, SavedAt: time.Now()}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}

	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".opal-backup-*")
	if err != nil {
		return fmt.Errorf("failed to create backup temp file: %w", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close backup temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.Path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move backup into place: %w", err)
	}
	return nil
}

// Restore loads the backup file into the policy store and returns the
// transactions describing what was written, so the sync engine can log
// them and derive readiness while the server is unreachable.
func (b *Backup) Restore(ctx context.Context) ([]types.Transaction, error) {
	raw, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}
	var doc backupDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("backup file is corrupt: %w", err)
	}

	var txs []types.Transaction

	if len(doc.Policies) > 0 {
		var actions []string
		ok := true
		var lastErr string
		for id, source := range doc.Policies {
			res := b.Store.PutPolicy(ctx, id, source)
			actions = append(actions, id)
			if !res.Success {
				ok = false
				lastErr = fmt.Sprintf("status %d: %s", res.Status, res.Body)
			}
		}
		txs = append(txs, types.Transaction{
			Kind:    types.TxSetPolicies,
			Success: ok,
			Error:   lastErr,
			Actions: actions,
		})
	}

	if len(doc.Data) > 0 {
		res := b.Store.PutData(ctx, "/", doc.Data, http.MethodPut)
		tx := types.Transaction{
			Kind:    types.TxSetPolicyData,
			Success: res.Success,
			Actions: []string{"/"},
		}
		if !res.Success {
			tx.Error = fmt.Sprintf("status %d: %s", res.Status, res.Body)
		}
		txs = append(txs, tx)
	}

	b.Logger.Info().Time("saved_at", doc.SavedAt).Int("policies", len(doc.Policies)).Msg("restored store from backup")
	return txs, nil
}
