// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package client implements the sync engine that keeps one policy
// engine in step with the server: websocket subscription, bundle
// application, data directive fetching, transaction log and backup.
package client

import (
	"sync"
	"time"

	"github.com/opalfleet/opal/internal/types"
)

// TxLog is the bounded transaction log. Single writer (the sync
// engine); concurrent readers derive health from a snapshot.
type TxLog struct {
	mu      sync.RWMutex
	entries []types.Transaction
	next    int
	filled  bool

	policyOK   bool // at least one successful policy write since start
	dataOK     bool // at least one successful data write since start
	lastPolicy *types.Transaction
	lastData   *types.Transaction
}

// NewTxLog returns a ring buffer holding the last size transactions.
func NewTxLog(size int) *TxLog {
	if size < 1 {
		size = 100
	}
	return &TxLog{entries: make([]types.Transaction, size)}
}

// Append records one transaction, evicting the oldest when full.
func (l *TxLog) Append(tx types.Transaction) {
	if tx.At.IsZero() {
		tx.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = tx
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.filled = true
	}

	if tx.Kind.IsPolicy() {
		cp := tx
		l.lastPolicy = &cp
		if tx.Success {
			l.policyOK = true
		}
	} else {
		cp := tx
		l.lastData = &cp
		if tx.Success {
			l.dataOK = true
		}
	}
}

// Ready reports whether at least one successful policy write and one
// successful data write happened since start.
func (l *TxLog) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policyOK && l.dataOK
}

// Healthy reports whether the client is ready and the most recent
// policy write and most recent data write both succeeded.
func (l *TxLog) Healthy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !(l.policyOK && l.dataOK) {
		return false
	}
	return l.lastPolicy != nil && l.lastPolicy.Success &&
		l.lastData != nil && l.lastData.Success
}

// Snapshot returns the logged transactions, oldest first.
func (l *TxLog) Snapshot() []types.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.filled {
		out := make([]types.Transaction, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]types.Transaction, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// HealthDoc is the healthcheck document written into the policy store
// after every transaction.
type HealthDoc struct {
	Ready        bool                `json:"ready"`
	Healthy      bool                `json:"healthy"`
	Transactions []types.Transaction `json:"transactions"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// HealthDoc renders the healthcheck document as a pure function of the
// current log snapshot.
func (l *TxLog) HealthDoc() HealthDoc {
	return HealthDoc{
		Ready:        l.Ready(),
		Healthy:      l.Healthy(),
		Transactions: l.Snapshot(),
		UpdatedAt:    time.Now(),
	}
}
