// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package store adapts the external policy engine as an opaque
// policy/data store over its HTTP contract.
package store

import (
	"context"
	"encoding/json"
)

// Result is the outcome of one store operation; the sync engine turns
// every Result into a transaction log entry.
type Result struct {
	Success bool
	Status  int
	Body    string // truncated response body for diagnostics
}

// PolicyStore is the abstract engine contract. Implementations must be
// safe for concurrent use.
type PolicyStore interface {
	PutPolicy(ctx context.Context, path, source string) Result
	DeletePolicy(ctx context.Context, path string) Result
	GetPolicies(ctx context.Context) (map[string]string, error)

	PutData(ctx context.Context, path string, value json.RawMessage, method string) Result
	DeleteData(ctx context.Context, path string) Result
	GetData(ctx context.Context, path string) (json.RawMessage, error)

	// PutHealthcheck writes the healthcheck document at the
	// configured document path so the engine itself can answer
	// health queries.
	PutHealthcheck(ctx context.Context, doc any) error
}
