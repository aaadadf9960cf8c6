// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package tracker watches the policy source (a git repository or a
// bundle endpoint), detects new revisions and emits revision events.
// Both source variants double as the bundle builder's RevisionStore.
package tracker

import (
	"context"

	"github.com/opalfleet/opal/internal/bundle"
)

// RevisionEvent announces that the source moved from OldRevision to
// Revision. Changed and Deleted list the touched paths; both empty
// means the full file set changed (cold start or non-incremental
// source).
type RevisionEvent struct {
	Revision    string
	OldRevision string
	Changed     []string
	Deleted     []string
}

// Source is a tracked policy source. Run performs change detection
// until ctx is cancelled; detected revisions are delivered on Events.
// CheckNow forces an immediate re-check (webhook path).
type Source interface {
	bundle.RevisionStore

	Run(ctx context.Context) error
	Events() <-chan RevisionEvent
	Revision() string
	CheckNow(ctx context.Context) error
}
