// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package types holds the wire types shared by the server and the
// client: fan-out envelopes, policy bundles, data update directives
// and the client transaction record.
package types

import (
	"encoding/json"
	"time"
)

// Reserved topics and channel names. User topics must not collide with
// the "__opal" prefix.
const (
	// BackboneChannel is the single well-known backbone channel all
	// server workers publish fan-out envelopes on.
	BackboneChannel = "EventNotifier"

	TopicKeepalive       = "__opal_keepalive"
	TopicStatsAdd        = "__opal_stats_add"
	TopicStatsRemove     = "__opal_stats_rm"
	TopicStatsWakeup     = "__opal_stats_wakeup"
	TopicStatsStateSync  = "__opal_stats_state_sync"
	TopicServerKeepalive = "__opal_stats_server_keepalive"
	TopicWelcome         = "__opal_welcome"

	// PolicyTopicPrefix scopes policy revision events per subscribed
	// directory: "policy:." covers the repository root.
	PolicyTopicPrefix = "policy:"
)

// Envelope is a fan-out message relayed across the backbone between
// server workers. NotifierID identifies the originating worker so it
// can suppress re-delivery of its own envelopes.
type Envelope struct {
	NotifierID string          `json:"notifier_id"`
	Topic      string          `json:"topic"`
	Data       json.RawMessage `json:"data"`
}

// PolicyEvent is the payload published on policy topics when the
// tracked source moves to a new revision.
type PolicyEvent struct {
	Revision    string   `json:"revision"`
	OldRevision string   `json:"old_revision,omitempty"`
	// Paths is the set of repository-relative files touched between
	// OldRevision and Revision. Empty means "everything" (full sync).
	Paths []string `json:"paths,omitempty"`
}

// PolicyModule is a single policy file at a revision.
type PolicyModule struct {
	Path    string `json:"path"`
	Package string `json:"package_name,omitempty"`
	Raw     string `json:"rego"`
}

// DataModule is a single JSON data file at a revision.
type DataModule struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// Bundle is a snapshot (BaseRevision empty) or a delta
// (BaseRevision set) of the policy source between two revisions.
// Manifest lists every included path in application order.
type Bundle struct {
	Manifest      []string       `json:"manifest"`
	Revision      string         `json:"revision"`
	BaseRevision  string         `json:"base_revision,omitempty"`
	PolicyModules []PolicyModule `json:"policy_modules"`
	DataModules   []DataModule   `json:"data_modules"`
	DeletedPaths  []string       `json:"deleted_paths,omitempty"`
}

// IsDelta reports whether the bundle must be applied on top of the
// state produced by BaseRevision.
func (b *Bundle) IsDelta() bool { return b.BaseRevision != "" }

// Save methods for data update directives.
const (
	SaveMethodPut   = "PUT"
	SaveMethodPatch = "PATCH"
)

// DataSourceEntry is a single data update directive: fetch from URL
// (or use the inline Data) and write the result at DstPath.
type DataSourceEntry struct {
	URL        string          `json:"url"`
	Config     map[string]any  `json:"config,omitempty"`
	Topics     []string        `json:"topics" validate:"required,min=1"`
	DstPath    string          `json:"dst_path"`
	SaveMethod string          `json:"save_method,omitempty" validate:"omitempty,oneof=PUT PATCH"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CallbackEntry describes one URL the client reports to after applying
// (or failing to apply) an update.
type CallbackEntry struct {
	URL         string            `json:"url" validate:"required,url"`
	Method      string            `json:"method,omitempty" validate:"omitempty,oneof=POST PUT"`
	Headers     map[string]string `json:"headers,omitempty"`
	IncludeData bool              `json:"include_data,omitempty"`
}

// UpdateCallback groups the callbacks of a DataUpdate.
type UpdateCallback struct {
	Callbacks []CallbackEntry `json:"callbacks,omitempty" validate:"dive"`
}

// DataUpdate is a group of directives published by an authorized data
// source. ID is assigned by the server when the update is accepted.
type DataUpdate struct {
	ID       string            `json:"id,omitempty"`
	Entries  []DataSourceEntry `json:"entries" validate:"required,min=1,dive"`
	Reason   string            `json:"reason,omitempty"`
	Callback *UpdateCallback   `json:"callback,omitempty"`
}

// Topics returns the distinct topics named by any entry, in first-seen
// order.
func (u *DataUpdate) Topics() []string {
	seen := make(map[string]struct{})
	var topics []string
	for _, e := range u.Entries {
		for _, t := range e.Topics {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				topics = append(topics, t)
			}
		}
	}
	return topics
}

// TransactionKind enumerates the store mutations a client records.
type TransactionKind string

const (
	TxSetPolicies      TransactionKind = "set_policies"
	TxSetPolicy        TransactionKind = "set_policy"
	TxDeletePolicy     TransactionKind = "delete_policy"
	TxSetPolicyData    TransactionKind = "set_policy_data"
	TxDeletePolicyData TransactionKind = "delete_policy_data"
)

// IsPolicy reports whether the kind mutates policy modules (as opposed
// to data documents).
func (k TransactionKind) IsPolicy() bool {
	switch k {
	case TxSetPolicies, TxSetPolicy, TxDeletePolicy:
		return true
	}
	return false
}

// Transaction records one attempted mutation of the external policy
// store. Appended to the client transaction log in order.
type Transaction struct {
	ID      string          `json:"id"`
	Kind    TransactionKind `json:"kind"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
	Actions []string        `json:"actions,omitempty"`
}

// WSRequest is a client-to-server message on the /ws endpoint.
// Method is one of "subscribe", "unsubscribe" or "notify".
type WSRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SubscribeParams carries the topic list for subscribe/unsubscribe.
type SubscribeParams struct {
	Topics []string `json:"topics"`
}

// NotifyParams carries a client-originated publish ("notify").
type NotifyParams struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSEvent is a server-to-client message on the /ws endpoint.
type WSEvent struct {
	Topic      string          `json:"topic"`
	Data       json.RawMessage `json:"data,omitempty"`
	NotifierID string          `json:"notifier_id,omitempty"`
}

// Welcome is the payload of the first event sent on a new connection.
type Welcome struct {
	ClientID string `json:"client_id"`
	WorkerID string `json:"worker_id"`
}

// ClientStat describes one connected client as tracked by the hub
// statistics channels.
type ClientStat struct {
	ClientID      string    `json:"client_id"`
	WorkerID      string    `json:"worker_id"`
	Topics        []string  `json:"topics"`
	ConnectedAt   time.Time `json:"connected_at"`
	RemoteAddress string    `json:"remote_address,omitempty"`
}

// UpdateReport is POSTed to callback URLs after a client applies a
// data update.
type UpdateReport struct {
	UpdateID string          `json:"update_id"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Fetched  json.RawMessage `json:"fetched,omitempty"`
	At       time.Time       `json:"at"`
}
