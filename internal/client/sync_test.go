// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/config"
	"github.com/opalfleet/opal/internal/fetch"
	"github.com/opalfleet/opal/internal/store"
	"github.com/opalfleet/opal/internal/types"
)

// fakeStore records every store call and can fail selected paths.
type fakeStore struct {
	mu       sync.Mutex
	calls    []string
	failPath map[string]bool

	policies map[string]string
	data     map[string]json.RawMessage
	health   any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		failPath: make(map[string]bool),
		policies: make(map[string]string),
		data:     make(map[string]json.RawMessage),
	}
}

func (s *fakeStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeStore) result(path string) store.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPath[path] {
		return store.Result{Success: false, Status: http.StatusInternalServerError, Body: "injected failure"}
	}
	return store.Result{Success: true, Status: http.StatusOK}
}

func (s *fakeStore) PutPolicy(_ context.Context, path, source string) store.Result {
	s.record("put_policy " + path)
	res := s.result(path)
	if res.Success {
		s.mu.Lock()
		s.policies[path] = source
		s.mu.Unlock()
	}
	return res
}

func (s *fakeStore) DeletePolicy(_ context.Context, path string) store.Result {
	s.record("delete_policy " + path)
	res := s.result(path)
	if res.Success {
		s.mu.Lock()
		delete(s.policies, path)
		s.mu.Unlock()
	}
	return res
}

func (s *fakeStore) GetPolicies(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.policies))
	for k, v := range s.policies {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) PutData(_ context.Context, path string, value json.RawMessage, method string) store.Result {
	s.record("put_data " + method + " " + path)
	res := s.result(path)
	if res.Success {
		s.mu.Lock()
		s.data[path] = value
		s.mu.Unlock()
	}
	return res
}

func (s *fakeStore) DeleteData(_ context.Context, path string) store.Result {
	s.record("delete_data " + path)
	res := s.result(path)
	if res.Success {
		s.mu.Lock()
		delete(s.data, path)
		s.mu.Unlock()
	}
	return res
}

func (s *fakeStore) GetData(_ context.Context, path string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.data[path]; ok {
		return v, nil
	}
	return json.RawMessage(`{}`), nil
}

func (s *fakeStore) PutHealthcheck(_ context.Context, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = doc
	return nil
}

func testEngine(t *testing.T, fs *fakeStore) *Engine {
	t.Helper()
	cfg := &config.Client{
		ServerURL:              "http://localhost:7002",
		ScopeID:                "default",
		TransactionLogSize:     100,
		PolicySubscriptionDirs: []string{"."},
		DataTopics:             []string{"policy_data"},
		ReconnectMinBackoff:    time.Second,
		ReconnectMaxBackoff:    30 * time.Second,
	}
	return NewEngine(cfg, fs, nil, zerolog.Nop())
}

func TestDataDocPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"data.json", "/"},
		{"users/data.json", "/users"},
		{"roles/admin/data.json", "/roles/admin"},
		{"users/bob.json", "/users/bob"},
		{"./users/data.json", "/users"},
		{"static.json", "/static"},
	}
	for _, tt := range tests {
		if got := dataDocPath(tt.in); got != tt.want {
			t.Errorf("dataDocPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsPolicyPath(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"rbac/allow.rego", true},
		{"users/data.json", false},
		{"config.json", false},
		{"README.md", true},
	}
	for _, tt := range tests {
		if got := isPolicyPath(tt.in); got != tt.want {
			t.Errorf("isPolicyPath(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestScopedTopics(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)

	// Default scope adds no prefix.
	topics := e.topics()
	want := []string{"policy:.", "policy_data"}
	if len(topics) != len(want) || topics[0] != want[0] || topics[1] != want[1] {
		t.Errorf("topics = %v, want %v", topics, want)
	}

	e.cfg.ScopeID = "tenant-1"
	topics = e.topics()
	if topics[0] != "tenant-1:policy:." || topics[1] != "tenant-1:policy_data" {
		t.Errorf("scoped topics = %v", topics)
	}
	if got := e.unscope("tenant-1:policy:."); got != "policy:." {
		t.Errorf("unscope = %q", got)
	}
}

func TestApplyBundleComplete(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)
	ctx := context.Background()

	e.applyBundle(ctx, &types.Bundle{
		Revision: "rev-1",
		PolicyModules: []types.PolicyModule{
			{Path: "rbac/allow.rego", Raw: "package rbac\n"},
		},
		DataModules: []types.DataModule{
			{Path: "users/data.json", Data: json.RawMessage(`{"bob":{}}`)},
		},
	})

	if e.lastRevision() != "rev-1" {
		t.Errorf("revision = %s, want rev-1", e.lastRevision())
	}
	if fs.policies["rbac/allow.rego"] != "package rbac\n" {
		t.Error("policy module not written")
	}
	if string(fs.data["/users"]) != `{"bob":{}}` {
		t.Errorf("data module written at wrong path: %v", fs.data)
	}

	txs := e.Transactions()
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
	if txs[0].Kind != types.TxSetPolicies || !txs[0].Success || txs[0].ID != "rev-1" {
		t.Errorf("policy transaction = %+v", txs[0])
	}
	if txs[1].Kind != types.TxSetPolicyData || !txs[1].Success {
		t.Errorf("data transaction = %+v", txs[1])
	}
	if !e.Ready() {
		t.Error("engine not ready after a bundle carrying policy and data")
	}
	if fs.health == nil {
		t.Error("healthcheck document not refreshed")
	}
}

// A client with no configured data sources must still become ready:
// the policy bundle covers the policy half and the empty base config
// completes the data half.
func TestBootstrapWithoutDataSourcesIsReady(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)

	mux := http.NewServeMux()
	mux.HandleFunc("/policy", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.Bundle{
			Revision: "rev-1",
			PolicyModules: []types.PolicyModule{
				{Path: "rbac.rego", Raw: "package rbac\n"},
			},
		})
	})
	mux.HandleFunc("/data/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.DataUpdate{Reason: "base data configuration"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e.cfg.ServerURL = srv.URL

	if err := e.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !e.Ready() {
		t.Error("engine not ready after bootstrap")
	}
	if !e.Healthy() {
		t.Error("engine not healthy after bootstrap")
	}
	if e.lastRevision() != "rev-1" {
		t.Errorf("revision = %s", e.lastRevision())
	}
}

func TestApplyBundleDeltaDeletes(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)
	ctx := context.Background()

	e.applyBundle(ctx, &types.Bundle{
		Revision: "rev-1",
		PolicyModules: []types.PolicyModule{
			{Path: "old.rego", Raw: "package old\n"},
		},
		DataModules: []types.DataModule{
			{Path: "stale/data.json", Data: json.RawMessage(`{}`)},
		},
	})
	e.applyBundle(ctx, &types.Bundle{
		Revision:     "rev-2",
		BaseRevision: "rev-1",
		DeletedPaths: []string{"old.rego", "stale/data.json"},
	})

	if e.lastRevision() != "rev-2" {
		t.Errorf("revision = %s", e.lastRevision())
	}
	if _, ok := fs.policies["old.rego"]; ok {
		t.Error("deleted policy still present")
	}
	if _, ok := fs.data["/stale"]; ok {
		t.Error("deleted data document still present")
	}
}

// A failed write leaves the applied revision untouched so the next
// revision event retries the delta from the same base.
func TestApplyBundleFailureKeepsRevision(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)
	ctx := context.Background()

	e.applyBundle(ctx, &types.Bundle{
		Revision:      "rev-1",
		PolicyModules: []types.PolicyModule{{Path: "a.rego", Raw: "package a\n"}},
	})

	fs.failPath["b.rego"] = true
	e.applyBundle(ctx, &types.Bundle{
		Revision:      "rev-2",
		BaseRevision:  "rev-1",
		PolicyModules: []types.PolicyModule{{Path: "b.rego", Raw: "package b\n"}},
	})

	if e.lastRevision() != "rev-1" {
		t.Errorf("revision advanced past failed bundle: %s", e.lastRevision())
	}
	txs := e.Transactions()
	if len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
	if txs[1].Success {
		t.Error("failed bundle recorded as success")
	}
	if txs[1].Error == "" {
		t.Error("failed bundle missing error detail")
	}
	if !txs[0].Success {
		t.Error("earlier successful policy write lost")
	}
}

// Replaying a bundle the engine already applied is harmless: the same
// modules are written again and the revision stays put.
func TestApplyBundleReplayIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)
	ctx := context.Background()

	b := &types.Bundle{
		Revision:      "rev-1",
		PolicyModules: []types.PolicyModule{{Path: "a.rego", Raw: "package a\n"}},
	}
	e.applyBundle(ctx, b)
	e.applyBundle(ctx, b)

	if e.lastRevision() != "rev-1" {
		t.Errorf("revision = %s", e.lastRevision())
	}
	if fs.policies["a.rego"] != "package a\n" {
		t.Error("policy content drifted on replay")
	}
}

// syncPolicy ignores a revision event matching the applied revision so
// self-echoed notifications do not trigger redundant bundle fetches.
func TestSyncPolicySkipsCurrentRevision(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)
	ctx := context.Background()

	e.applyBundle(ctx, &types.Bundle{
		Revision:      "rev-1",
		PolicyModules: []types.PolicyModule{{Path: "a.rego", Raw: "package a\n"}},
	})
	before := len(fs.calls)

	// No server is listening; a fetch attempt would record a failure.
	e.syncPolicy(ctx, types.PolicyEvent{Revision: "rev-1"})

	if len(fs.calls) != before {
		t.Errorf("store touched for current revision: %v", fs.calls[before:])
	}
}

func TestSaveMethodDefaultsToPut(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)
	ctx := context.Background()

	tracker := newUpdateTracker(2, func(string, string, json.RawMessage) {})
	e.writeDirective(ctx, types.DataSourceEntry{DstPath: "/users"}, json.RawMessage(`{}`), nil, tracker)
	e.writeDirective(ctx, types.DataSourceEntry{DstPath: "/users", SaveMethod: "PATCH"}, json.RawMessage(`[]`), nil, tracker)

	if fs.calls[0] != "put_data PUT /users" {
		t.Errorf("first call = %s", fs.calls[0])
	}
	if fs.calls[1] != "put_data PATCH /users" {
		t.Errorf("second call = %s", fs.calls[1])
	}
}

// stubProvider lets tests script fetch outcomes per URL.
type stubProvider struct {
	schemes []string
	fetch   func(rawURL string) (json.RawMessage, error)
}

func (p *stubProvider) Name() string      { return "stub" }
func (p *stubProvider) Schemes() []string { return p.schemes }
func (p *stubProvider) Fetch(_ context.Context, rawURL string, _ map[string]any) (json.RawMessage, error) {
	return p.fetch(rawURL)
}

// When any root-targeted fetch fails, the partial merge must not be
// written: a successful write here would silently drop the failed
// source's keys from the root document.
func TestRootGroupFetchFailureSkipsRootWrite(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)

	reg := fetch.NewRegistry()
	reg.Register(&stubProvider{
		schemes: []string{"https"},
		fetch: func(string) (json.RawMessage, error) {
			return nil, errors.New("upstream unavailable")
		},
	})
	fe := fetch.NewEngine(reg, fetch.EngineConfig{Workers: 2}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fe.Run(ctx)
	e.fetcher = fe

	e.handleDataUpdate(ctx, &types.DataUpdate{
		ID: "update-1",
		Entries: []types.DataSourceEntry{
			{DstPath: "/", Data: json.RawMessage(`{"users":{"bob":{}}}`)},
			{DstPath: "/", URL: "https://example.invalid/roles"},
		},
	})

	var txs []types.Transaction
	deadline := time.Now().Add(2 * time.Second)
	for {
		txs = e.Transactions()
		if len(txs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no transaction recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(txs) != 1 {
		t.Fatalf("transactions = %+v", txs)
	}
	if txs[0].Kind != types.TxSetPolicyData || txs[0].Success {
		t.Errorf("transaction = %+v", txs[0])
	}
	if !strings.Contains(txs[0].Error, "upstream unavailable") {
		t.Errorf("error = %q", txs[0].Error)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, call := range fs.calls {
		if call == "put_data PUT /" {
			t.Error("partial root document written to the store")
		}
	}
}

// The client's own pings must come well inside its read deadline so an
// idle but healthy connection never times out between keepalives.
func TestKeepaliveSchedule(t *testing.T) {
	if wsPingPeriod >= wsPongWait {
		t.Fatalf("ping period %v not inside pong wait %v", wsPingPeriod, wsPongWait)
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	fs := newFakeStore()
	e := testEngine(t, fs)

	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 20; i++ {
			d := e.reconnectDelay(attempt)
			if d < e.cfg.ReconnectMinBackoff/2 {
				t.Fatalf("delay %v below half the minimum backoff", d)
			}
			if d > e.cfg.ReconnectMaxBackoff {
				t.Fatalf("delay %v above the maximum backoff", d)
			}
		}
	}
}

func TestEngineStartsInInit(t *testing.T) {
	e := testEngine(t, newFakeStore())
	if e.State() != StateInit {
		t.Errorf("state = %s, want %s", e.State(), StateInit)
	}
}
