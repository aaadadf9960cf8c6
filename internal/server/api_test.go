// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/auth"
	"github.com/opalfleet/opal/internal/config"
	"github.com/opalfleet/opal/internal/tracker"
	"github.com/opalfleet/opal/internal/types"
)

func testServer(t *testing.T, mutate func(*config.Server)) *Server {
	t.Helper()
	cfg := &config.Server{
		WorkerCount:          1,
		WorkerID:             "worker-test",
		BroadcastChannel:     types.BackboneChannel,
		MasterToken:          "master-secret",
		JWTSecret:            "jwt-secret",
		JWTAudience:          "https://api.opal.ac/v1/",
		JWTIssuer:            "https://opal.ac/",
		WebhookAuthScheme:    "hmac",
		WebhookHMACAlgorithm: "sha256",
		PolicyFileExtensions: []string{".rego", ".json"},
		ManifestPath:         ".manifest",
		BundleCacheTTL:       5 * time.Minute,
	}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.broker.Close() })
	return s
}

func doJSON(t *testing.T, h http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, target, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHealthcheckRoute(t *testing.T) {
	s := testServer(t, nil)
	h := s.Router()

	for _, target := range []string{"/", "/healthcheck"} {
		w := doJSON(t, h, http.MethodGet, target, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d", target, w.Code)
		}
	}
}

func TestTokenEndpoint(t *testing.T) {
	s := testServer(t, nil)
	h := s.Router()

	tests := []struct {
		name     string
		token    string
		peerType string
		want     int
	}{
		{"mints client token", "master-secret", "client", http.StatusOK},
		{"mints datasource token", "master-secret", "datasource", http.StatusOK},
		{"rejects wrong master token", "not-the-master", "client", http.StatusUnauthorized},
		{"rejects missing token", "", "client", http.StatusUnauthorized},
		{"rejects unknown peer type", "master-secret", "admin", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/token", tt.token, map[string]string{"type": tt.peerType})
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want != http.StatusOK {
				return
			}
			var resp struct {
				Token string `json:"token"`
				Type  string `json:"type"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Type != "bearer" || resp.Token == "" {
				t.Errorf("response = %+v", resp)
			}
			if _, err := s.auth.VerifyPeer(resp.Token, auth.PeerType(tt.peerType)); err != nil {
				t.Errorf("minted token does not verify: %v", err)
			}
		})
	}
}

func TestDataUpdateRequiresDatasourceToken(t *testing.T) {
	s := testServer(t, nil)
	h := s.Router()

	update := types.DataUpdate{Entries: []types.DataSourceEntry{
		{URL: "https://api.example.com/users", Topics: []string{"policy_data"}, DstPath: "/users"},
	}}

	w := doJSON(t, h, http.MethodPost, "/data/update", "", update)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated update accepted: %d", w.Code)
	}

	// A client token is the wrong peer type for publishing updates.
	clientToken, _, err := s.auth.Mint(auth.PeerClient)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	w = doJSON(t, h, http.MethodPost, "/data/update", clientToken, update)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("client token accepted for data update: %d", w.Code)
	}
}

func TestDataUpdatePublishes(t *testing.T) {
	s := testServer(t, nil)
	h := s.Router()

	msgs, err := s.broker.Subscribe(context.Background(), types.BackboneChannel)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	token, _, err := s.auth.Mint(auth.PeerDataSource)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	update := types.DataUpdate{
		Reason: "user table refresh",
		Entries: []types.DataSourceEntry{
			{URL: "https://api.example.com/users", Topics: []string{"policy_data"}, DstPath: "/users"},
		},
	}
	w := doJSON(t, h, http.MethodPost, "/data/update", token, update)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("update accepted without an id")
	}

	select {
	case msg := <-msgs:
		var env types.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			t.Fatalf("backbone payload: %v", err)
		}
		if env.Topic != "policy_data" {
			t.Errorf("topic = %s", env.Topic)
		}
		var published types.DataUpdate
		if err := json.Unmarshal(env.Data, &published); err != nil {
			t.Fatalf("envelope data: %v", err)
		}
		if published.ID != resp.ID {
			t.Errorf("published id = %s, want %s", published.ID, resp.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update never reached the backbone")
	}
}

func TestDataUpdateValidation(t *testing.T) {
	s := testServer(t, nil)
	h := s.Router()
	token, _, err := s.auth.Mint(auth.PeerDataSource)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tests := []struct {
		name   string
		update types.DataUpdate
	}{
		{"no entries", types.DataUpdate{}},
		{"entry without topics", types.DataUpdate{Entries: []types.DataSourceEntry{
			{URL: "https://x", DstPath: "/x"},
		}}},
		{"bad save method", types.DataUpdate{Entries: []types.DataSourceEntry{
			{URL: "https://x", Topics: []string{"t"}, DstPath: "/x", SaveMethod: "MERGE"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/data/update", token, tt.update)
			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestDataConfigServesBaseSources(t *testing.T) {
	s := testServer(t, func(cfg *config.Server) {
		cfg.DataConfigSources = `{"entries":[{"url":"https://api.example.com/users","topics":["policy_data"],"dst_path":"/users"}]}`
	})
	h := s.Router()

	w := doJSON(t, h, http.MethodGet, "/data/config", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var update types.DataUpdate
	if err := json.Unmarshal(w.Body.Bytes(), &update); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(update.Entries) != 1 || update.Entries[0].DstPath != "/users" {
		t.Errorf("entries = %+v", update.Entries)
	}
}

func TestPolicyWithoutSource(t *testing.T) {
	s := testServer(t, nil)
	w := doJSON(t, s.Router(), http.MethodGet, "/policy", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestPolicyBeforeFirstRevision(t *testing.T) {
	s := testServer(t, func(cfg *config.Server) {
		cfg.BundleURL = "http://127.0.0.1:1/bundle.tgz"
	})
	w := doJSON(t, s.Router(), http.MethodGet, "/policy", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestStatsLocalFallback(t *testing.T) {
	s := testServer(t, nil)
	w := doJSON(t, s.Router(), http.MethodGet, "/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var agg struct {
		Clients int `json:"clients"`
		Workers int `json:"workers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &agg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agg.Clients != 0 || agg.Workers != 1 {
		t.Errorf("aggregate = %+v", agg)
	}
}

func TestScopesRoutesAbsentWhenDisabled(t *testing.T) {
	s := testServer(t, nil)
	w := doJSON(t, s.Router(), http.MethodGet, "/scopes", "", nil)
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", w.Code)
	}
}

func TestPolicyTopics(t *testing.T) {
	ev := tracker.RevisionEvent{
		Revision: "rev-2",
		Changed:  []string{"rbac/allow.rego", "rbac/deny.rego", "data.json"},
		Deleted:  []string{"billing/old.rego"},
	}
	topics := policyTopics(ev)

	want := map[string]bool{
		"policy:.":       true,
		"policy:rbac":    true,
		"policy:billing": true,
	}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v", topics)
	}
	for _, topic := range topics {
		if !want[topic] {
			t.Errorf("unexpected topic %s", topic)
		}
	}
}

// A change deep in the tree must reach clients subscribed to any
// directory above it, not only the top-level one.
func TestPolicyTopicsNestedDirs(t *testing.T) {
	ev := tracker.RevisionEvent{
		Revision: "rev-3",
		Changed:  []string{"app/rbac/allow.rego", "./app/rbac/deny.rego"},
	}
	topics := policyTopics(ev)

	want := map[string]bool{
		"policy:.":        true,
		"policy:app":      true,
		"policy:app/rbac": true,
	}
	if len(topics) != len(want) {
		t.Fatalf("topics = %v", topics)
	}
	for _, topic := range topics {
		if !want[topic] {
			t.Errorf("unexpected topic %s", topic)
		}
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := bearerToken(r); got != "" {
		t.Errorf("bearerToken without header = %q", got)
	}
	r.Header.Set("Authorization", "Bearer abc123")
	if got := bearerToken(r); got != "abc123" {
		t.Errorf("bearerToken = %q", got)
	}
	r.Header.Set("Authorization", "Basic abc123")
	if got := bearerToken(r); got != "" {
		t.Errorf("bearerToken with basic scheme = %q", got)
	}
}
