// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package config

import (
	"strings"
	"testing"
)

func validServerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPAL_AUTH_JWT_SECRET", "test-secret")
}

func TestLoadServerDefaults(t *testing.T) {
	validServerEnv(t)

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Addr != ":7002" {
		t.Errorf("Addr = %s", cfg.Addr)
	}
	if cfg.WorkerCount != 1 {
		t.Errorf("WorkerCount = %d", cfg.WorkerCount)
	}
	if cfg.BroadcastChannel != "EventNotifier" {
		t.Errorf("BroadcastChannel = %s", cfg.BroadcastChannel)
	}
	if cfg.PolicyRepoBranch != "master" {
		t.Errorf("PolicyRepoBranch = %s", cfg.PolicyRepoBranch)
	}
	if len(cfg.PolicyFileExtensions) != 2 || cfg.PolicyFileExtensions[0] != ".rego" {
		t.Errorf("PolicyFileExtensions = %v", cfg.PolicyFileExtensions)
	}
}

func TestServerValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			"multiple workers need a backbone",
			map[string]string{"OPAL_SERVER_WORKER_COUNT": "4"},
			"OPAL_BROADCAST_URI",
		},
		{
			"repo and bundle are exclusive",
			map[string]string{
				"OPAL_POLICY_REPO_URL": "https://example.com/repo.git",
				"OPAL_BUNDLE_URL":      "https://example.com/bundle.tgz",
			},
			"mutually exclusive",
		},
		{
			"bad webhook scheme",
			map[string]string{"OPAL_WEBHOOK_AUTH_SCHEME": "basic"},
			"OPAL_WEBHOOK_AUTH_SCHEME",
		},
		{
			"bad hmac algorithm",
			map[string]string{"OPAL_WEBHOOK_HMAC_ALGORITHM": "md5"},
			"OPAL_WEBHOOK_HMAC_ALGORITHM",
		},
		{
			"bad event pattern",
			map[string]string{"OPAL_WEBHOOK_EVENT_PATTERN": "(unclosed"},
			"OPAL_WEBHOOK_EVENT_PATTERN",
		},
		{
			"bad data sources json",
			map[string]string{"OPAL_DATA_CONFIG_SOURCES": "{not json"},
			"OPAL_DATA_CONFIG_SOURCES",
		},
		{
			"bad log level",
			map[string]string{"OPAL_LOG_LEVEL": "verbose"},
			"OPAL_LOG_LEVEL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validServerEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadServer()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestServerRequiresSigningMaterial(t *testing.T) {
	if _, err := LoadServer(); err == nil {
		t.Error("server started without JWT material")
	}
}

func TestBaseDataSources(t *testing.T) {
	validServerEnv(t)
	t.Setenv("OPAL_DATA_CONFIG_SOURCES",
		`{"entries":[{"url":"https://api.example.com/users","topics":["policy_data"],"dst_path":"/users"}]}`)

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	update, err := cfg.BaseDataSources()
	if err != nil {
		t.Fatalf("BaseDataSources: %v", err)
	}
	if len(update.Entries) != 1 || update.Entries[0].DstPath != "/users" {
		t.Errorf("entries = %+v", update.Entries)
	}
}

func TestBaseDataSourcesEmpty(t *testing.T) {
	validServerEnv(t)
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	update, err := cfg.BaseDataSources()
	if err != nil {
		t.Fatalf("BaseDataSources: %v", err)
	}
	if len(update.Entries) != 0 {
		t.Errorf("entries = %+v", update.Entries)
	}
}

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.ServerURL != "http://localhost:7002" {
		t.Errorf("ServerURL = %s", cfg.ServerURL)
	}
	if cfg.FetchWorkerCount != 6 {
		t.Errorf("FetchWorkerCount = %d", cfg.FetchWorkerCount)
	}
	if cfg.TransactionLogSize != 100 {
		t.Errorf("TransactionLogSize = %d", cfg.TransactionLogSize)
	}
	if len(cfg.DataTopics) != 1 || cfg.DataTopics[0] != "policy_data" {
		t.Errorf("DataTopics = %v", cfg.DataTopics)
	}
}

func TestClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			"bad store auth type",
			map[string]string{"OPAL_POLICY_STORE_AUTH_TYPE": "basic"},
			"OPAL_POLICY_STORE_AUTH_TYPE",
		},
		{
			"oauth2 needs server and client id",
			map[string]string{"OPAL_POLICY_STORE_AUTH_TYPE": "oauth2"},
			"oauth2",
		},
		{
			"worker count must be positive",
			map[string]string{"OPAL_FETCHING_WORKER_COUNT": "0"},
			"OPAL_FETCHING_WORKER_COUNT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadClient(); err == nil {
				t.Fatal("expected validation error")
			} else if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
