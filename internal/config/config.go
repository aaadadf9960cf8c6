// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package config loads server and client configuration from OPAL_*
// environment variables. Every option has a named default; validation
// is fail-fast so a misconfigured process refuses to start.
package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/opalfleet/opal/internal/types"
)

// Common holds options shared by the server and client binaries.
type Common struct {
	LogLevel  string `env:"OPAL_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"OPAL_LOG_FORMAT" envDefault:"json"`
}

// Server is the OPAL server configuration.
type Server struct {
	Common

	Addr        string `env:"OPAL_SERVER_ADDR" envDefault:":7002"`
	WorkerCount int    `env:"OPAL_SERVER_WORKER_COUNT" envDefault:"1"`
	WorkerID    string `env:"OPAL_SERVER_WORKER_ID"` // default: generated UUID

	// Backbone. Empty URI means in-process fan-out only, which is
	// valid for a single worker.
	BroadcastURI       string        `env:"OPAL_BROADCAST_URI"`
	BroadcastChannel   string        `env:"OPAL_BROADCAST_CHANNEL" envDefault:"EventNotifier"`
	KeepaliveInterval  time.Duration `env:"OPAL_BROADCAST_KEEPALIVE_INTERVAL" envDefault:"3600s"`
	StatisticsEnabled  bool          `env:"OPAL_STATISTICS_ENABLED" envDefault:"false"`
	StatisticsTTL      time.Duration `env:"OPAL_STATISTICS_WORKER_TTL" envDefault:"60s"`
	WSRateLimit        float64       `env:"OPAL_WS_RATE_LIMIT"` // tokens per second, 0 disables
	WSRateLimitBurst   int           `env:"OPAL_WS_RATE_LIMIT_BURST" envDefault:"10"`
	WSIdleDropTimeout  time.Duration `env:"OPAL_WS_IDLE_DROP_TIMEOUT" envDefault:"90s"`

	// Auth.
	MasterToken   string `env:"OPAL_AUTH_MASTER_TOKEN"`
	JWTSecret     string `env:"OPAL_AUTH_JWT_SECRET"`
	JWTPrivateKey string `env:"OPAL_AUTH_PRIVATE_KEY"` // PEM file path, RS256
	JWTPublicKey  string `env:"OPAL_AUTH_PUBLIC_KEY"`  // PEM file path, RS256
	JWTAudience   string `env:"OPAL_AUTH_JWT_AUDIENCE" envDefault:"https://api.opal.ac/v1/"`
	JWTIssuer     string `env:"OPAL_AUTH_JWT_ISSUER" envDefault:"https://opal.ac/"`

	// Policy source: git repository.
	PolicyRepoURL          string        `env:"OPAL_POLICY_REPO_URL"`
	PolicyRepoBranch       string        `env:"OPAL_POLICY_REPO_MAIN_BRANCH" envDefault:"master"`
	PolicyRepoClonePath    string        `env:"OPAL_POLICY_REPO_CLONE_PATH" envDefault:"/tmp/opal_policy_repo"`
	PolicyRepoPollInterval time.Duration `env:"OPAL_POLICY_REPO_POLLING_INTERVAL"` // 0 = webhook only
	PolicyRepoSSHKeyFile   string        `env:"OPAL_POLICY_REPO_SSH_KEY_FILE"`
	PolicyRepoToken        string        `env:"OPAL_POLICY_REPO_TOKEN"`
	PolicyRepoLocalWatch   bool          `env:"OPAL_POLICY_REPO_LOCAL_WATCH" envDefault:"false"`

	// Policy source: bundle endpoint (mutually exclusive with the git
	// repo options).
	BundleURL          string        `env:"OPAL_BUNDLE_URL"`
	BundlePollInterval time.Duration `env:"OPAL_BUNDLE_POLLING_INTERVAL" envDefault:"30s"`
	BundleToken        string        `env:"OPAL_BUNDLE_TOKEN"`

	// Webhook validation.
	WebhookSecret          string `env:"OPAL_POLICY_REPO_WEBHOOK_SECRET"`
	WebhookSignatureHeader string `env:"OPAL_WEBHOOK_SIGNATURE_HEADER" envDefault:"X-Hub-Signature-256"`
	WebhookHMACAlgorithm   string `env:"OPAL_WEBHOOK_HMAC_ALGORITHM" envDefault:"sha256"`
	WebhookAuthScheme      string `env:"OPAL_WEBHOOK_AUTH_SCHEME" envDefault:"hmac"` // hmac | token
	WebhookTokenHeader     string `env:"OPAL_WEBHOOK_TOKEN_HEADER" envDefault:"X-Webhook-Token"`
	WebhookEventPattern    string `env:"OPAL_WEBHOOK_EVENT_PATTERN"` // optional regex over the body

	// Bundle building.
	PolicyFileExtensions []string `env:"OPAL_POLICY_FILE_EXTENSIONS" envDefault:".rego,.json"`
	BundleIgnoreGlobs    []string `env:"OPAL_BUNDLE_IGNORE"`
	ManifestPath         string   `env:"OPAL_POLICY_REPO_MANIFEST_PATH" envDefault:".manifest"`
	BundleCacheTTL       time.Duration `env:"OPAL_BUNDLE_CACHE_TTL" envDefault:"300s"`

	// Leader election.
	LeaderLockFile string        `env:"OPAL_LEADER_LOCK_FILE" envDefault:"/tmp/opal_server_leader.lock"`
	LeaderLockTTL  time.Duration `env:"OPAL_LEADER_LOCK_TTL" envDefault:"30s"`

	// Base data source directives handed to clients at bootstrap;
	// JSON-encoded DataUpdate.
	DataConfigSources string `env:"OPAL_DATA_CONFIG_SOURCES"`

	// Scopes (multi-tenant mode).
	ScopesEnabled bool   `env:"OPAL_SCOPES" envDefault:"false"`
	ScopesFile    string `env:"OPAL_SCOPES_FILE"`
	ScopeShards   int    `env:"OPAL_SCOPES_REPO_SHARDS" envDefault:"1"`
}

// Client is the OPAL client configuration.
type Client struct {
	Common

	ServerURL   string `env:"OPAL_SERVER_URL" envDefault:"http://localhost:7002"`
	ClientToken string `env:"OPAL_CLIENT_TOKEN"`
	ScopeID     string `env:"OPAL_SCOPE_ID" envDefault:"default"`
	APIAddr     string `env:"OPAL_CLIENT_API_ADDR" envDefault:":7000"`

	DataTopics             []string `env:"OPAL_DATA_TOPICS" envDefault:"policy_data"`
	PolicySubscriptionDirs []string `env:"OPAL_POLICY_SUBSCRIPTION_DIRS" envDefault:"."`

	// Policy store (the engine).
	PolicyStoreURL           string        `env:"OPAL_POLICY_STORE_URL" envDefault:"http://localhost:8181"`
	PolicyStoreAuthType      string        `env:"OPAL_POLICY_STORE_AUTH_TYPE" envDefault:"none"` // none | token | oauth2
	PolicyStoreAuthToken     string        `env:"OPAL_POLICY_STORE_AUTH_TOKEN"`
	PolicyStoreOAuthServer   string        `env:"OPAL_POLICY_STORE_AUTH_OAUTH_SERVER"`
	PolicyStoreOAuthClientID string        `env:"OPAL_POLICY_STORE_AUTH_OAUTH_CLIENT_ID"`
	PolicyStoreOAuthSecret   string        `env:"OPAL_POLICY_STORE_AUTH_OAUTH_CLIENT_SECRET"`
	PolicyStoreTLSCert       string        `env:"OPAL_POLICY_STORE_TLS_CLIENT_CERT"`
	PolicyStoreTLSKey        string        `env:"OPAL_POLICY_STORE_TLS_CLIENT_KEY"`
	PolicyStoreTimeout       time.Duration `env:"OPAL_POLICY_STORE_TIMEOUT" envDefault:"10s"`

	HealthcheckDocPath string `env:"OPAL_HEALTHCHECK_DOC_PATH" envDefault:"/system/opal/healthcheck"`
	TransactionLogSize int    `env:"OPAL_TRANSACTION_LOG_SIZE" envDefault:"100"`

	// Fetch engine.
	FetchWorkerCount  int           `env:"OPAL_FETCHING_WORKER_COUNT" envDefault:"6"`
	FetchQueueSize    int           `env:"OPAL_FETCHING_QUEUE_SIZE" envDefault:"64"`
	FetchTimeout      time.Duration `env:"OPAL_FETCH_TIMEOUT" envDefault:"30s"`
	EnqueueTimeout    time.Duration `env:"OPAL_FETCH_ENQUEUE_TIMEOUT" envDefault:"10s"`
	SplitRootData     bool          `env:"OPAL_SPLIT_ROOT_DATA" envDefault:"false"`

	// Backup / offline mode.
	OfflineModeEnabled bool          `env:"OPAL_OFFLINE_MODE_ENABLED" envDefault:"false"`
	BackupFile         string        `env:"OPAL_STORE_BACKUP_FILE" envDefault:"/opal/backup/opal.json"`
	BackupInterval     time.Duration `env:"OPAL_STORE_BACKUP_INTERVAL" envDefault:"60s"`

	// Reconnect backoff.
	ReconnectMinBackoff time.Duration `env:"OPAL_RECONNECT_MIN_BACKOFF" envDefault:"1s"`
	ReconnectMaxBackoff time.Duration `env:"OPAL_RECONNECT_MAX_BACKOFF" envDefault:"60s"`
}

// LoadServer reads the server configuration from the environment.
// A .env file is honored in development when present.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadClient reads the client configuration from the environment.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the server configuration for fatal inconsistencies.
func (c *Server) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("OPAL_SERVER_WORKER_COUNT must be >= 1, got %d", c.WorkerCount)
	}
	if c.WorkerCount > 1 && c.BroadcastURI == "" {
		return fmt.Errorf("OPAL_BROADCAST_URI is required when OPAL_SERVER_WORKER_COUNT > 1")
	}
	if c.PolicyRepoURL != "" && c.BundleURL != "" {
		return fmt.Errorf("OPAL_POLICY_REPO_URL and OPAL_BUNDLE_URL are mutually exclusive")
	}
	if c.JWTSecret == "" && (c.JWTPrivateKey == "" || c.JWTPublicKey == "") {
		return fmt.Errorf("either OPAL_AUTH_JWT_SECRET or both OPAL_AUTH_PRIVATE_KEY and OPAL_AUTH_PUBLIC_KEY must be set")
	}
	switch c.WebhookAuthScheme {
	case "hmac", "token":
	default:
		return fmt.Errorf("OPAL_WEBHOOK_AUTH_SCHEME must be one of: hmac, token (got: %s)", c.WebhookAuthScheme)
	}
	switch c.WebhookHMACAlgorithm {
	case "sha1", "sha256", "sha512":
	default:
		return fmt.Errorf("OPAL_WEBHOOK_HMAC_ALGORITHM must be one of: sha1, sha256, sha512 (got: %s)", c.WebhookHMACAlgorithm)
	}
	if c.WebhookEventPattern != "" {
		if _, err := regexp.Compile(c.WebhookEventPattern); err != nil {
			return fmt.Errorf("invalid OPAL_WEBHOOK_EVENT_PATTERN: %w", err)
		}
	}
	if c.ScopesEnabled && c.ScopeShards < 1 {
		return fmt.Errorf("OPAL_SCOPES_REPO_SHARDS must be >= 1, got %d", c.ScopeShards)
	}
	if _, err := c.BaseDataSources(); err != nil {
		return err
	}
	return c.Common.validate()
}

// Validate checks the client configuration for fatal inconsistencies.
func (c *Client) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("OPAL_SERVER_URL is required")
	}
	if c.FetchWorkerCount < 1 {
		return fmt.Errorf("OPAL_FETCHING_WORKER_COUNT must be >= 1, got %d", c.FetchWorkerCount)
	}
	if c.TransactionLogSize < 1 {
		return fmt.Errorf("OPAL_TRANSACTION_LOG_SIZE must be >= 1, got %d", c.TransactionLogSize)
	}
	switch c.PolicyStoreAuthType {
	case "none", "token", "oauth2":
	default:
		return fmt.Errorf("OPAL_POLICY_STORE_AUTH_TYPE must be one of: none, token, oauth2 (got: %s)", c.PolicyStoreAuthType)
	}
	if c.PolicyStoreAuthType == "oauth2" && (c.PolicyStoreOAuthServer == "" || c.PolicyStoreOAuthClientID == "") {
		return fmt.Errorf("oauth2 policy store auth requires OPAL_POLICY_STORE_AUTH_OAUTH_SERVER and OPAL_POLICY_STORE_AUTH_OAUTH_CLIENT_ID")
	}
	return c.Common.validate()
}

func (c *Common) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("OPAL_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("OPAL_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// BaseDataSources decodes OPAL_DATA_CONFIG_SOURCES into the DataUpdate
// served to clients at bootstrap. Returns an empty update when unset.
func (c *Server) BaseDataSources() (*types.DataUpdate, error) {
	if strings.TrimSpace(c.DataConfigSources) == "" {
		return &types.DataUpdate{Reason: "base data configuration"}, nil
	}
	var u types.DataUpdate
	if err := json.Unmarshal([]byte(c.DataConfigSources), &u); err != nil {
		return nil, fmt.Errorf("invalid OPAL_DATA_CONFIG_SOURCES: %w", err)
	}
	return &u, nil
}
