// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// bodySnippetLimit bounds how much of an engine response is kept in a
// transaction record.
const bodySnippetLimit = 256

// Auth modes for the engine connection.
const (
	AuthNone   = "none"
	AuthToken  = "token"
	AuthOAuth2 = "oauth2"
)

// OPAConfig configures the OPA REST adapter.
type OPAConfig struct {
	URL      string
	Timeout  time.Duration
	AuthType string // none | token | oauth2
	Token    string

	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string

	TLSClientCert string
	TLSClientKey  string

	// HealthcheckPath is the data document path the healthcheck doc
	// is written to (e.g. /system/opal/healthcheck).
	HealthcheckPath string
}

// OPA talks to an OPA-compatible engine over its v1 REST API.
// save_method=PATCH is forwarded as a JSON Patch request; OPA answers
// 404 when the target document does not exist, which is recorded as a
// failed transaction.
type OPA struct {
	cfg    OPAConfig
	client *http.Client
	logger zerolog.Logger
}

// NewOPA builds the adapter. In oauth2 mode the client fetches and
// refreshes the access token transparently.
func NewOPA(cfg OPAConfig, logger zerolog.Logger) (*OPA, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")

	transport := http.DefaultTransport
	if cfg.TLSClientCert != "" && cfg.TLSClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCert, cfg.TLSClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy store client certificate: %w", err)
		}
		transport = &http.Transport{TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}}
	}

	client := &http.Client{Timeout: cfg.Timeout, Transport: transport}

	switch cfg.AuthType {
	case AuthNone, AuthToken, "":
	case AuthOAuth2:
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			TokenURL:     cfg.OAuthTokenURL,
		}
		// Token requests reuse the base client (and its TLS setup).
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	default:
		return nil, fmt.Errorf("unknown policy store auth type %q", cfg.AuthType)
	}

	return &OPA{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "policy_store").Logger(),
	}, nil
}

func (s *OPA) do(ctx context.Context, method, u string, contentType string, body []byte) Result {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return Result{Success: false, Body: err.Error()}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.cfg.AuthType == AuthToken && s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Success: false, Body: err.Error()}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, bodySnippetLimit))
	return Result{
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:  resp.StatusCode,
		Body:    string(snippet),
	}
}

// policyURL maps a repository-relative module path to its engine
// policy id endpoint.
func (s *OPA) policyURL(path string) string {
	return s.cfg.URL + "/v1/policies/" + url.PathEscape(strings.TrimPrefix(path, "/"))
}

// dataURL maps a document path to its engine data endpoint.
func (s *OPA) dataURL(path string) string {
	path = "/" + strings.Trim(path, "/")
	if path == "/" {
		return s.cfg.URL + "/v1/data"
	}
	return s.cfg.URL + "/v1/data" + path
}

// PutPolicy uploads a policy module; a value-equivalent overwrite is a
// no-op for the engine, which keeps bundle replay idempotent.
func (s *OPA) PutPolicy(ctx context.Context, path, source string) Result {
	return s.do(ctx, http.MethodPut, s.policyURL(path), "text/plain", []byte(source))
}

// DeletePolicy removes a policy module.
func (s *OPA) DeletePolicy(ctx context.Context, path string) Result {
	return s.do(ctx, http.MethodDelete, s.policyURL(path), "", nil)
}

// GetPolicies returns all installed modules keyed by id.
func (s *OPA) GetPolicies(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL+"/v1/policies", nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.AuthType == AuthToken && s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy store returned status %d listing policies", resp.StatusCode)
	}

	var payload struct {
		Result []struct {
			ID  string `json:"id"`
			Raw string `json:"raw"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode policy list: %w", err)
	}
	policies := make(map[string]string, len(payload.Result))
	for _, p := range payload.Result {
		policies[p.ID] = p.Raw
	}
	return policies, nil
}

// PutData writes a data document. method PUT replaces the document;
// method PATCH forwards the value as a JSON Patch.
func (s *OPA) PutData(ctx context.Context, path string, value json.RawMessage, method string) Result {
	switch method {
	case http.MethodPatch:
		return s.do(ctx, http.MethodPatch, s.dataURL(path), "application/json-patch+json", value)
	default:
		return s.do(ctx, http.MethodPut, s.dataURL(path), "application/json", value)
	}
}

// DeleteData removes a data document.
func (s *OPA) DeleteData(ctx context.Context, path string) Result {
	return s.do(ctx, http.MethodDelete, s.dataURL(path), "", nil)
}

// GetData reads a data document (the full document for path "/").
func (s *OPA) GetData(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.dataURL(path), nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.AuthType == AuthToken && s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read data at %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy store returned status %d reading %s", resp.StatusCode, path)
	}

	var payload struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode data at %s: %w", path, err)
	}
	return payload.Result, nil
}

// PutHealthcheck writes the healthcheck document at the configured
// document path.
func (s *OPA) PutHealthcheck(ctx context.Context, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode healthcheck document: %w", err)
	}
	res := s.do(ctx, http.MethodPut, s.dataURL(s.cfg.HealthcheckPath), "application/json", body)
	if !res.Success {
		return fmt.Errorf("healthcheck write failed with status %d: %s", res.Status, res.Body)
	}
	return nil
}
