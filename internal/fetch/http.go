// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxFetchBody bounds the size of a fetched document.
const maxFetchBody = 64 << 20 // 64 MiB

// HTTPProvider fetches JSON documents over HTTP(S). Directive config
// keys: "headers" (map of string), "method" (default GET), "body"
// (request payload, sent as JSON).
type HTTPProvider struct {
	Client *http.Client
}

// NewHTTPProvider returns the provider with a dedicated client.
func NewHTTPProvider(timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProvider) Name() string      { return "http" }
func (p *HTTPProvider) Schemes() []string { return []string{"http", "https"} }

// Fetch issues the request and returns the response body as JSON.
// A non-JSON body is wrapped as a JSON string so downstream consumers
// always receive a valid document.
func (p *HTTPProvider) Fetch(ctx context.Context, rawURL string, config map[string]any) (json.RawMessage, error) {
	method := http.MethodGet
	if m, ok := config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if payload, ok := config["body"]; ok && payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fetch request body: %w", err)
		}
		body = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch source returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch response: %w", err)
	}

	if json.Valid(raw) {
		return json.RawMessage(raw), nil
	}
	wrapped, err := json.Marshal(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap non-JSON response: %w", err)
	}
	return wrapped, nil
}
