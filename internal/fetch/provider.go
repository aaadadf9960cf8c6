// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package fetch resolves data update directives through pluggable
// providers on a bounded worker pool.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
)

// Provider fetches the document a directive points at. Providers that
// hold per-fetch resources (connections, pools) must acquire and
// release them inside Fetch so cleanup happens on every exit path.
type Provider interface {
	// Name is the registry key, matched against the directive's
	// explicit "fetcher" config tag.
	Name() string
	// Schemes lists the URL schemes the provider claims when no
	// explicit tag is present.
	Schemes() []string
	// Fetch retrieves and post-processes the document. The returned
	// value must be valid JSON.
	Fetch(ctx context.Context, rawURL string, config map[string]any) (json.RawMessage, error)
}

// Registry maps provider names and URL schemes to providers.
// Providers are registered explicitly at startup; there is no dynamic
// discovery.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]Provider
	bySchemes map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]Provider),
		bySchemes: make(map[string]Provider),
	}
}

// Register adds a provider under its name and schemes. Re-registering
// a name or scheme overwrites the previous provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[p.Name()] = p
	for _, s := range p.Schemes() {
		r.bySchemes[s] = p
	}
}

// Select resolves the provider for a directive: the explicit
// config["fetcher"] tag wins, otherwise the URL scheme decides.
func (r *Registry) Select(rawURL string, config map[string]any) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tag, ok := config["fetcher"].(string); ok && tag != "" {
		p, ok := r.byName[tag]
		if !ok {
			return nil, fmt.Errorf("no fetch provider registered under %q", tag)
		}
		return p, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch url: %w", err)
	}
	p, ok := r.bySchemes[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("no fetch provider for scheme %q", u.Scheme)
	}
	return p, nil
}
