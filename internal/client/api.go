// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package client

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/config"
)

// API is the client's local HTTP surface: health probes, the redacted
// policy store view and prometheus metrics.
type API struct {
	Engine *Engine
	Config *config.Client
	Logger zerolog.Logger
}

// Router builds the chi router for the client API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", a.handleHealthy)
	r.Get("/healthcheck", a.handleHealthy)
	r.Get("/healthy", a.handleHealthy)
	r.Get("/ready", a.handleReady)
	r.Get("/policy-store/config", a.handleStoreConfig)
	r.Get("/transactions", a.handleTransactions)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (a *API) handleHealthy(w http.ResponseWriter, r *http.Request) {
	a.writeStatus(w, a.Engine.Healthy(), "healthy")
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	a.writeStatus(w, a.Engine.Ready(), "ready")
}

func (a *API) writeStatus(w http.ResponseWriter, ok bool, predicate string) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     predicate,
		"ok":         ok,
		"sync_state": a.Engine.State(),
	})
}

// handleStoreConfig exposes the policy store connection settings with
// credentials stripped.
func (a *API) handleStoreConfig(w http.ResponseWriter, r *http.Request) {
	redacted := map[string]any{
		"url":       a.Config.PolicyStoreURL,
		"auth_type": a.Config.PolicyStoreAuthType,
	}
	if a.Config.PolicyStoreAuthToken != "" {
		redacted["token"] = "***"
	}
	if a.Config.PolicyStoreOAuthClientID != "" {
		redacted["oauth_client_id"] = a.Config.PolicyStoreOAuthClientID
		redacted["oauth_client_secret"] = "***"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(redacted)
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.Engine.Transactions())
}
