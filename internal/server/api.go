// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opalfleet/opal/internal/auth"
	"github.com/opalfleet/opal/internal/bundle"
	"github.com/opalfleet/opal/internal/pubsub"
	"github.com/opalfleet/opal/internal/scopes"
	"github.com/opalfleet/opal/internal/tracker"
	"github.com/opalfleet/opal/internal/types"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Router builds the worker's HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/", s.handleHealthcheck)
	r.Get("/healthcheck", s.handleHealthcheck)
	r.Post("/token", s.handleToken)
	r.Get("/policy", s.handlePolicy)
	r.Post("/webhook", s.handleWebhook)
	r.Get("/data/config", s.handleDataConfigGet)
	r.Post("/data/config", s.handleDataUpdate)
	r.Post("/data/update", s.handleDataUpdate)
	r.Get("/stats", s.handleStats)
	r.Get("/statistics", s.handleStatistics)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", &pubsub.WSHandler{
		Hub:           s.hub,
		Authenticator: s.auth,
		RateLimit:     s.cfg.WSRateLimit,
		RateBurst:     s.cfg.WSRateLimitBurst,
		IdleDrop:      s.cfg.WSIdleDropTimeout,
		Logger:        s.logger,
	})

	if s.scopes != nil {
		r.Put("/scopes", s.handleScopeUpsert)
		r.Get("/scopes", s.handleScopeList)
		r.Delete("/scopes/{id}", s.handleScopeDelete)
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleToken mints a client or datasource JWT. Only the master token
// may call it.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	presented := bearerToken(r)
	if !s.auth.CheckMasterToken(presented) {
		s.writeError(w, http.StatusUnauthorized, "invalid master token")
		return
	}

	var body struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	peer := auth.PeerType(body.Type)
	if !peer.Valid() {
		s.writeError(w, http.StatusBadRequest, "type must be client or datasource")
		return
	}

	token, claims, err := s.auth.Mint(peer)
	if err != nil {
		s.logger.Error().Err(err).Msg("token minting failed")
		s.writeError(w, http.StatusInternalServerError, "token minting failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"type":    "bearer",
		"details": claims,
	})
}

// handlePolicy serves a bundle for the requested subscription paths:
// complete when base_hash is absent, a delta otherwise. Built bundles
// are cached per (revision, base, paths).
func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	builder, source, err := s.policySource(r.URL.Query().Get("scope"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	revision := source.Revision()
	if revision == "" {
		s.writeError(w, http.StatusServiceUnavailable, "no policy revision available yet")
		return
	}

	dirs := r.URL.Query()["path"]
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	base := r.URL.Query().Get("base_hash")

	key := cacheKey(revision, base, dirs)
	if cached, ok := s.bundleCache.Get(key); ok {
		s.writeJSON(w, http.StatusOK, cached)
		return
	}

	b, err := builder.Build(revision, base, bundle.Filter{
		Extensions:  s.cfg.PolicyFileExtensions,
		Directories: dirs,
		IgnoreGlobs: s.cfg.BundleIgnoreGlobs,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("revision", revision).Msg("bundle build failed")
		s.writeError(w, http.StatusInternalServerError, "bundle build failed")
		return
	}

	s.bundleCache.SetDefault(key, b)
	s.writeJSON(w, http.StatusOK, b)
}

// policySource resolves the builder/source pair for a request, routed
// by scope when one is named.
func (s *Server) policySource(scope string) (*bundle.Builder, tracker.Source, error) {
	if scope != "" && scope != "default" {
		if s.scopes == nil {
			return nil, nil, fmt.Errorf("scopes are not enabled")
		}
		return s.scopes.Builder(scope)
	}
	if s.source == nil {
		return nil, nil, fmt.Errorf("no policy source configured")
	}
	return s.builder, s.source, nil
}

func cacheKey(revision, base string, dirs []string) string {
	sorted := append([]string(nil), dirs...)
	sort.Strings(sorted)
	return revision + "|" + base + "|" + strings.Join(sorted, ",")
}

// handleWebhook authenticates the delivery and triggers an immediate
// source re-check. Authentic but irrelevant deliveries are acknowledged
// without a re-check.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := s.webhook.Validate(r, body); err != nil {
		if errors.Is(err, errWebhookIgnored) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting webhook")
		s.writeError(w, http.StatusUnauthorized, "webhook validation failed")
		return
	}

	if s.source != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.source.CheckNow(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("webhook-triggered re-check failed")
			}
		}()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDataConfigGet serves the base data directives clients apply at
// bootstrap.
func (s *Server) handleDataConfigGet(w http.ResponseWriter, r *http.Request) {
	if scope := r.URL.Query().Get("scope"); scope != "" && scope != "default" && s.scopes != nil {
		if update := s.scopes.DataConfig(scope); update != nil {
			s.writeJSON(w, http.StatusOK, update)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.baseData)
}

// handleDataUpdate accepts a DataUpdate from an authorized datasource,
// assigns it an id and republishes it on every topic its entries name.
func (s *Server) handleDataUpdate(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.VerifyPeer(bearerToken(r), auth.PeerDataSource); err != nil {
		s.writeError(w, http.StatusUnauthorized, "datasource token required")
		return
	}

	var update types.DataUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid data update")
		return
	}
	if err := s.validate.Struct(&update); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	update.ID = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	payload, err := json.Marshal(update)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to encode update")
		return
	}

	for _, topic := range update.Topics() {
		if err := s.hub.Publish(r.Context(), topic, payload, pubsub.OriginLocal); err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("data update publish failed")
			s.writeError(w, http.StatusBadGateway, "publish failed")
			return
		}
	}

	s.logger.Info().Str("update_id", update.ID).Int("entries", len(update.Entries)).Str("reason", update.Reason).Msg("data update accepted")
	s.writeJSON(w, http.StatusOK, map[string]string{"id": update.ID})
}

// handleStats serves the aggregate fleet counts. Without the
// statistics tracker only this worker's connections are known.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats != nil {
		s.writeJSON(w, http.StatusOK, s.stats.Aggregate())
		return
	}
	s.writeJSON(w, http.StatusOK, pubsub.Aggregate{Clients: s.hub.ConnectionCount(), Workers: 1})
}

// handleStatistics serves the per-client table.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.stats != nil {
		s.writeJSON(w, http.StatusOK, s.stats.Clients())
		return
	}
	s.writeJSON(w, http.StatusOK, s.hub.LocalClients())
}

func (s *Server) handleScopeUpsert(w http.ResponseWriter, r *http.Request) {
	if !s.auth.CheckMasterToken(bearerToken(r)) {
		s.writeError(w, http.StatusUnauthorized, "invalid master token")
		return
	}
	var def scopes.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid scope definition")
		return
	}
	if err := s.scopes.Upsert(s.baseCtx, def); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": def.ID})
}

func (s *Server) handleScopeList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scopes.List())
}

func (s *Server) handleScopeDelete(w http.ResponseWriter, r *http.Request) {
	if !s.auth.CheckMasterToken(bearerToken(r)) {
		s.writeError(w, http.StatusUnauthorized, "invalid master token")
		return
	}
	s.scopes.Delete(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

// bearerToken extracts a bearer credential from the Authorization
// header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}
