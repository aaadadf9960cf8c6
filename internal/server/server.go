// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package server wires the OPAL server worker: backbone, pubsub hub,
// policy tracker with leader election, bundle serving, the data update
// router and the HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/auth"
	"github.com/opalfleet/opal/internal/broker"
	"github.com/opalfleet/opal/internal/bundle"
	"github.com/opalfleet/opal/internal/config"
	"github.com/opalfleet/opal/internal/pubsub"
	"github.com/opalfleet/opal/internal/scopes"
	"github.com/opalfleet/opal/internal/tracker"
	"github.com/opalfleet/opal/internal/types"
)

// Server is one OPAL server worker.
type Server struct {
	cfg    *config.Server
	logger zerolog.Logger

	// baseCtx outlives individual requests; scope trackers started
	// from an HTTP handler are bound to it, not to the request.
	baseCtx context.Context

	broker  broker.Broker
	hub     *pubsub.Hub
	stats   *pubsub.Statistics
	auth    *auth.Authenticator
	source  tracker.Source
	builder *bundle.Builder
	scopes  *scopes.Manager
	webhook *WebhookValidator

	bundleCache *gocache.Cache
	validate    *validator.Validate
	baseData    *types.DataUpdate
}

// New builds a server worker from its configuration. The policy source
// variant (git repo or bundle endpoint) is selected here; neither being
// configured is valid for a data-distribution-only deployment.
func New(ctx context.Context, cfg *config.Server, logger zerolog.Logger) (*Server, error) {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}

	b, err := broker.Connect(ctx, cfg.BroadcastURI, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect backbone: %w", err)
	}

	authenticator, err := auth.New(auth.Config{
		MasterToken:    cfg.MasterToken,
		Secret:         cfg.JWTSecret,
		PrivateKeyFile: cfg.JWTPrivateKey,
		PublicKeyFile:  cfg.JWTPublicKey,
		Audience:       cfg.JWTAudience,
		Issuer:         cfg.JWTIssuer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build authenticator: %w", err)
	}

	baseData, err := cfg.BaseDataSources()
	if err != nil {
		return nil, err
	}

	s := &Server{
		baseCtx:     ctx,
		cfg:         cfg,
		logger:      logger.With().Str("component", "server").Str("worker_id", workerID).Logger(),
		broker:      b,
		hub:         pubsub.NewHub(workerID, cfg.BroadcastChannel, b, logger),
		auth:        authenticator,
		webhook:     newWebhookValidator(cfg),
		bundleCache: gocache.New(cfg.BundleCacheTTL, 2*cfg.BundleCacheTTL),
		validate:    validator.New(),
		baseData:    baseData,
	}

	if cfg.StatisticsEnabled {
		s.stats = pubsub.NewStatistics(s.hub, b, cfg.BroadcastChannel, cfg.StatisticsTTL, logger)
	}

	switch {
	case cfg.PolicyRepoURL != "":
		src, err := tracker.NewGitSource(ctx, tracker.GitConfig{
			URL:          cfg.PolicyRepoURL,
			Branch:       cfg.PolicyRepoBranch,
			ClonePath:    cfg.PolicyRepoClonePath,
			PollInterval: cfg.PolicyRepoPollInterval,
			SSHKeyFile:   cfg.PolicyRepoSSHKeyFile,
			Token:        cfg.PolicyRepoToken,
			LocalWatch:   cfg.PolicyRepoLocalWatch,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open policy repo: %w", err)
		}
		s.source = src
	case cfg.BundleURL != "":
		s.source = tracker.NewBundleSource(tracker.BundleConfig{
			URL:          cfg.BundleURL,
			PollInterval: cfg.BundlePollInterval,
			Token:        cfg.BundleToken,
		}, logger)
	}
	if s.source != nil {
		s.builder = bundle.NewBuilder(s.source, cfg.ManifestPath)
	}

	if cfg.ScopesEnabled {
		s.scopes = scopes.NewManager(cfg.PolicyRepoClonePath+"_scopes", cfg.ManifestPath, cfg.ScopeShards,
			func(ctx context.Context, topic string, data json.RawMessage) {
				if err := s.hub.Publish(ctx, topic, data, pubsub.OriginLocal); err != nil {
					s.logger.Warn().Err(err).Str("topic", topic).Msg("scope event publish failed")
				}
			}, logger)
	}

	return s, nil
}

// Run starts the worker's background loops and blocks until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.hub.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("hub stopped")
		}
	}()

	if s.stats != nil {
		go func() {
			if err := s.stats.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("statistics tracker stopped")
			}
		}()
	}

	go broker.StartKeepalive(ctx, s.broker, s.cfg.BroadcastChannel, s.hub.WorkerID(), s.cfg.KeepaliveInterval, s.logger)

	if s.scopes != nil && s.cfg.ScopesFile != "" {
		if err := s.scopes.LoadFile(ctx, s.cfg.ScopesFile); err != nil {
			return err
		}
	}

	if s.source != nil {
		go s.runTracker(ctx)
		go s.forwardRevisionEvents(ctx)
		go s.followRemoteRevisions(ctx)
	}

	<-ctx.Done()
	s.broker.Close()
	return ctx.Err()
}

// runTracker runs the policy source under leader election: only the
// lock holder polls the upstream; on handover the next leader resumes
// from its local clone state.
func (s *Server) runTracker(ctx context.Context) {
	elector := &tracker.Elector{
		Path:     s.cfg.LeaderLockFile,
		TTL:      s.cfg.LeaderLockTTL,
		WorkerID: s.hub.WorkerID(),
		Logger:   s.logger,
	}
	err := elector.Run(ctx, func(leaderCtx context.Context) {
		if err := s.source.Run(leaderCtx); err != nil && leaderCtx.Err() == nil {
			s.logger.Error().Err(err).Msg("policy tracker stopped")
		}
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("leader election stopped")
	}
}

// forwardRevisionEvents publishes each revision event on the policy
// topics derived from the touched paths.
func (s *Server) forwardRevisionEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.source.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(types.PolicyEvent{
				Revision:    ev.Revision,
				OldRevision: ev.OldRevision,
				Paths:       append(append([]string(nil), ev.Changed...), ev.Deleted...),
			})
			if err != nil {
				continue
			}
			for _, topic := range policyTopics(ev) {
				if err := s.hub.Publish(ctx, topic, payload, pubsub.OriginLocal); err != nil {
					s.logger.Warn().Err(err).Str("topic", topic).Msg("policy event publish failed")
				}
			}
			s.logger.Info().Str("revision", ev.Revision).Int("changed", len(ev.Changed)).Int("deleted", len(ev.Deleted)).Msg("published policy revision")
		}
	}
}

// followRemoteRevisions keeps follower workers' clones close to the
// leader's: a policy envelope from another worker triggers a local
// re-check so bundle requests can be served from the local source.
func (s *Server) followRemoteRevisions(ctx context.Context) {
	msgs, err := s.broker.Subscribe(ctx, s.cfg.BroadcastChannel)
	if err != nil {
		s.logger.Warn().Err(err).Msg("follower subscription failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env types.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				continue
			}
			if env.NotifierID == s.hub.WorkerID() || !strings.HasPrefix(env.Topic, types.PolicyTopicPrefix) {
				continue
			}
			var ev types.PolicyEvent
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				continue
			}
			if s.source.HasRevision(ev.Revision) {
				continue
			}
			if err := s.source.CheckNow(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("follower source re-check failed")
			}
		}
	}
}

// policyTopics derives the topics a revision event is published on:
// the repository root plus every ancestor directory of every touched
// path, so a client subscribed to any directory above a change sees
// the event.
func policyTopics(ev tracker.RevisionEvent) []string {
	topics := []string{types.PolicyTopicPrefix + "."}
	seen := map[string]struct{}{".": {}}
	for _, p := range append(append([]string(nil), ev.Changed...), ev.Deleted...) {
		p = strings.TrimPrefix(path.Clean(p), "./")
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, ok := seen[dir]; ok {
				continue
			}
			seen[dir] = struct{}{}
			topics = append(topics, types.PolicyTopicPrefix+dir)
		}
	}
	return topics
}
