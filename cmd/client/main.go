// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opalfleet/opal/internal/client"
	"github.com/opalfleet/opal/internal/config"
	"github.com/opalfleet/opal/internal/fetch"
	"github.com/opalfleet/opal/internal/logging"
	"github.com/opalfleet/opal/internal/store"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fallback := logging.New("error", "json")
		fallback.Fatal().Err(err).Msg("configuration error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("server", cfg.ServerURL).Str("scope", cfg.ScopeID).Msg("OPAL client starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policyStore, err := store.NewOPA(store.OPAConfig{
		URL:               cfg.PolicyStoreURL,
		Timeout:           cfg.PolicyStoreTimeout,
		AuthType:          cfg.PolicyStoreAuthType,
		Token:             cfg.PolicyStoreAuthToken,
		OAuthTokenURL:     cfg.PolicyStoreOAuthServer,
		OAuthClientID:     cfg.PolicyStoreOAuthClientID,
		OAuthClientSecret: cfg.PolicyStoreOAuthSecret,
		TLSClientCert:     cfg.PolicyStoreTLSCert,
		TLSClientKey:      cfg.PolicyStoreTLSKey,
		HealthcheckPath:   cfg.HealthcheckDocPath,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build policy store adapter")
	}

	registry := fetch.NewRegistry()
	registry.Register(fetch.NewHTTPProvider(cfg.FetchTimeout))
	registry.Register(fetch.NewPostgresProvider())

	fetcher := fetch.NewEngine(registry, fetch.EngineConfig{
		Workers:        cfg.FetchWorkerCount,
		QueueSize:      cfg.FetchQueueSize,
		FetchTimeout:   cfg.FetchTimeout,
		EnqueueTimeout: cfg.EnqueueTimeout,
	}, logger)
	go fetcher.Run(ctx)

	engine := client.NewEngine(cfg, policyStore, fetcher, logger)
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal().Err(err).Msg("sync engine stopped unexpectedly")
		}
	}()

	api := &client.API{Engine: engine, Config: cfg, Logger: logger}
	httpServer := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("client api error")
		}
	}()
	logger.Info().Str("addr", cfg.APIAddr).Msg("client api listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	// The backup loop takes its final export during cancellation.
	time.Sleep(time.Second)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown error")
	}
	logger.Info().Msg("client stopped")
}
