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

	"github.com/opalfleet/opal/internal/config"
	"github.com/opalfleet/opal/internal/logging"
	"github.com/opalfleet/opal/internal/server"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fallback := logging.New("error", "json")
		fallback.Fatal().Err(err).Msg("configuration error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Str("addr", cfg.Addr).Msg("OPAL server starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()
	logger.Info().Str("addr", cfg.Addr).Msg("listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown error")
	}
	logger.Info().Msg("server stopped")
}
