// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/types"
)

// Reporter POSTs update reports to the callback URLs named by a data
// update. Callback failures are logged only; they never change the
// outcome of the transaction that triggered them.
type Reporter struct {
	Client *http.Client
	Logger zerolog.Logger
}

// NewReporter returns a reporter with a bounded-timeout client.
func NewReporter(logger zerolog.Logger) *Reporter {
	return &Reporter{
		Client: &http.Client{Timeout: 15 * time.Second},
		Logger: logger.With().Str("component", "callbacks").Logger(),
	}
}

// Report sends the update report to every callback entry. Fetched data
// is attached only for callbacks that opted in.
func (r *Reporter) Report(ctx context.Context, cb *types.UpdateCallback, report types.UpdateReport, fetched json.RawMessage) {
	if cb == nil {
		return
	}
	for _, entry := range cb.Callbacks {
		body := report
		if entry.IncludeData {
			body.Fetched = fetched
		}
		if err := r.send(ctx, entry, body); err != nil {
			r.Logger.Warn().Err(err).Str("url", entry.URL).Str("update_id", report.UpdateID).Msg("update callback failed")
		}
	}
}

func (r *Reporter) send(ctx context.Context, entry types.CallbackEntry, report types.UpdateReport) error {
	encoded, err := json.Marshal(report)
	if err != nil {
		return err
	}
	method := entry.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, entry.URL, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range entry.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
