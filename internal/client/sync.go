// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opalfleet/opal/internal/config"
	"github.com/opalfleet/opal/internal/fetch"
	"github.com/opalfleet/opal/internal/store"
	"github.com/opalfleet/opal/internal/types"
)

// State is the sync engine lifecycle state.
type State string

const (
	StateInit          State = "init"
	StateConnecting    State = "connecting"
	StateBootstrapping State = "bootstrapping"
	StateConnected     State = "connected"
	StateDegraded      State = "degraded"
	StateStopped       State = "stopped"
)

const (
	// wsPongWait bounds the silence the client tolerates before it
	// declares the connection dead and reconnects.
	wsPongWait = 60 * time.Second

	// The client drives its own ping cycle so liveness never depends
	// on the server's ping schedule or its configured idle-drop window.
	wsPingPeriod = wsPongWait * 9 / 10
)

// Engine keeps one policy engine in sync with the server. It owns the
// websocket connection, the transaction log and the last applied
// revision; fetch work is delegated to the fetch engine and store
// writes to the policy store adapter.
type Engine struct {
	cfg      *config.Client
	store    store.PolicyStore
	fetcher  *fetch.Engine
	txlog    *TxLog
	backup   *Backup
	reporter *Reporter
	http     *http.Client
	logger   zerolog.Logger

	mu       sync.RWMutex
	state    State
	clientID string
	revision string // last successfully applied revision
}

// NewEngine wires the sync engine. The fetch engine must be running
// before Run is called.
func NewEngine(cfg *config.Client, ps store.PolicyStore, fetcher *fetch.Engine, logger zerolog.Logger) *Engine {
	l := logger.With().Str("component", "sync_engine").Logger()
	return &Engine{
		cfg:      cfg,
		store:    ps,
		fetcher:  fetcher,
		txlog:    NewTxLog(cfg.TransactionLogSize),
		backup:   &Backup{Path: cfg.BackupFile, Store: ps, Logger: l},
		reporter: NewReporter(logger),
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   l,
		state:    StateInit,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Ready reports the readiness predicate over the transaction log.
func (e *Engine) Ready() bool { return e.txlog.Ready() }

// Healthy reports the health predicate over the transaction log.
func (e *Engine) Healthy() bool { return e.txlog.Healthy() }

// Transactions returns a snapshot of the transaction log.
func (e *Engine) Transactions() []types.Transaction { return e.txlog.Snapshot() }

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.logger.Info().Str("from", string(prev)).Str("to", string(s)).Msg("sync state changed")
	}
}

func (e *Engine) lastRevision() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

func (e *Engine) setRevision(rev string) {
	e.mu.Lock()
	e.revision = rev
	e.mu.Unlock()
}

// Run drives the connect/bootstrap/listen loop until ctx is cancelled.
// Transport failures degrade the engine and trigger reconnection with
// exponential backoff; the periodic backup loop runs alongside.
func (e *Engine) Run(ctx context.Context) error {
	go e.backup.Run(ctx, e.cfg.BackupInterval)

	if e.cfg.OfflineModeEnabled {
		e.maybeRestoreOffline(ctx)
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			e.setState(StateStopped)
			return ctx.Err()
		}

		e.setState(StateConnecting)
		conn, err := e.dial(ctx)
		if err == nil {
			attempt = 0
			err = e.session(ctx, conn)
		}
		if ctx.Err() != nil {
			e.setState(StateStopped)
			return ctx.Err()
		}

		e.setState(StateDegraded)
		delay := e.reconnectDelay(attempt)
		attempt++
		e.logger.Warn().Err(err).Dur("retry_in", delay).Msg("server connection lost")

		select {
		case <-ctx.Done():
			e.setState(StateStopped)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *Engine) reconnectDelay(attempt int) time.Duration {
	min, max := e.cfg.ReconnectMinBackoff, e.cfg.ReconnectMaxBackoff
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = 60 * time.Second
	}
	d := min << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	// Jitter spreads reconnect storms across the fleet.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// maybeRestoreOffline restores the backup when the server healthcheck
// is unreachable at startup.
func (e *Engine) maybeRestoreOffline(ctx context.Context) {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probe, http.MethodGet, e.cfg.ServerURL+"/healthcheck", nil)
	if err != nil {
		return
	}
	if resp, err := e.http.Do(req); err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return
		}
	}

	e.logger.Info().Msg("server unreachable, restoring store from backup")
	txs, err := e.backup.Restore(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("offline restore failed")
		return
	}
	for _, tx := range txs {
		e.appendTx(ctx, tx)
	}
}

// dial opens the websocket to the server's /ws endpoint.
func (e *Engine) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := url.Parse(e.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	wsURL.Path = path.Join(wsURL.Path, "ws")

	header := http.Header{}
	if e.cfg.ClientToken != "" {
		header.Set("Authorization", "Bearer "+e.cfg.ClientToken)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// session subscribes, bootstraps and then consumes events until the
// connection drops or ctx is cancelled.
func (e *Engine) session(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	e.setState(StateBootstrapping)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Close the socket when ctx dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
		}
	}()

	if err := e.subscribe(conn); err != nil {
		return err
	}
	if err := e.bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	e.setState(StateConnected)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("websocket read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var event types.WSEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			e.logger.Warn().Err(err).Msg("dropping malformed event")
			continue
		}
		e.handleEvent(ctx, event)
	}
}

// topics returns the full subscription list, namespaced by scope when
// one is set.
func (e *Engine) topics() []string {
	var topics []string
	for _, d := range e.cfg.PolicySubscriptionDirs {
		topics = append(topics, e.scoped(types.PolicyTopicPrefix+d))
	}
	for _, t := range e.cfg.DataTopics {
		topics = append(topics, e.scoped(t))
	}
	return topics
}

func (e *Engine) scoped(topic string) string {
	if e.cfg.ScopeID == "" || e.cfg.ScopeID == "default" {
		return topic
	}
	return e.cfg.ScopeID + ":" + topic
}

// unscope strips the scope namespace from an inbound topic.
func (e *Engine) unscope(topic string) string {
	if e.cfg.ScopeID == "" || e.cfg.ScopeID == "default" {
		return topic
	}
	return strings.TrimPrefix(topic, e.cfg.ScopeID+":")
}

func (e *Engine) subscribe(conn *websocket.Conn) error {
	params, err := json.Marshal(types.SubscribeParams{Topics: e.topics()})
	if err != nil {
		return err
	}
	req := types.WSRequest{ID: uuid.NewString(), Method: "subscribe", Params: params}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	return nil
}

// bootstrap applies a bundle from the last known revision (complete on
// first run) and enqueues the server's base data directives.
func (e *Engine) bootstrap(ctx context.Context) error {
	bundle, err := e.fetchBundle(ctx, e.lastRevision())
	if err != nil {
		return err
	}
	e.applyBundle(ctx, bundle)

	base, err := e.fetchBaseDataConfig(ctx)
	if err != nil {
		return err
	}
	if len(base.Entries) > 0 {
		e.handleDataUpdate(ctx, base)
	} else {
		// No configured data sources still completes the data phase
		// of bootstrap; readiness must not hinge on optional sources.
		e.appendTx(ctx, types.Transaction{
			Kind:    types.TxSetPolicyData,
			Success: true,
			Actions: []string{"no base data sources"},
		})
	}
	return nil
}

func (e *Engine) handleEvent(ctx context.Context, event types.WSEvent) {
	topic := e.unscope(event.Topic)
	switch {
	case topic == types.TopicWelcome:
		var w types.Welcome
		if json.Unmarshal(event.Data, &w) == nil {
			e.mu.Lock()
			e.clientID = w.ClientID
			e.mu.Unlock()
			e.logger.Info().Str("client_id", w.ClientID).Str("worker_id", w.WorkerID).Msg("registered with server")
		}
	case strings.HasPrefix(topic, types.PolicyTopicPrefix):
		var pe types.PolicyEvent
		if err := json.Unmarshal(event.Data, &pe); err != nil {
			e.logger.Warn().Err(err).Msg("dropping malformed policy event")
			return
		}
		e.syncPolicy(ctx, pe)
	case strings.HasPrefix(topic, "__opal"):
		// Reserved channel traffic is not for clients.
	default:
		var update types.DataUpdate
		if err := json.Unmarshal(event.Data, &update); err != nil {
			e.logger.Warn().Err(err).Str("topic", topic).Msg("dropping malformed data update")
			return
		}
		e.handleDataUpdate(ctx, &update)
	}
}

// syncPolicy fetches and applies the delta from the last applied
// revision to the announced one.
func (e *Engine) syncPolicy(ctx context.Context, pe types.PolicyEvent) {
	last := e.lastRevision()
	if pe.Revision == last {
		return
	}
	bundle, err := e.fetchBundle(ctx, last)
	if err != nil {
		e.logger.Warn().Err(err).Str("revision", pe.Revision).Msg("bundle fetch failed")
		return
	}
	e.applyBundle(ctx, bundle)
}

// fetchBundle GETs /policy from the server; base is empty for a
// complete bundle.
func (e *Engine) fetchBundle(ctx context.Context, base string) (*types.Bundle, error) {
	q := url.Values{}
	for _, dir := range e.cfg.PolicySubscriptionDirs {
		q.Add("path", dir)
	}
	if base != "" {
		q.Set("base_hash", base)
	}
	if e.cfg.ScopeID != "" && e.cfg.ScopeID != "default" {
		q.Set("scope", e.cfg.ScopeID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.ServerURL+"/policy?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if e.cfg.ClientToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.ClientToken)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bundle request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bundle request returned status %d", resp.StatusCode)
	}

	var bundle types.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return &bundle, nil
}

func (e *Engine) fetchBaseDataConfig(ctx context.Context) (*types.DataUpdate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.ServerURL+"/data/config", nil)
	if err != nil {
		return nil, err
	}
	if e.cfg.ClientToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.ClientToken)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("base data config request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("base data config returned status %d", resp.StatusCode)
	}

	var update types.DataUpdate
	if err := json.NewDecoder(resp.Body).Decode(&update); err != nil {
		return nil, fmt.Errorf("failed to decode base data config: %w", err)
	}
	return &update, nil
}

// applyBundle writes every module, data file and deletion of the
// bundle to the store. Policy writes and data writes are recorded as
// separate transactions so a bundle carrying data files counts toward
// the data half of readiness. The applied revision advances only when
// every write succeeded, so a failed bundle is retried from the same
// base on the next revision event.
func (e *Engine) applyBundle(ctx context.Context, b *types.Bundle) {
	type phase struct {
		actions []string
		ok      bool
		lastErr string
	}
	policy, data := phase{ok: true}, phase{ok: true}

	record := func(ph *phase, res store.Result, action string) {
		ph.actions = append(ph.actions, action)
		if !res.Success {
			ph.ok = false
			ph.lastErr = fmt.Sprintf("%s: status %d: %s", action, res.Status, res.Body)
		}
	}

	for _, m := range b.PolicyModules {
		record(&policy, e.store.PutPolicy(ctx, m.Path, m.Raw), "put_policy "+m.Path)
	}
	for _, d := range b.DataModules {
		record(&data, e.store.PutData(ctx, dataDocPath(d.Path), d.Data, http.MethodPut), "put_data "+d.Path)
	}
	for _, p := range b.DeletedPaths {
		if isPolicyPath(p) {
			record(&policy, e.store.DeletePolicy(ctx, p), "delete_policy "+p)
		} else {
			record(&data, e.store.DeleteData(ctx, dataDocPath(p)), "delete_data "+p)
		}
	}

	e.appendTx(ctx, types.Transaction{
		ID:      b.Revision,
		Kind:    types.TxSetPolicies,
		Success: policy.ok,
		Error:   policy.lastErr,
		Actions: policy.actions,
	})
	if len(data.actions) > 0 {
		e.appendTx(ctx, types.Transaction{
			Kind:    types.TxSetPolicyData,
			Success: data.ok,
			Error:   data.lastErr,
			Actions: data.actions,
		})
	}

	ok := policy.ok && data.ok
	lastErr := policy.lastErr
	if lastErr == "" {
		lastErr = data.lastErr
	}
	actions := len(policy.actions) + len(data.actions)
	if ok {
		e.setRevision(b.Revision)
		e.logger.Info().Str("revision", b.Revision).Bool("delta", b.IsDelta()).Int("actions", actions).Msg("bundle applied")
	} else {
		e.logger.Error().Str("revision", b.Revision).Str("error", lastErr).Msg("bundle application failed")
	}
}

// handleDataUpdate submits every directive to the fetch engine. When
// the split-root-data option is off, directives targeting the document
// root are merged and written once; everything else is path-scoped.
func (e *Engine) handleDataUpdate(ctx context.Context, update *types.DataUpdate) {
	if len(update.Entries) == 0 {
		return
	}
	e.logger.Info().Str("update_id", update.ID).Int("entries", len(update.Entries)).Str("reason", update.Reason).Msg("processing data update")

	var rootEntries, scoped []types.DataSourceEntry
	for _, entry := range update.Entries {
		if !e.cfg.SplitRootData && isRootPath(entry.DstPath) {
			rootEntries = append(rootEntries, entry)
		} else {
			scoped = append(scoped, entry)
		}
	}

	tracker := newUpdateTracker(len(scoped)+len(rootEntries), func(status, errMsg string, fetched json.RawMessage) {
		e.reporter.Report(ctx, update.Callback, types.UpdateReport{
			UpdateID: update.ID,
			Status:   status,
			Error:    errMsg,
			At:       time.Now(),
		}, fetched)
	})

	for _, entry := range scoped {
		entry := entry
		err := e.fetcher.Submit(ctx, entry, func(en types.DataSourceEntry, data json.RawMessage, err error) {
			e.writeDirective(ctx, en, data, err, tracker)
		})
		if err != nil {
			e.recordDirectiveFailure(ctx, entry, err, tracker)
		}
	}

	if len(rootEntries) > 0 {
		e.submitRootGroup(ctx, rootEntries, tracker)
	}
}

// submitRootGroup fetches every root-targeted directive and writes the
// shallow-merged result as a single root document.
func (e *Engine) submitRootGroup(ctx context.Context, entries []types.DataSourceEntry, tracker *updateTracker) {
	var mu sync.Mutex
	merged := make(map[string]json.RawMessage)
	pending := len(entries)
	failed := false
	lastErr := ""

	finish := func() {
		// A partial merge must never reach the store: writing it would
		// silently drop the keys of the failed sources from the root
		// document.
		if failed {
			e.appendTx(ctx, types.Transaction{
				Kind:    types.TxSetPolicyData,
				Success: false,
				Error:   lastErr,
				Actions: []string{"merge_root_data"},
			})
			for range entries {
				tracker.done(false, lastErr, nil)
			}
			return
		}

		doc, err := json.Marshal(merged)
		if err != nil {
			tracker.done(false, "failed to encode merged root document", nil)
			return
		}
		res := e.store.PutData(ctx, "/", doc, http.MethodPut)
		tx := types.Transaction{
			Kind:    types.TxSetPolicyData,
			Success: res.Success,
			Actions: []string{"put_data /"},
		}
		if !res.Success {
			tx.Error = fmt.Sprintf("status %d: %s", res.Status, res.Body)
		}
		e.appendTx(ctx, tx)
		for range entries {
			tracker.done(tx.Success, tx.Error, doc)
		}
	}

	for _, entry := range entries {
		entry := entry
		err := e.fetcher.Submit(ctx, entry, func(en types.DataSourceEntry, data json.RawMessage, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = true
				lastErr = err.Error()
			} else {
				var fields map[string]json.RawMessage
				if json.Unmarshal(data, &fields) == nil {
					for k, v := range fields {
						merged[k] = v
					}
				} else {
					failed = true
					lastErr = "root data source returned a non-object document"
				}
			}
			pending--
			if pending == 0 {
				finish()
			}
		})
		if err != nil {
			mu.Lock()
			failed = true
			lastErr = err.Error()
			pending--
			last := pending == 0
			mu.Unlock()
			if last {
				finish()
			}
		}
	}
}

// writeDirective stores one fetched document and records the
// transaction.
func (e *Engine) writeDirective(ctx context.Context, entry types.DataSourceEntry, data json.RawMessage, fetchErr error, tracker *updateTracker) {
	if fetchErr != nil {
		e.recordDirectiveFailure(ctx, entry, fetchErr, tracker)
		return
	}

	method := entry.SaveMethod
	if method == "" {
		method = types.SaveMethodPut
	}
	res := e.store.PutData(ctx, entry.DstPath, data, method)

	tx := types.Transaction{
		Kind:    types.TxSetPolicyData,
		Success: res.Success,
		Actions: []string{"put_data " + entry.DstPath},
	}
	if !res.Success {
		tx.Error = fmt.Sprintf("status %d: %s", res.Status, res.Body)
	}
	e.appendTx(ctx, tx)
	tracker.done(tx.Success, tx.Error, data)
}

func (e *Engine) recordDirectiveFailure(ctx context.Context, entry types.DataSourceEntry, err error, tracker *updateTracker) {
	e.appendTx(ctx, types.Transaction{
		Kind:    types.TxSetPolicyData,
		Success: false,
		Error:   err.Error(),
		Actions: []string{"fetch " + entry.DstPath},
	})
	tracker.done(false, err.Error(), nil)
}

// appendTx records a transaction and refreshes the healthcheck
// document so the engine itself can answer health queries.
func (e *Engine) appendTx(ctx context.Context, tx types.Transaction) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	e.txlog.Append(tx)
	if err := e.store.PutHealthcheck(ctx, e.txlog.HealthDoc()); err != nil {
		e.logger.Warn().Err(err).Msg("healthcheck document write failed")
	}
}

// updateTracker fires the callback report once, after the last
// directive of an update completed.
type updateTracker struct {
	mu      sync.Mutex
	pending int
	failed  bool
	lastErr string
	fetched json.RawMessage
	report  func(status, errMsg string, fetched json.RawMessage)
}

func newUpdateTracker(total int, report func(string, string, json.RawMessage)) *updateTracker {
	return &updateTracker{pending: total, report: report}
}

func (t *updateTracker) done(success bool, errMsg string, fetched json.RawMessage) {
	t.mu.Lock()
	if !success {
		t.failed = true
		t.lastErr = errMsg
	}
	if fetched != nil {
		t.fetched = fetched
	}
	t.pending--
	finished := t.pending == 0
	failed, lastErr, data := t.failed, t.lastErr, t.fetched
	t.mu.Unlock()

	if !finished {
		return
	}
	status := "ok"
	if failed {
		status = "failed"
	}
	t.report(status, lastErr, data)
}

// dataDocPath maps a repository-relative data file to its document
// path: dir/data.json lands at /dir, anything else at its
// extension-stripped path.
func dataDocPath(p string) string {
	p = strings.TrimPrefix(path.Clean(p), "./")
	if path.Base(p) == "data.json" {
		dir := path.Dir(p)
		if dir == "." {
			return "/"
		}
		return "/" + dir
	}
	return "/" + strings.TrimSuffix(p, path.Ext(p))
}

func isRootPath(p string) bool {
	return p == "" || p == "/"
}

// isPolicyPath classifies a deleted path; .json files are data
// documents, everything else is a policy module.
func isPolicyPath(p string) bool {
	return !strings.HasSuffix(p, ".json")
}
