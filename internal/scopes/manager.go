// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package scopes virtualizes the policy tracker per scope id for
// multi-tenant deployments. Each scope carries its own policy source
// and base data entries; its traffic lives under the "<scope>:" topic
// namespace. Scopes share a bounded set of clone shards.
package scopes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/opalfleet/opal/internal/bundle"
	"github.com/opalfleet/opal/internal/tracker"
	"github.com/opalfleet/opal/internal/types"
)

// PolicySourceDef is the per-scope policy source configuration.
type PolicySourceDef struct {
	RepoURL      string        `yaml:"repo_url" json:"repo_url"`
	Branch       string        `yaml:"branch" json:"branch"`
	SSHKeyFile   string        `yaml:"ssh_key_file" json:"ssh_key_file,omitempty"`
	Token        string        `yaml:"token" json:"token,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval,omitempty"`
	Directories  []string      `yaml:"directories" json:"directories,omitempty"`
}

// Definition is one scope as accepted over PUT /scopes or loaded from
// the scopes file.
type Definition struct {
	ID     string            `yaml:"id" json:"id"`
	Policy PolicySourceDef   `yaml:"policy" json:"policy"`
	Data   *types.DataUpdate `yaml:"data" json:"data,omitempty"`
}

// Validate rejects definitions the manager cannot activate.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("scope id is required")
	}
	if d.Policy.RepoURL == "" {
		return fmt.Errorf("scope %s: policy.repo_url is required", d.ID)
	}
	return nil
}

// scopesFile is the YAML document format of the scopes file.
type scopesFile struct {
	Scopes []Definition `yaml:"scopes"`
}

// shard is one reusable clone slot.
type shard struct {
	path     string
	scopeID  string // current occupant, empty when free
	lastUsed time.Time
}

// scope is an activated definition bound to a shard.
type scope struct {
	def     Definition
	source  tracker.Source
	builder *bundle.Builder
	shard   *shard
	cancel  context.CancelFunc
}

// Publisher delivers a scoped policy event to subscribed clients.
type Publisher func(ctx context.Context, topic string, data json.RawMessage)

// Manager owns the scope table and the clone shards. When every shard
// is taken, activating a new scope evicts the least recently used one;
// the evicted scope's tracker stops and its clone directory is reused.
type Manager struct {
	basePath     string
	manifestPath string
	publish      Publisher
	logger       zerolog.Logger

	mu     sync.Mutex
	scopes map[string]*scope
	shards []*shard
}

// NewManager creates the manager with the given number of clone
// shards under basePath.
func NewManager(basePath, manifestPath string, shards int, publish Publisher, logger zerolog.Logger) *Manager {
	if shards < 1 {
		shards = 1
	}
	m := &Manager{
		basePath:     basePath,
		manifestPath: manifestPath,
		publish:      publish,
		logger:       logger.With().Str("component", "scopes").Logger(),
		scopes:       make(map[string]*scope),
	}
	for i := 0; i < shards; i++ {
		m.shards = append(m.shards, &shard{path: filepath.Join(basePath, fmt.Sprintf("shard-%d", i))})
	}
	return m
}

// LoadFile activates every scope defined in the YAML scopes file.
func (m *Manager) LoadFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read scopes file: %w", err)
	}
	var doc scopesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse scopes file: %w", err)
	}
	for _, def := range doc.Scopes {
		if err := m.Upsert(ctx, def); err != nil {
			return fmt.Errorf("failed to activate scope %s: %w", def.ID, err)
		}
	}
	return nil
}

// Upsert creates or replaces a scope and starts its tracker. An
// existing scope with the same id is stopped first; its shard is
// reused.
func (m *Manager) Upsert(ctx context.Context, def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.scopes[def.ID]; ok {
		m.stopLocked(existing)
	}

	sh, evicted := m.acquireShardLocked(def.ID)
	if evicted != nil {
		m.logger.Info().Str("evicted", evicted.def.ID).Str("scope", def.ID).Msg("evicting least recently used scope from shard")
		m.stopLocked(evicted)
	}

	// A reused shard may hold another repo's clone; start fresh.
	if err := os.RemoveAll(sh.path); err != nil {
		return fmt.Errorf("failed to reset shard directory: %w", err)
	}

	branch := def.Policy.Branch
	if branch == "" {
		branch = "master"
	}
	source, err := tracker.NewGitSource(ctx, tracker.GitConfig{
		URL:          def.Policy.RepoURL,
		Branch:       branch,
		ClonePath:    sh.path,
		PollInterval: def.Policy.PollInterval,
		SSHKeyFile:   def.Policy.SSHKeyFile,
		Token:        def.Policy.Token,
	}, m.logger.With().Str("scope", def.ID).Logger())
	if err != nil {
		sh.scopeID = ""
		return fmt.Errorf("failed to open scope source: %w", err)
	}

	scopeCtx, cancel := context.WithCancel(ctx)
	sc := &scope{def: def, source: source, builder: bundle.NewBuilder(source, m.manifestPath), shard: sh, cancel: cancel}
	sh.scopeID = def.ID
	sh.lastUsed = time.Now()
	m.scopes[def.ID] = sc

	go func() {
		if err := source.Run(scopeCtx); err != nil && scopeCtx.Err() == nil {
			m.logger.Error().Err(err).Str("scope", def.ID).Msg("scope tracker stopped")
		}
	}()
	go m.forwardEvents(scopeCtx, sc)

	m.logger.Info().Str("scope", def.ID).Str("repo", def.Policy.RepoURL).Msg("scope activated")
	return nil
}

// forwardEvents republishes the scope's revision events under its
// topic namespace.
func (m *Manager) forwardEvents(ctx context.Context, sc *scope) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sc.source.Events():
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
			dirs := sc.def.Policy.Directories
			if len(dirs) == 0 {
				dirs = []string{"."}
			}
			for _, dir := range dirs {
				topic := sc.def.ID + ":" + types.PolicyTopicPrefix + dir
				m.publish(ctx, topic, payload)
			}
		}
	}
}

// Delete stops and removes a scope. Removing an unknown scope is not
// an error.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc, ok := m.scopes[id]; ok {
		m.stopLocked(sc)
		m.logger.Info().Str("scope", id).Msg("scope deleted")
	}
}

// Builder returns the bundle builder and source of an active scope.
func (m *Manager) Builder(id string) (*bundle.Builder, tracker.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scopes[id]
	if !ok {
		return nil, nil, fmt.Errorf("unknown scope %q", id)
	}
	sc.shard.lastUsed = time.Now()
	return sc.builder, sc.source, nil
}

// List returns the active scope definitions.
func (m *Manager) List() []Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Definition, 0, len(m.scopes))
	for _, sc := range m.scopes {
		out = append(out, sc.def)
	}
	return out
}

// DataConfig returns the base data entries of a scope, or nil.
func (m *Manager) DataConfig(id string) *types.DataUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sc, ok := m.scopes[id]; ok {
		return sc.def.Data
	}
	return nil
}

func (m *Manager) stopLocked(sc *scope) {
	sc.cancel()
	sc.shard.scopeID = ""
	delete(m.scopes, sc.def.ID)
}

// acquireShardLocked returns a free shard, or the LRU shard together
// with the scope to evict from it.
func (m *Manager) acquireShardLocked(scopeID string) (*shard, *scope) {
	var lru *shard
	for _, sh := range m.shards {
		if sh.scopeID == "" {
			return sh, nil
		}
		if lru == nil || sh.lastUsed.Before(lru.lastUsed) {
			lru = sh
		}
	}
	return lru, m.scopes[lru.scopeID]
}
