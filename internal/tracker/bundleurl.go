// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package tracker

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxBundleSnapshots bounds how many extracted revisions are kept in
// memory for delta serving. Older snapshots are evicted; a delta
// request against an evicted base degrades to a complete bundle.
const maxBundleSnapshots = 4

// BundleConfig configures a tracked bundle endpoint.
type BundleConfig struct {
	URL          string
	PollInterval time.Duration
	Token        string // optional bearer token
}

// BundleSource polls an HTTP/S3-style bundle endpoint. Revisions are
// detected by ETag when the endpoint provides one, otherwise by
// content digest. Each detected revision is extracted into an
// in-memory staging area serving the RevisionStore interface.
type BundleSource struct {
	cfg    BundleConfig
	client *http.Client
	logger zerolog.Logger
	events chan RevisionEvent

	mu        sync.RWMutex
	revision  string
	etag      string
	snapshots map[string]map[string][]byte // revision → path → content
	order     []string                     // snapshot insertion order, for eviction
}

// NewBundleSource creates the source; no fetch happens until Run or
// CheckNow.
func NewBundleSource(cfg BundleConfig, logger zerolog.Logger) *BundleSource {
	return &BundleSource{
		cfg:       cfg,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger.With().Str("component", "bundle_source").Logger(),
		events:    make(chan RevisionEvent, 16),
		snapshots: make(map[string]map[string][]byte),
	}
}

// Events returns the revision event stream.
func (s *BundleSource) Events() <-chan RevisionEvent { return s.events }

// Revision returns the last fetched revision identifier.
func (s *BundleSource) Revision() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Run polls the endpoint at the configured interval.
func (s *BundleSource) Run(ctx context.Context) error {
	// Initial fetch so the server can serve bundles immediately.
	if err := s.CheckNow(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial bundle fetch failed")
	}

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.CheckNow(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("bundle poll failed")
			}
		}
	}
}

// CheckNow GETs the endpoint and, when the revision changed, extracts
// the bundle and emits a revision event listing the full file set.
func (s *BundleSource) CheckNow(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build bundle request: %w", err)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	s.mu.RLock()
	if s.etag != "" {
		req.Header.Set("If-None-Match", s.etag)
	}
	s.mu.RUnlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("bundle fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bundle endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read bundle body: %w", err)
	}

	etag := resp.Header.Get("ETag")
	revision := etagRevision(etag)
	if revision == "" {
		digest := sha256.Sum256(body)
		revision = hex.EncodeToString(digest[:])
	}

	s.mu.Lock()
	if revision == s.revision {
		s.mu.Unlock()
		return nil
	}
	oldRevision := s.revision
	s.mu.Unlock()

	files, err := extractBundle(body)
	if err != nil {
		return fmt.Errorf("failed to extract bundle: %w", err)
	}

	var paths []string
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	s.mu.Lock()
	s.revision = revision
	s.etag = etag
	s.snapshots[revision] = files
	s.order = append(s.order, revision)
	for len(s.order) > maxBundleSnapshots {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.snapshots, evict)
	}
	s.mu.Unlock()

	s.logger.Info().Str("revision", revision).Int("files", len(paths)).Msg("bundle endpoint moved to new revision")

	select {
	case s.events <- RevisionEvent{Revision: revision, OldRevision: oldRevision, Changed: paths}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// etagRevision strips the weak-validator prefix and the surrounding
// quotes from an ETag without touching the characters of the value
// itself.
func etagRevision(etag string) string {
	rev := strings.TrimPrefix(etag, "W/")
	rev = strings.TrimPrefix(rev, `"`)
	return strings.TrimSuffix(rev, `"`)
}

// extractBundle unpacks a gzipped tarball into a path → content map.
// A body that is not a tarball is staged as a single data.json file.
func extractBundle(body []byte) (map[string][]byte, error) {
	files := make(map[string][]byte)

	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		// Not a tarball; treat the body as one JSON document.
		files["data.json"] = body
		return files, nil
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read failed: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("tar entry read failed: %w", err)
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		files[name] = content
	}
	return files, nil
}

// ListFiles enumerates the snapshot at the revision.
func (s *BundleSource) ListFiles(revision string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[revision]
	if !ok {
		return nil, fmt.Errorf("revision %s not staged", revision)
	}
	files := make([]string, 0, len(snap))
	for p := range snap {
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile returns the staged content of path at the revision.
func (s *BundleSource) ReadFile(revision, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[revision]
	if !ok {
		return nil, fmt.Errorf("revision %s not staged", revision)
	}
	content, ok := snap[p]
	if !ok {
		return nil, fmt.Errorf("file %s not found at %s", p, revision)
	}
	return content, nil
}

// Diff compares two staged snapshots byte-for-byte.
func (s *BundleSource) Diff(base, revision string) (changed, deleted []string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	baseSnap, ok := s.snapshots[base]
	if !ok {
		return nil, nil, fmt.Errorf("revision %s not staged", base)
	}
	revSnap, ok := s.snapshots[revision]
	if !ok {
		return nil, nil, fmt.Errorf("revision %s not staged", revision)
	}

	for p, content := range revSnap {
		if old, ok := baseSnap[p]; !ok || !bytes.Equal(old, content) {
			changed = append(changed, p)
		}
	}
	for p := range baseSnap {
		if _, ok := revSnap[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	sort.Strings(changed)
	sort.Strings(deleted)
	return changed, deleted, nil
}

// HasRevision reports whether the revision is still staged.
func (s *BundleSource) HasRevision(revision string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snapshots[revision]
	return ok
}
