// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

// Package bundle builds complete and delta policy bundles from a
// revisioned file store. The builder is agnostic of where revisions
// come from: the git tracker and the bundle-URL tracker both implement
// RevisionStore.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/opalfleet/opal/internal/types"
)

// RevisionStore exposes file snapshots per revision.
type RevisionStore interface {
	// ListFiles enumerates all repository-relative paths at revision.
	ListFiles(revision string) ([]string, error)
	// ReadFile returns the content of path at revision.
	ReadFile(revision, path string) ([]byte, error)
	// Diff returns the paths changed (added or modified) and deleted
	// between base and revision.
	Diff(base, revision string) (changed, deleted []string, err error)
	// HasRevision reports whether revision is present in local
	// history.
	HasRevision(revision string) bool
}

// Filter restricts which files enter a bundle.
type Filter struct {
	// Extensions whitelists file extensions (".rego", ".json").
	// Empty means all files.
	Extensions []string
	// Directories are the client's subscribed path prefixes. "." or
	// "" matches everything.
	Directories []string
	// IgnoreGlobs removes matching paths (path.Match patterns,
	// matched against the full path and the base name).
	IgnoreGlobs []string
}

// Matches reports whether the path passes the filter.
func (f Filter) Matches(p string) bool {
	if len(f.Extensions) > 0 {
		ok := false
		ext := path.Ext(p)
		for _, e := range f.Extensions {
			if ext == e {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(f.Directories) > 0 && !underAny(p, f.Directories) {
		return false
	}

	for _, glob := range f.IgnoreGlobs {
		if matched, _ := path.Match(glob, p); matched {
			return false
		}
		if matched, _ := path.Match(glob, path.Base(p)); matched {
			return false
		}
	}
	return true
}

func underAny(p string, dirs []string) bool {
	for _, d := range dirs {
		d = strings.TrimSuffix(d, "/")
		if d == "" || d == "." {
			return true
		}
		if p == d || strings.HasPrefix(p, d+"/") {
			return true
		}
	}
	return false
}

var packageRe = regexp.MustCompile(`(?m)^\s*package\s+([a-zA-Z_][\w\.\[\]"]*)`)

// PackageName derives the package name from a policy module header.
// Returns "" when the header cannot be parsed; the module is still
// included verbatim and the engine reports the syntax error on
// application.
func PackageName(source []byte) string {
	m := packageRe.FindSubmatch(source)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// Builder assembles bundles from a RevisionStore.
type Builder struct {
	store        RevisionStore
	manifestPath string
}

// NewBuilder creates a builder reading manifest ordering from
// manifestPath (usually ".manifest") when that file exists at a
// revision.
func NewBuilder(store RevisionStore, manifestPath string) *Builder {
	return &Builder{store: store, manifestPath: manifestPath}
}

// Build produces the bundle from base to revision under the filter. An
// empty base, or a base missing from local history, yields a complete
// bundle (degraded but correct).
func (b *Builder) Build(revision, base string, filter Filter) (*types.Bundle, error) {
	if base != "" && !b.store.HasRevision(base) {
		base = ""
	}
	if base == revision {
		// Nothing changed; an empty delta keeps application
		// idempotent.
		return &types.Bundle{Revision: revision, BaseRevision: base, Manifest: []string{}}, nil
	}

	all, err := b.store.ListFiles(revision)
	if err != nil {
		return nil, fmt.Errorf("failed to list files at %s: %w", revision, err)
	}

	var included []string
	for _, p := range all {
		if p == b.manifestPath {
			continue
		}
		if filter.Matches(p) {
			included = append(included, p)
		}
	}
	included = b.applyManifestOrder(revision, included)

	bundle := &types.Bundle{
		Revision:     revision,
		BaseRevision: base,
		Manifest:     included,
	}

	if base != "" {
		changed, deleted, err := b.store.Diff(base, revision)
		if err != nil {
			return nil, fmt.Errorf("failed to diff %s..%s: %w", base, revision, err)
		}
		changedSet := make(map[string]struct{}, len(changed))
		for _, p := range changed {
			changedSet[p] = struct{}{}
		}

		var delta []string
		for _, p := range included {
			if _, ok := changedSet[p]; ok {
				delta = append(delta, p)
			}
		}
		bundle.Manifest = delta

		for _, p := range deleted {
			if filter.Matches(p) {
				bundle.DeletedPaths = append(bundle.DeletedPaths, p)
			}
		}
		sort.Strings(bundle.DeletedPaths)
	}

	for _, p := range bundle.Manifest {
		content, err := b.store.ReadFile(revision, p)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s at %s: %w", p, revision, err)
		}
		if strings.HasSuffix(p, ".json") {
			bundle.DataModules = append(bundle.DataModules, types.DataModule{
				Path: p,
				Data: json.RawMessage(content),
			})
		} else {
			bundle.PolicyModules = append(bundle.PolicyModules, types.PolicyModule{
				Path:    p,
				Package: PackageName(content),
				Raw:     string(content),
			})
		}
	}

	if bundle.Manifest == nil {
		bundle.Manifest = []string{}
	}
	return bundle, nil
}

// applyManifestOrder orders files by the optional manifest file at the
// revision: listed paths first in manifest order, the rest appended
// lexicographically.
func (b *Builder) applyManifestOrder(revision string, files []string) []string {
	sort.Strings(files)
	if b.manifestPath == "" {
		return files
	}

	content, err := b.store.ReadFile(revision, b.manifestPath)
	if err != nil {
		return files
	}

	rank := make(map[string]int)
	i := 0
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := rank[line]; !ok {
			rank[line] = i
			i++
		}
	}
	if len(rank) == 0 {
		return files
	}

	sort.SliceStable(files, func(a, b int) bool {
		ra, aok := rank[files[a]]
		rb, bok := rank[files[b]]
		switch {
		case aok && bok:
			return ra < rb
		case aok:
			return true
		case bok:
			return false
		default:
			return files[a] < files[b]
		}
	})
	return files
}

// Hash returns a stable content hash of the bundle, usable as a cache
// key or integrity check.
func Hash(b *types.Bundle) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	enc.Encode(b) //nolint:errcheck // hash.Hash never errors
	return hex.EncodeToString(h.Sum(nil))
}
