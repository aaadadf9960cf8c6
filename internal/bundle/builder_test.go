// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package bundle

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"testing"
)

// memStore is an in-memory RevisionStore for builder tests.
type memStore struct {
	revisions map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{revisions: make(map[string]map[string][]byte)}
}

func (s *memStore) add(revision string, files map[string][]byte) {
	s.revisions[revision] = files
}

func (s *memStore) ListFiles(revision string) ([]string, error) {
	snap, ok := s.revisions[revision]
	if !ok {
		return nil, fmt.Errorf("unknown revision %s", revision)
	}
	var files []string
	for p := range snap {
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

func (s *memStore) ReadFile(revision, path string) ([]byte, error) {
	snap, ok := s.revisions[revision]
	if !ok {
		return nil, fmt.Errorf("unknown revision %s", revision)
	}
	content, ok := snap[path]
	if !ok {
		return nil, fmt.Errorf("no file %s at %s", path, revision)
	}
	return content, nil
}

func (s *memStore) Diff(base, revision string) (changed, deleted []string, err error) {
	baseSnap, ok := s.revisions[base]
	if !ok {
		return nil, nil, fmt.Errorf("unknown revision %s", base)
	}
	revSnap, ok := s.revisions[revision]
	if !ok {
		return nil, nil, fmt.Errorf("unknown revision %s", revision)
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

func (s *memStore) HasRevision(revision string) bool {
	_, ok := s.revisions[revision]
	return ok
}

var regoFilter = Filter{Extensions: []string{".rego", ".json"}, Directories: []string{"."}}

func TestBuildComplete(t *testing.T) {
	store := newMemStore()
	store.add("r1", map[string][]byte{
		"rbac.rego":        []byte("package app.rbac\n\nallow = false\n"),
		"static/data.json": []byte(`{"roles":["admin"]}`),
		"README.md":        []byte("docs"),
	})

	b, err := NewBuilder(store, ".manifest").Build("r1", "", regoFilter)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if b.IsDelta() {
		t.Error("complete bundle reported as delta")
	}
	wantManifest := []string{"rbac.rego", "static/data.json"}
	if !reflect.DeepEqual(b.Manifest, wantManifest) {
		t.Errorf("manifest = %v, want %v", b.Manifest, wantManifest)
	}
	if len(b.PolicyModules) != 1 || b.PolicyModules[0].Path != "rbac.rego" {
		t.Fatalf("policy modules = %+v", b.PolicyModules)
	}
	if got := b.PolicyModules[0].Package; got != "app.rbac" {
		t.Errorf("package = %q, want app.rbac", got)
	}
	if len(b.DataModules) != 1 || b.DataModules[0].Path != "static/data.json" {
		t.Fatalf("data modules = %+v", b.DataModules)
	}
}

func TestBuildDelta(t *testing.T) {
	store := newMemStore()
	store.add("r1", map[string][]byte{
		"rbac.rego":  []byte("package app.rbac\n"),
		"old.rego":   []byte("package app.old\n"),
		"data.json":  []byte(`{}`),
	})
	store.add("r2", map[string][]byte{
		"rbac.rego":  []byte("package app.rbac\n\nallow = true\n"), // modified
		"utils.rego": []byte("package app.utils\n"),                // added
		"data.json":  []byte(`{}`),                                 // unchanged
	})

	b, err := NewBuilder(store, ".manifest").Build("r2", "r1", regoFilter)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !b.IsDelta() {
		t.Fatal("expected a delta bundle")
	}
	wantManifest := []string{"rbac.rego", "utils.rego"}
	if !reflect.DeepEqual(b.Manifest, wantManifest) {
		t.Errorf("manifest = %v, want %v", b.Manifest, wantManifest)
	}
	if !reflect.DeepEqual(b.DeletedPaths, []string{"old.rego"}) {
		t.Errorf("deleted = %v, want [old.rego]", b.DeletedPaths)
	}
	if len(b.DataModules) != 0 {
		t.Errorf("unchanged data file included in delta: %+v", b.DataModules)
	}
}

// A delta applied atop the base must reproduce the complete state:
// the delta's modules plus deletions equal the file-level difference.
func TestDeltaEquivalence(t *testing.T) {
	store := newMemStore()
	store.add("r1", map[string][]byte{
		"a.rego": []byte("package a\n"),
		"b.rego": []byte("package b\n"),
	})
	store.add("r2", map[string][]byte{
		"a.rego": []byte("package a\n# v2\n"),
		"c.rego": []byte("package c\n"),
	})

	builder := NewBuilder(store, "")
	complete, err := builder.Build("r2", "", regoFilter)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	delta, err := builder.Build("r2", "r1", regoFilter)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}

	// State after base + delta: base files, minus deletions, overlaid
	// with delta modules.
	state := map[string]string{"a.rego": "package a\n", "b.rego": "package b\n"}
	for _, p := range delta.DeletedPaths {
		delete(state, p)
	}
	for _, m := range delta.PolicyModules {
		state[m.Path] = m.Raw
	}

	want := make(map[string]string)
	for _, m := range complete.PolicyModules {
		want[m.Path] = m.Raw
	}
	if !reflect.DeepEqual(state, want) {
		t.Errorf("delta state = %v, want %v", state, want)
	}
}

func TestBuildMissingBaseFallsBackToComplete(t *testing.T) {
	store := newMemStore()
	store.add("r2", map[string][]byte{"a.rego": []byte("package a\n")})

	b, err := NewBuilder(store, "").Build("r2", "gone", regoFilter)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if b.IsDelta() {
		t.Error("bundle with evicted base must be complete")
	}
	if len(b.PolicyModules) != 1 {
		t.Errorf("modules = %+v", b.PolicyModules)
	}
}

func TestBuildSameRevisionIsEmpty(t *testing.T) {
	store := newMemStore()
	store.add("r1", map[string][]byte{"a.rego": []byte("package a\n")})

	b, err := NewBuilder(store, "").Build("r1", "r1", regoFilter)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(b.Manifest) != 0 || len(b.PolicyModules) != 0 || len(b.DeletedPaths) != 0 {
		t.Errorf("same-revision bundle not empty: %+v", b)
	}
}

func TestManifestOrdering(t *testing.T) {
	store := newMemStore()
	store.add("r1", map[string][]byte{
		".manifest":  []byte("zeta.rego\nalpha.rego\n# comment\n"),
		"alpha.rego": []byte("package alpha\n"),
		"beta.rego":  []byte("package beta\n"),
		"zeta.rego":  []byte("package zeta\n"),
	})

	b, err := NewBuilder(store, ".manifest").Build("r1", "", regoFilter)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Listed files in manifest order, the rest appended alphabetically;
	// the manifest file itself is excluded.
	want := []string{"zeta.rego", "alpha.rego", "beta.rego"}
	if !reflect.DeepEqual(b.Manifest, want) {
		t.Errorf("manifest = %v, want %v", b.Manifest, want)
	}
}

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		path   string
		want   bool
	}{
		{"extension match", Filter{Extensions: []string{".rego"}}, "a/b.rego", true},
		{"extension mismatch", Filter{Extensions: []string{".rego"}}, "a/b.md", false},
		{"directory match", Filter{Directories: []string{"internal"}}, "internal/x.rego", true},
		{"directory mismatch", Filter{Directories: []string{"internal"}}, "external/x.rego", false},
		{"directory prefix is not a match", Filter{Directories: []string{"int"}}, "internal/x.rego", false},
		{"dot dir matches all", Filter{Directories: []string{"."}}, "any/file.json", true},
		{"ignore glob on base name", Filter{IgnoreGlobs: []string{"*.tmp"}}, "dir/scratch.tmp", false},
		{"ignore glob on full path", Filter{IgnoreGlobs: []string{"vendor/*"}}, "vendor/x.rego", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.path); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestPackageName(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"simple", "package app.rbac\n\nallow = true\n", "app.rbac"},
		{"leading comment", "# header\npackage app\n", "app"},
		{"indented", "  package deep.pkg\n", "deep.pkg"},
		{"malformed", "allow = true\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PackageName([]byte(tt.source)); got != tt.want {
				t.Errorf("PackageName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHashStable(t *testing.T) {
	store := newMemStore()
	store.add("r1", map[string][]byte{"a.rego": []byte("package a\n")})
	builder := NewBuilder(store, "")

	b1, _ := builder.Build("r1", "", regoFilter)
	b2, _ := builder.Build("r1", "", regoFilter)
	if Hash(b1) != Hash(b2) {
		t.Error("identical bundles hash differently")
	}
}
