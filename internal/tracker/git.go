// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/rs/zerolog"
)

// GitConfig configures a tracked git repository.
type GitConfig struct {
	URL          string
	Branch       string
	ClonePath    string
	PollInterval time.Duration // 0 disables polling (webhook only)
	SSHKeyFile   string        // private key for ssh URLs
	Token        string        // bearer token for https URLs
	LocalWatch   bool          // watch the working tree with fsnotify
}

// GitSource tracks a branch of a git repository. The clone under
// ClonePath is reused across restarts. File reads go straight to
// commit trees, so followers can serve bundles without a checkout.
type GitSource struct {
	cfg    GitConfig
	repo   *git.Repository
	logger zerolog.Logger
	events chan RevisionEvent

	mu   sync.RWMutex
	head plumbing.Hash
}

// NewGitSource clones the repository (or opens an existing clone) and
// resolves the tracked branch head.
func NewGitSource(ctx context.Context, cfg GitConfig, logger zerolog.Logger) (*GitSource, error) {
	s := &GitSource{
		cfg:    cfg,
		logger: logger.With().Str("component", "git_source").Logger(),
		events: make(chan RevisionEvent, 16),
	}

	authMethod, err := s.auth()
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(cfg.ClonePath)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		s.logger.Info().Str("url", cfg.URL).Str("path", cfg.ClonePath).Msg("cloning policy repository")
		repo, err = git.PlainCloneContext(ctx, cfg.ClonePath, false, &git.CloneOptions{
			URL:           cfg.URL,
			ReferenceName: plumbing.NewBranchReferenceName(cfg.Branch),
			Auth:          authMethod,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open policy repository: %w", err)
	}
	s.repo = repo

	head, err := s.branchHead()
	if err != nil {
		return nil, err
	}
	s.head = head
	s.logger.Info().Str("branch", cfg.Branch).Str("revision", head.String()).Msg("tracking policy repository")
	return s, nil
}

func (s *GitSource) auth() (transport.AuthMethod, error) {
	if s.cfg.SSHKeyFile != "" {
		keys, err := gitssh.NewPublicKeysFromFile("git", s.cfg.SSHKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load ssh key %s: %w", s.cfg.SSHKeyFile, err)
		}
		return keys, nil
	}
	if s.cfg.Token != "" {
		return &githttp.BasicAuth{Username: "opal", Password: s.cfg.Token}, nil
	}
	return nil, nil
}

// branchHead resolves the local ref of the tracked branch, falling
// back to the remote-tracking ref after a fetch.
func (s *GitSource) branchHead() (plumbing.Hash, error) {
	ref, err := s.repo.Reference(plumbing.NewBranchReferenceName(s.cfg.Branch), true)
	if err == nil {
		return ref.Hash(), nil
	}
	ref, err = s.repo.Reference(plumbing.NewRemoteReferenceName("origin", s.cfg.Branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("branch %s not found: %w", s.cfg.Branch, err)
	}
	return ref.Hash(), nil
}

// Events returns the revision event stream.
func (s *GitSource) Events() <-chan RevisionEvent { return s.events }

// Revision returns the current head commit hash.
func (s *GitSource) Revision() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head.String()
}

// Run polls the remote at the configured interval and, when enabled,
// watches the local working tree for out-of-band edits. Only the
// leader worker runs this.
func (s *GitSource) Run(ctx context.Context) error {
	var watchEvents <-chan fsnotify.Event
	if s.cfg.LocalWatch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create fs watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(s.cfg.ClonePath); err != nil {
			return fmt.Errorf("failed to watch %s: %w", s.cfg.ClonePath, err)
		}
		watchEvents = watcher.Events
	}

	var poll <-chan time.Time
	if s.cfg.PollInterval > 0 {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	// Debounce timer for fs events: git writes many files per commit.
	var debounce *time.Timer
	var debounced <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll:
			if err := s.CheckNow(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("policy repository poll failed")
			}
		case <-watchEvents:
			if debounce == nil {
				debounce = time.NewTimer(time.Second)
				debounced = debounce.C
			} else {
				debounce.Reset(time.Second)
			}
		case <-debounced:
			debounce = nil
			debounced = nil
			if err := s.CheckNow(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("local repository re-check failed")
			}
		}
	}
}

// CheckNow fetches the remote and emits a revision event if the
// tracked branch moved.
func (s *GitSource) CheckNow(ctx context.Context) error {
	authMethod, err := s.auth()
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	err = s.repo.FetchContext(fetchCtx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs: []gitcfg.RefSpec{
			gitcfg.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", s.cfg.Branch, s.cfg.Branch)),
		},
		Auth:  authMethod,
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("git fetch failed: %w", err)
	}

	ref, err := s.repo.Reference(plumbing.NewRemoteReferenceName("origin", s.cfg.Branch), true)
	if err != nil {
		return fmt.Errorf("failed to resolve origin/%s: %w", s.cfg.Branch, err)
	}
	newHead := ref.Hash()

	s.mu.Lock()
	oldHead := s.head
	if newHead == oldHead {
		s.mu.Unlock()
		return nil
	}
	s.head = newHead
	s.mu.Unlock()

	changed, deleted, err := s.Diff(oldHead.String(), newHead.String())
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to diff revisions, emitting full-sync event")
		changed, deleted = nil, nil
	}

	s.logger.Info().
		Str("old_revision", oldHead.String()).
		Str("revision", newHead.String()).
		Int("changed", len(changed)).
		Int("deleted", len(deleted)).
		Msg("policy repository moved to new revision")

	select {
	case s.events <- RevisionEvent{
		Revision:    newHead.String(),
		OldRevision: oldHead.String(),
		Changed:     changed,
		Deleted:     deleted,
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// tree returns the file tree of the commit named by revision.
func (s *GitSource) tree(revision string) (*object.Tree, error) {
	hash := plumbing.NewHash(revision)
	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("revision %s not in local history: %w", revision, err)
	}
	return commit.Tree()
}

// ListFiles enumerates all paths at the revision.
func (s *GitSource) ListFiles(revision string) ([]string, error) {
	tree, err := s.tree(revision)
	if err != nil {
		return nil, err
	}
	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree at %s: %w", revision, err)
	}
	return files, nil
}

// ReadFile returns the blob content of path at the revision.
func (s *GitSource) ReadFile(revision, path string) ([]byte, error) {
	tree, err := s.tree(revision)
	if err != nil {
		return nil, err
	}
	f, err := tree.File(path)
	if err != nil {
		return nil, fmt.Errorf("file %s not found at %s: %w", path, revision, err)
	}
	content, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w", path, revision, err)
	}
	return []byte(content), nil
}

// Diff compares blob hashes between base and revision.
func (s *GitSource) Diff(base, revision string) (changed, deleted []string, err error) {
	baseTree, err := s.tree(base)
	if err != nil {
		return nil, nil, err
	}
	revTree, err := s.tree(revision)
	if err != nil {
		return nil, nil, err
	}

	baseBlobs := make(map[string]plumbing.Hash)
	err = baseTree.Files().ForEach(func(f *object.File) error {
		baseBlobs[f.Name] = f.Hash
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]struct{})
	err = revTree.Files().ForEach(func(f *object.File) error {
		seen[f.Name] = struct{}{}
		if old, ok := baseBlobs[f.Name]; !ok || old != f.Hash {
			changed = append(changed, f.Name)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for name := range baseBlobs {
		if _, ok := seen[name]; !ok {
			deleted = append(deleted, name)
		}
	}
	return changed, deleted, nil
}

// HasRevision reports whether the commit exists locally.
func (s *GitSource) HasRevision(revision string) bool {
	if !isHex40(revision) {
		return false
	}
	_, err := s.repo.CommitObject(plumbing.NewHash(revision))
	return err == nil
}

func isHex40(s string) bool {
	if len(s) != 40 {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F')
	}) == -1
}
