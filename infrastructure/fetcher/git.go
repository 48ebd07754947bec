package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// RepositoryOpener returns a repository with a worktree for a git URL.
type RepositoryOpener func(ctx context.Context, url string) (*git.Repository, error)

// CloneInMemory clones url into memory storage with an in-memory worktree.
func CloneInMemory(ctx context.Context, url string) (*git.Repository, error) {
	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:  url,
		Tags: git.AllTags,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}
	return repo, nil
}

// GitFetcher reads bundles from git repositories. A ref has the form
// "<url>" or "<url>#<subdir>"; the version selects tag "v<version>" or
// "<version>", and an empty version reads HEAD.
type GitFetcher struct {
	open RepositoryOpener
	cfg  fetcherConfig
}

var _ ports.Fetcher = (*GitFetcher)(nil)

// NewGitFetcher creates a GitFetcher. A nil opener uses CloneInMemory.
func NewGitFetcher(open RepositoryOpener, opts ...Option) *GitFetcher {
	if open == nil {
		open = CloneInMemory
	}
	return &GitFetcher{open: open, cfg: buildConfig(opts)}
}

// Kind implements ports.Fetcher.
func (f *GitFetcher) Kind() entities.SourceKind {
	return entities.SourceGit
}

// Fetch implements ports.Fetcher.
func (f *GitFetcher) Fetch(ctx context.Context, ref, version string) (*entities.Bundle, error) {
	repoURL, subdir, _ := strings.Cut(ref, "#")

	repo, err := f.open(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	hash, err := revision(repo, version)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree of %s: %w", repoURL, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", hash, err)
	}

	fs := wt.Filesystem
	if subdir != "" {
		if fs, err = fs.Chroot(subdir); err != nil {
			return nil, fmt.Errorf("open %s in %s: %w", subdir, repoURL, err)
		}
	}
	return readLayout(fs, f.cfg, version, entities.Source{Kind: entities.SourceGit, Ref: ref})
}

func revision(repo *git.Repository, version string) (plumbing.Hash, error) {
	if version == "" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
		}
		return head.Hash(), nil
	}
	for _, name := range []string{"v" + version, version} {
		h, err := repo.ResolveRevision(plumbing.Revision("refs/tags/" + name))
		if err == nil {
			return *h, nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("resolve tag %s: %w", name, err)
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("%w: no tag for %s", ErrVersionNotFound, version)
}
