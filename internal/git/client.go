// Package git wraps go-git for the operations the git fetcher needs: resolving
// a remote head cheaply and reading the files of a shallow in-memory clone.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
)

// ErrBranchNotFound is returned when the remote has no branch to resolve
var ErrBranchNotFound = errors.New("branch not found")

// FileVisitor is called for every file in a tree. open returns the file content.
type FileVisitor func(path string, size int64, open func() (io.ReadCloser, error)) error

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client

// Client defines the interface for Git operations
type Client interface {
	// Head resolves the commit a remote branch points at without cloning.
	// An empty branch means the remote's default branch.
	Head(ctx context.Context, url, branch string, auth *AuthConfig) (*HeadInfo, error)

	// Clone makes a shallow in-memory clone with the given configuration
	Clone(ctx context.Context, config *CloneConfig) (*RepositoryInfo, error)

	// ForEachFile visits every file of the HEAD commit
	ForEachFile(repoInfo *RepositoryInfo, fn FileVisitor) error

	// GetFileContent retrieves the content of a file from the HEAD commit
	GetFileContent(repoInfo *RepositoryInfo, path string) ([]byte, error)

	// Cleanup releases the memory held by a clone
	Cleanup(ctx context.Context, repoInfo *RepositoryInfo) error
}

// defaultGitClient implements Client using go-git
type defaultGitClient struct {
	maxFiles int64
	maxBytes int64
}

// NewDefaultGitClient creates a new defaultGitClient
func NewDefaultGitClient() Client {
	return &defaultGitClient{
		maxFiles: defaultMaxFiles,
		maxBytes: defaultTotalFileSize,
	}
}

// Head resolves the commit a remote branch points at
func (*defaultGitClient) Head(ctx context.Context, url, branch string, auth *AuthConfig) (*HeadInfo, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{url},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: basicAuth(auth)})
	if err != nil {
		return nil, fmt.Errorf("failed to list remote references: %w", err)
	}

	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, ref := range refs {
		byName[ref.Name()] = ref
	}

	resolve := func(name plumbing.ReferenceName) *HeadInfo {
		ref, ok := byName[name]
		if !ok || ref.Type() != plumbing.HashReference {
			return nil
		}
		return &HeadInfo{Commit: ref.Hash().String(), Branch: name.Short()}
	}

	if branch != "" {
		if head := resolve(plumbing.NewBranchReferenceName(branch)); head != nil {
			return head, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}

	if ref, ok := byName[plumbing.HEAD]; ok {
		if ref.Type() == plumbing.SymbolicReference {
			if head := resolve(ref.Target()); head != nil {
				return head, nil
			}
		} else {
			head := &HeadInfo{Commit: ref.Hash().String()}
			for _, candidate := range []string{"main", "master"} {
				if b := resolve(plumbing.NewBranchReferenceName(candidate)); b != nil && b.Commit == head.Commit {
					head.Branch = candidate
					break
				}
			}
			return head, nil
		}
	}

	for _, candidate := range []string{"main", "master"} {
		if head := resolve(plumbing.NewBranchReferenceName(candidate)); head != nil {
			return head, nil
		}
	}
	return nil, fmt.Errorf("%w: remote has no HEAD", ErrBranchNotFound)
}

// Clone makes a bare single-branch clone held entirely in memory
func (c *defaultGitClient) Clone(ctx context.Context, config *CloneConfig) (*RepositoryInfo, error) {
	cloneOptions := &git.CloneOptions{
		URL:          config.URL,
		SingleBranch: true,
		Tags:         git.NoTags,
		Auth:         basicAuth(config.Auth),
	}
	if config.Auth != nil && config.Auth.Username != "" {
		slog.Debug("Using Git HTTP Basic authentication", "username", config.Auth.Username)
	}
	// Local repositories are cloned in full; shallow fetches only pay off over the network.
	if !isLocal(config.URL) {
		cloneOptions.Depth = 1
	}
	if config.Branch != "" {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(config.Branch)
	}

	// Only the object database is materialized; files are read from the commit tree.
	storerFs := NewLimitedFs(memfs.New(), c.maxFiles, c.maxBytes)
	storerCache := cache.NewObjectLRUDefault()
	storer := filesystem.NewStorage(storerFs, storerCache)

	repo, err := git.CloneContext(ctx, storer, nil, cloneOptions)
	if err != nil {
		storerCache.Clear()
		return nil, fmt.Errorf("failed to clone repository: %w", err)
	}

	repoInfo := &RepositoryInfo{
		Repository:       repo,
		RemoteURL:        config.URL,
		storerFilesystem: storerFs,
		objectCache:      storerCache,
	}

	if err := updateRepositoryInfo(repoInfo); err != nil {
		return nil, fmt.Errorf("failed to update repository info: %w", err)
	}

	return repoInfo, nil
}

// ForEachFile visits every file of the HEAD commit in tree order
func (*defaultGitClient) ForEachFile(repoInfo *RepositoryInfo, fn FileVisitor) error {
	tree, err := headTree(repoInfo)
	if err != nil {
		return err
	}
	return tree.Files().ForEach(func(f *object.File) error {
		return fn(f.Name, f.Size, f.Reader)
	})
}

// GetFileContent retrieves the content of a file from the HEAD commit
func (*defaultGitClient) GetFileContent(repoInfo *RepositoryInfo, path string) ([]byte, error) {
	tree, err := headTree(repoInfo)
	if err != nil {
		return nil, err
	}

	file, err := tree.File(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", path, err)
	}

	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read file contents: %w", err)
	}

	return []byte(content), nil
}

// Cleanup releases the memory held by a clone
func (*defaultGitClient) Cleanup(_ context.Context, repoInfo *RepositoryInfo) error {
	if repoInfo == nil || repoInfo.Repository == nil {
		return fmt.Errorf("repository is nil")
	}

	if repoInfo.objectCache != nil {
		repoInfo.objectCache.Clear()
	}
	if repoInfo.storerFilesystem != nil {
		_ = util.RemoveAll(repoInfo.storerFilesystem, "/")
	}

	repoInfo.objectCache = nil
	repoInfo.storerFilesystem = nil
	repoInfo.Repository = nil

	runtime.GC()
	return nil
}

func headTree(repoInfo *RepositoryInfo) (*object.Tree, error) {
	if repoInfo == nil || repoInfo.Repository == nil {
		return nil, fmt.Errorf("repository is nil")
	}

	ref, err := repoInfo.Repository.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD reference: %w", err)
	}

	commit, err := repoInfo.Repository.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object: %w", err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}
	return tree, nil
}

func updateRepositoryInfo(repoInfo *RepositoryInfo) error {
	ref, err := repoInfo.Repository.Head()
	if err != nil {
		return fmt.Errorf("failed to get HEAD reference: %w", err)
	}

	if ref.Name().IsBranch() {
		repoInfo.Branch = ref.Name().Short()
	}
	repoInfo.Commit = ref.Hash().String()

	commit, err := repoInfo.Repository.CommitObject(ref.Hash())
	if err != nil {
		return fmt.Errorf("failed to get commit object: %w", err)
	}
	repoInfo.CommittedAt = commit.Committer.When.UTC()
	return nil
}

func basicAuth(auth *AuthConfig) transport.AuthMethod {
	if auth == nil || auth.Username == "" {
		return nil
	}
	return &githttp.BasicAuth{
		Username: auth.Username,
		Password: auth.Password,
	}
}

func isLocal(url string) bool {
	return strings.HasPrefix(url, "file://") || strings.HasPrefix(url, "/") || strings.HasPrefix(url, ".")
}
