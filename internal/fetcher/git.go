package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher/analyze"
	gitclient "github.com/stacklok/toolhive-bundle-server/internal/git"
)

// gitFetcher treats every unit as a Git repository. Metadata is the remote
// head commit, resolved without cloning; content is read from a shallow
// in-memory clone.
type gitFetcher struct {
	client gitclient.Client
	cfg    *config.GitConfig
	auth   *gitclient.AuthConfig
	units  map[string][]string
}

// NewGitFetcher creates a Git fetcher. Git remotes cannot be enumerated, so
// the units of each subject come from the subject configuration.
func NewGitFetcher(client gitclient.Client, cfg *config.GitConfig, subjects []config.SubjectConfig) (Fetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("git configuration is required")
	}

	f := &gitFetcher{
		client: client,
		cfg:    cfg,
		units:  make(map[string][]string, len(subjects)),
	}

	if cfg.Username != "" {
		password, err := cfg.GetPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to get git password: %w", err)
		}
		f.auth = &gitclient.AuthConfig{Username: cfg.Username, Password: password}
	}

	for _, s := range subjects {
		units := append([]string(nil), s.Units...)
		sort.Strings(units)
		f.units[s.Name] = units
	}
	return f, nil
}

func (f *gitFetcher) ListUnits(_ context.Context, subject string) ([]string, error) {
	units, ok := f.units[subject]
	if !ok {
		return nil, NewError(KindNotFound, subject, "", errors.New("no units configured for subject"))
	}
	return append([]string(nil), units...), nil
}

func (f *gitFetcher) FetchMetadata(ctx context.Context, subject, unitID string) (bundle.Metadata, error) {
	head, err := f.client.Head(ctx, f.cfg.CloneURL(subject, unitID), f.cfg.Branch, f.auth)
	if err != nil {
		return nil, classify(subject, unitID, err, gitErrorKind)
	}
	return bundle.Metadata{
		"commit": head.Commit,
		"branch": head.Branch,
	}, nil
}

func (f *gitFetcher) FetchContent(ctx context.Context, subject, unitID string) (bundle.Content, error) {
	cloneConfig := &gitclient.CloneConfig{
		URL:    f.cfg.CloneURL(subject, unitID),
		Branch: f.cfg.Branch,
		Auth:   f.auth,
	}

	startTime := time.Now()
	slog.Debug("Starting git clone", "repository", cloneConfig.URL, "branch", cloneConfig.Branch)

	repoInfo, err := f.client.Clone(ctx, cloneConfig)
	if err != nil {
		slog.Warn("Git clone failed",
			"error", err,
			"repository", cloneConfig.URL,
			"duration", time.Since(startTime).String())
		return bundle.Content{}, classify(subject, unitID, err, gitErrorKind)
	}
	slog.Debug("Git clone completed",
		"repository", cloneConfig.URL,
		"duration", time.Since(startTime).String(),
		"branch", repoInfo.Branch,
		"commit_sha", repoInfo.Commit)

	defer func() {
		if cleanupErr := f.client.Cleanup(ctx, repoInfo); cleanupErr != nil {
			slog.Error("Failed to cleanup repository", "error", cleanupErr)
		}
	}()

	tree := analyze.TreeFunc(func(fn analyze.VisitFunc) error {
		return f.client.ForEachFile(repoInfo, gitclient.FileVisitor(fn))
	})
	content, err := analyze.Analyze(tree)
	if err != nil {
		return bundle.Content{}, classify(subject, unitID, fmt.Errorf("failed to analyze repository: %w", err), gitErrorKind)
	}
	return content, nil
}

func gitErrorKind(err error) (Kind, bool) {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, gitclient.ErrBranchNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return KindNotFound, true
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod),
		errors.Is(err, gitclient.ErrTooManyFiles),
		errors.Is(err, gitclient.ErrTooLarge):
		return KindPermanent, true
	}

	var httpErr *githttp.Err
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		switch code := httpErr.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return KindRateLimited, true
		case code >= http.StatusInternalServerError:
			return KindTransient, true
		}
	}
	return "", false
}
