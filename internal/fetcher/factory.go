package fetcher

import (
	"fmt"

	"github.com/stacklok/toolhive-bundle-server/internal/config"
	gitclient "github.com/stacklok/toolhive-bundle-server/internal/git"
	"github.com/stacklok/toolhive-bundle-server/internal/httpclient"
)

// New creates the fetcher selected by the configuration
func New(cfg *config.Config) (Fetcher, error) {
	switch cfg.Fetcher.Type {
	case config.FetcherTypeGit:
		return NewGitFetcher(gitclient.NewDefaultGitClient(), cfg.Fetcher.Git, cfg.Subjects)
	case config.FetcherTypeAPI:
		token, err := cfg.Fetcher.API.GetToken()
		if err != nil {
			return nil, err
		}
		client := httpclient.NewDefaultClient(
			cfg.Fetcher.API.GetTimeout(),
			httpclient.WithBearerToken(token),
			httpclient.WithHeader("Accept", "application/vnd.github+json"),
		)
		return NewAPIFetcher(client, cfg.Fetcher.API.GetEndpoint()), nil
	case config.FetcherTypeFile:
		if cfg.Fetcher.File == nil || cfg.Fetcher.File.Root == "" {
			return nil, fmt.Errorf("file fetcher requires a root directory")
		}
		return NewFileFetcher(cfg.Fetcher.File.Root), nil
	default:
		return nil, fmt.Errorf("unsupported fetcher type: %q", cfg.Fetcher.Type)
	}
}
