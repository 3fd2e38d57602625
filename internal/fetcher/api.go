package fetcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher/analyze"
	"github.com/stacklok/toolhive-bundle-server/internal/httpclient"
)

const (
	apiPageSize = 100
	apiMaxPages = 10
)

// apiFetcher reads units from a GitHub-compatible REST API. A subject is a
// user and a unit is one of the user's repositories.
type apiFetcher struct {
	client   httpclient.Client
	endpoint string
}

// NewAPIFetcher creates a fetcher for the API rooted at endpoint
func NewAPIFetcher(client httpclient.Client, endpoint string) Fetcher {
	return &apiFetcher{
		client:   client,
		endpoint: strings.TrimSuffix(endpoint, "/"),
	}
}

func (f *apiFetcher) ListUnits(ctx context.Context, subject string) ([]string, error) {
	var units []string
	for page := 1; page <= apiMaxPages; page++ {
		u := fmt.Sprintf("%s/users/%s/repos?type=owner&sort=full_name&per_page=%d&page=%d",
			f.endpoint, url.PathEscape(subject), apiPageSize, page)

		data, err := f.client.Get(ctx, u)
		if err != nil {
			return nil, classify(subject, "", err, apiErrorKind)
		}
		result := gjson.ParseBytes(data)
		if !gjson.ValidBytes(data) || !result.IsArray() {
			return nil, NewError(KindPermanent, subject, "", fmt.Errorf("unexpected repository listing from %s", u))
		}

		names := result.Get("#.name").Array()
		for _, name := range names {
			units = append(units, name.String())
		}
		if len(names) < apiPageSize {
			return units, nil
		}
	}

	slog.Warn("Repository listing truncated", "subject", subject, "units", len(units))
	return units, nil
}

func (f *apiFetcher) FetchMetadata(ctx context.Context, subject, unitID string) (bundle.Metadata, error) {
	repo, err := f.repository(ctx, subject, unitID)
	if err != nil {
		return nil, err
	}

	data, err := f.client.Get(ctx, f.repoURL(subject, unitID, "languages"))
	if err != nil {
		return nil, classify(subject, unitID, err, apiErrorKind)
	}
	languages := map[string]int64{}
	gjson.ParseBytes(data).ForEach(func(key, value gjson.Result) bool {
		languages[key.String()] = value.Int()
		return true
	})

	return bundle.Metadata{
		"pushedAt":      repo.Get("pushed_at").String(),
		"size":          repo.Get("size").Int(),
		"defaultBranch": repo.Get("default_branch").String(),
		"language":      repo.Get("language").String(),
		"description":   repo.Get("description").String(),
		"archived":      repo.Get("archived").Bool(),
		"languages":     languages,
	}, nil
}

func (f *apiFetcher) FetchContent(ctx context.Context, subject, unitID string) (bundle.Content, error) {
	repo, err := f.repository(ctx, subject, unitID)
	if err != nil {
		return bundle.Content{}, err
	}
	ref := repo.Get("default_branch").String()
	if ref == "" {
		ref = "HEAD"
	}

	data, err := f.client.Get(ctx, f.repoURL(subject, unitID, "git/trees/"+url.PathEscape(ref))+"?recursive=1")
	if err != nil {
		// An empty repository has no tree
		if apiStatus(err) == http.StatusConflict {
			return bundle.Content{}, nil
		}
		return bundle.Content{}, classify(subject, unitID, err, apiErrorKind)
	}
	listing := gjson.ParseBytes(data)
	if listing.Get("truncated").Bool() {
		slog.Warn("Repository tree truncated", "subject", subject, "unit", unitID)
	}

	tree := analyze.TreeFunc(func(fn analyze.VisitFunc) error {
		var walkErr error
		listing.Get("tree").ForEach(func(_, entry gjson.Result) bool {
			if entry.Get("type").String() != "blob" {
				return true
			}
			p := entry.Get("path").String()
			walkErr = fn(p, entry.Get("size").Int(), func() (io.ReadCloser, error) {
				return f.open(ctx, subject, unitID, ref, p)
			})
			return walkErr == nil
		})
		return walkErr
	})

	content, err := analyze.Analyze(tree)
	if err != nil {
		return bundle.Content{}, classify(subject, unitID, fmt.Errorf("failed to analyze repository: %w", err), apiErrorKind)
	}
	return content, nil
}

func (f *apiFetcher) repository(ctx context.Context, subject, unitID string) (gjson.Result, error) {
	data, err := f.client.Get(ctx, f.repoURL(subject, unitID, ""))
	if err != nil {
		return gjson.Result{}, classify(subject, unitID, err, apiErrorKind)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, NewError(KindPermanent, subject, unitID, errors.New("invalid repository document"))
	}
	return gjson.ParseBytes(data), nil
}

// open reads a file through the contents endpoint. Files too large for the
// endpoint are reported as empty.
func (f *apiFetcher) open(ctx context.Context, subject, unitID, ref, p string) (io.ReadCloser, error) {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	u := f.repoURL(subject, unitID, "contents/"+strings.Join(segments, "/")) + "?ref=" + url.QueryEscape(ref)

	data, err := f.client.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	doc := gjson.ParseBytes(data)
	if doc.Get("encoding").String() != "base64" {
		return io.NopCloser(strings.NewReader("")), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(doc.Get("content").String(), "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return io.NopCloser(strings.NewReader(string(decoded))), nil
}

func (f *apiFetcher) repoURL(subject, unitID, suffix string) string {
	u := fmt.Sprintf("%s/repos/%s/%s", f.endpoint, url.PathEscape(subject), url.PathEscape(unitID))
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

func apiStatus(err error) int {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

func apiErrorKind(err error) (Kind, bool) {
	var httpErr *httpclient.HTTPError
	if !errors.As(err, &httpErr) {
		return "", false
	}
	switch code := httpErr.StatusCode; {
	case httpErr.RateLimited:
		return KindRateLimited, true
	case code == http.StatusNotFound, code == http.StatusGone:
		return KindNotFound, true
	case code == http.StatusRequestTimeout, code >= http.StatusInternalServerError:
		return KindTransient, true
	default:
		return KindPermanent, true
	}
}
