package fetcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher/analyze"
	"github.com/stacklok/toolhive-bundle-server/internal/validators"
)

// fileFetcher serves units from a local directory laid out as
// {root}/{subject}/{unit}
type fileFetcher struct {
	fs billy.Filesystem
}

// NewFileFetcher creates a fetcher over the directory root
func NewFileFetcher(root string) Fetcher {
	return &fileFetcher{fs: osfs.New(root)}
}

func (f *fileFetcher) ListUnits(ctx context.Context, subject string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(KindOf(err), subject, "", err)
	}

	entries, err := f.fs.ReadDir(subject)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewError(KindNotFound, subject, "", err)
		}
		return nil, NewError(KindTransient, subject, "", fmt.Errorf("failed to list units: %w", err))
	}

	units := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || validators.ValidateUnitID(name) != nil {
			continue
		}
		units = append(units, name)
	}
	sort.Strings(units)
	return units, nil
}

func (f *fileFetcher) FetchMetadata(ctx context.Context, subject, unitID string) (bundle.Metadata, error) {
	fs, err := f.unitFS(subject, unitID)
	if err != nil {
		return nil, err
	}

	var (
		files     int
		size      int64
		latest    time.Time
		languages = map[string]int{}
	)
	err = util.Walk(fs, ".", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := filepath.ToSlash(p)
		if info.IsDir() {
			if rel != "." && analyze.Skipped(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files++
		size += info.Size()
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		if lang, ok := analyze.Language(rel); ok {
			languages[lang] += int(info.Size())
		}
		return nil
	})
	if err != nil {
		return nil, classify(subject, unitID, fmt.Errorf("failed to scan unit: %w", err), fileErrorKind)
	}

	meta := bundle.Metadata{
		"files": files,
		"size":  size,
	}
	if !latest.IsZero() {
		meta["updatedAt"] = latest.UTC().Format(time.RFC3339Nano)
	}
	if len(languages) > 0 {
		meta["languages"] = languages
	}
	return meta, nil
}

func (f *fileFetcher) FetchContent(ctx context.Context, subject, unitID string) (bundle.Content, error) {
	fs, err := f.unitFS(subject, unitID)
	if err != nil {
		return bundle.Content{}, err
	}
	if err := ctx.Err(); err != nil {
		return bundle.Content{}, NewError(KindOf(err), subject, unitID, err)
	}

	content, err := analyze.Analyze(analyze.FSTree(fs))
	if err != nil {
		return bundle.Content{}, classify(subject, unitID, fmt.Errorf("failed to analyze unit: %w", err), fileErrorKind)
	}
	return content, nil
}

func (f *fileFetcher) unitFS(subject, unitID string) (billy.Filesystem, error) {
	if err := validators.ValidateUnitID(unitID); err != nil {
		return nil, NewError(KindPermanent, subject, unitID, err)
	}

	dir := f.fs.Join(subject, unitID)
	info, err := f.fs.Stat(dir)
	if err != nil {
		return nil, classify(subject, unitID, err, fileErrorKind)
	}
	if !info.IsDir() {
		return nil, NewError(KindNotFound, subject, unitID, fmt.Errorf("%s is not a directory", dir))
	}

	fs, err := f.fs.Chroot(dir)
	if err != nil {
		return nil, NewError(KindTransient, subject, unitID, err)
	}
	return fs, nil
}

func fileErrorKind(err error) (Kind, bool) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound, true
	case errors.Is(err, os.ErrPermission):
		return KindPermanent, true
	}
	return "", false
}
