// Package analyze derives the enriched content of a unit from its file tree:
// documentation excerpts, tech stack facts and file type histograms.
package analyze

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
)

const (
	// MaxDocs bounds the number of documentation excerpts per unit
	MaxDocs = 20

	// MaxExcerptBytes bounds the length of a documentation excerpt
	MaxExcerptBytes = 2048

	// maxManifestBytes bounds how much of a manifest is parsed
	maxManifestBytes = 1024 * 1024

	noExtension = "none"
)

// VisitFunc is called for every file of a tree. open returns the file content.
type VisitFunc func(path string, size int64, open func() (io.ReadCloser, error)) error

// Tree is a read-only file tree with slash separated, root relative paths
type Tree interface {
	Walk(fn VisitFunc) error
}

// TreeFunc adapts a function to the Tree interface
type TreeFunc func(fn VisitFunc) error

// Walk calls f
func (f TreeFunc) Walk(fn VisitFunc) error { return f(fn) }

// Skipped reports whether p lies under a directory that is never analyzed
func Skipped(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		switch segment {
		case ".git", "node_modules", "vendor":
			return true
		}
	}
	return false
}

// Analyze walks tree and builds the unit content
func Analyze(tree Tree) (bundle.Content, error) {
	var (
		docs      []bundle.Document
		facts     = map[string]struct{}{}
		fileTypes = map[string]int{}
		languages = map[string]int{}
	)

	err := tree.Walk(func(p string, size int64, open func() (io.ReadCloser, error)) error {
		p = strings.TrimPrefix(path.Clean("/"+p), "/")
		if p == "" || Skipped(p) {
			return nil
		}

		ext := Extension(p)
		fileTypes[ext]++
		if lang, ok := Language(p); ok {
			languages[lang] += int(size)
		}

		if isDoc(p) {
			if len(docs) >= MaxDocs {
				return nil
			}
			excerpt, err := readPrefix(open, MaxExcerptBytes)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", p, err)
			}
			docs = append(docs, bundle.Document{Path: p, Excerpt: excerptOf(excerpt)})
			return nil
		}

		parse, ok := manifests[path.Base(p)]
		if !ok {
			return nil
		}
		data, err := readPrefix(open, maxManifestBytes)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		for _, fact := range parse(p, data) {
			facts[fact] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return bundle.Content{}, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })

	content := bundle.Content{
		Docs:      docs,
		TechStack: sortedKeys(facts),
	}
	if len(fileTypes) > 0 {
		content.FileTypes = fileTypes
	}
	if len(languages) > 0 {
		content.Languages = languages
	}
	return content, nil
}

// Extension returns the lower-cased extension of p without the dot, or
// "none" for files without one
func Extension(p string) string {
	base := strings.ToLower(path.Base(p))
	ext := strings.TrimPrefix(path.Ext(base), ".")
	if ext == "" || "."+ext == base {
		return noExtension
	}
	return ext
}

func isDoc(p string) bool {
	base := strings.ToLower(path.Base(p))
	if !strings.Contains(p, "/") && strings.HasPrefix(base, "readme") {
		return true
	}
	return strings.HasPrefix(p, "docs/") && (strings.HasSuffix(base, ".md") || strings.HasSuffix(base, ".markdown"))
}

func readPrefix(open func() (io.ReadCloser, error), limit int64) ([]byte, error) {
	if open == nil {
		return nil, errors.New("file cannot be opened")
	}
	r, err := open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(io.LimitReader(r, limit))
}

// excerptOf trims a prefix to whole runes and surrounding whitespace
func excerptOf(data []byte) string {
	for len(data) > 0 && !utf8.Valid(data) {
		data = data[:len(data)-1]
	}
	return strings.TrimSpace(string(data))
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
