// Package helpers builds repository fixtures and configurations for the
// integration suite.
package helpers

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/onsi/gomega"
)

// WriteUnit writes files into {root}/{subject}/{unit}
func WriteUnit(root, subject, unit string, files map[string]string) string {
	dir := filepath.Join(root, subject, unit)
	for name, content := range files {
		WriteFile(filepath.Join(dir, name), content)
	}
	return dir
}

// WriteFile writes content to path, creating parent directories
func WriteFile(path, content string) {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	err = os.WriteFile(path, []byte(content), 0600)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
}

// ConfigOptions describes the configuration written by WriteConfigYAML
type ConfigOptions struct {
	CachePath   string
	StatusPath  string
	SignalPath  string
	FetcherYAML string
	Subjects    []SubjectOptions
}

// SubjectOptions describes one configured subject
type SubjectOptions struct {
	Name     string
	Interval string
	Units    []string
}

// FileFetcherYAML returns the fetcher block of a file fetcher rooted at root
func FileFetcherYAML(root string) string {
	return "  type: file\n  file:\n    root: " + root + "\n"
}

// GitFetcherYAML returns the fetcher block of a git fetcher cloning from the
// given URL template
func GitFetcherYAML(urlTemplate string) string {
	return "  type: git\n  git:\n    urlTemplate: \"" + urlTemplate + "\"\n"
}

// WriteConfigYAML writes a configuration file into dir and returns its path
func WriteConfigYAML(dir string, opts ConfigOptions) string {
	var b strings.Builder
	b.WriteString("storage:\n  type: sqlite\n")
	b.WriteString("  path: " + opts.CachePath + "\n")
	b.WriteString("  statusPath: " + opts.StatusPath + "\n")
	b.WriteString("fetcher:\n" + opts.FetcherYAML)
	b.WriteString("sync:\n  maxConcurrency: 4\n  runTimeout: 30s\n  fetchTimeout: 20s\n")
	b.WriteString("  retry:\n    maxAttempts: 2\n    initialInterval: 10ms\n    maxInterval: 50ms\n")
	if opts.SignalPath != "" {
		b.WriteString("signal:\n  type: file\n  file:\n    path: " + opts.SignalPath + "\n")
	}
	if len(opts.Subjects) > 0 {
		b.WriteString("subjects:\n")
		for _, s := range opts.Subjects {
			b.WriteString("  - name: " + s.Name + "\n")
			if s.Interval != "" {
				b.WriteString("    interval: " + s.Interval + "\n")
			}
			if len(s.Units) > 0 {
				b.WriteString("    units: [" + strings.Join(s.Units, ", ") + "]\n")
			}
		}
	}

	path := filepath.Join(dir, "config.yaml")
	WriteFile(path, b.String())
	return path
}

// GitRepo is a local repository used as a clone source
type GitRepo struct {
	Path string
	repo *git.Repository
}

// InitGitRepo creates a repository at path with one commit holding files
func InitGitRepo(path string, files map[string]string) *GitRepo {
	repo, err := git.PlainInit(path, false)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	r := &GitRepo{Path: path, repo: repo}
	r.Commit(files, "Initial commit")
	return r
}

// Commit writes files into the work tree and commits them
func (r *GitRepo) Commit(files map[string]string, message string) string {
	wt, err := r.repo.Worktree()
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	for name, content := range files {
		WriteFile(filepath.Join(r.Path, name), content)
		_, err = wt.Add(name)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return hash.String()
}
