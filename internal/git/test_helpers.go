package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// TestRepoConfig contains configuration for creating a test repository
type TestRepoConfig struct {
	Files  map[string]string // Map of filename to content
	Branch string            // Default branch name, "main" when empty
	Author *object.Signature // Author for commits (uses default if nil)
}

// CreateTestRepo creates a Git repository in a test temp directory with the
// given files committed on the default branch. It returns the repository path.
func CreateTestRepo(t *testing.T, config TestRepoConfig) string {
	t.Helper()

	repoDir := t.TempDir()
	branch := config.Branch
	if branch == "" {
		branch = "main"
	}

	_, err := git.PlainInitWithOptions(repoDir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
	})
	if err != nil {
		t.Fatalf("Failed to init repository: %v", err)
	}

	CommitFiles(t, repoDir, config.Files, config.Author)
	return repoDir
}

// CommitFiles writes files into the repository at repoDir and commits them,
// returning the new commit hash
func CommitFiles(t *testing.T, repoDir string, files map[string]string, author *object.Signature) plumbing.Hash {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	workTree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}

	if author == nil {
		author = &object.Signature{
			Name:  "Test Author",
			Email: "test@example.com",
			When:  time.Now(),
		}
	}

	for filename, content := range files {
		filePath := filepath.Join(repoDir, filename)
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", filename, err)
		}
		if err := os.WriteFile(filePath, []byte(content), 0o600); err != nil {
			t.Fatalf("Failed to write file %s: %v", filename, err)
		}
		if _, err := workTree.Add(filename); err != nil {
			t.Fatalf("Failed to add file %s: %v", filename, err)
		}
	}

	hash, err := workTree.Commit("Update files", &git.CommitOptions{
		Author:            author,
		AllowEmptyCommits: true,
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	return hash
}
