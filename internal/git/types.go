package git

import (
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
)

// AuthConfig holds HTTP basic credentials for a remote
type AuthConfig struct {
	Username string
	Password string
}

// CloneConfig contains configuration for cloning a repository
type CloneConfig struct {
	// URL is the repository URL to clone
	URL string

	// Branch is the specific branch to clone (optional)
	Branch string

	// Auth contains credentials for private repositories (optional)
	Auth *AuthConfig
}

// HeadInfo describes the tip of a remote branch
type HeadInfo struct {
	// Commit is the hex hash the branch points at
	Commit string

	// Branch is the short branch name, empty when it cannot be determined
	Branch string
}

// RepositoryInfo contains information about a cloned repository
type RepositoryInfo struct {
	// Repository is the go-git repository instance
	Repository *git.Repository

	// Branch is the branch HEAD points at
	Branch string

	// Commit is the hex hash of HEAD
	Commit string

	// CommittedAt is the committer time of HEAD
	CommittedAt time.Time

	// RemoteURL is the remote repository URL
	RemoteURL string

	// storerFilesystem holds the in-memory object database. go-git does not
	// release it on its own, so Cleanup clears it explicitly.
	storerFilesystem billy.Filesystem

	// objectCache holds decompressed objects and is cleared in Cleanup.
	objectCache cache.Object
}
