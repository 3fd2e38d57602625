// Package status provides sync status tracking and persistence for subjects.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/stacklok/toolhive-bundle-server/internal/validators"
)

//go:generate mockgen -destination=mocks/mock_status_persistence.go -package=mocks -source=persistence.go StatusPersistence

const (
	// StatusFileName is the name of the status file
	StatusFileName = "status.json"
)

// StatusPersistence defines the interface for sync status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus saves the sync status of a subject
	SaveStatus(ctx context.Context, subject string, status *SubjectStatus) error

	// LoadStatus loads the sync status of a subject.
	// Returns an empty SubjectStatus if none was saved yet.
	LoadStatus(ctx context.Context, subject string) (*SubjectStatus, error)

	// LoadAllStatus loads the sync status of every subject
	LoadAllStatus(ctx context.Context) (map[string]*SubjectStatus, error)
}

// fileStatusPersistence implements StatusPersistence using local filesystem
type fileStatusPersistence struct {
	basePath string
}

// NewFileStatusPersistence creates a new file-based status persistence.
// Each subject's status is stored in basePath/{subject}/status.json.
func NewFileStatusPersistence(basePath string) StatusPersistence {
	return &fileStatusPersistence{
		basePath: basePath,
	}
}

func (f *fileStatusPersistence) statusPath(subject string) (string, error) {
	if _, err := validators.ValidateSubject(subject); err != nil {
		return "", err
	}
	return filepath.Join(f.basePath, subject, StatusFileName), nil
}

// SaveStatus writes the status to a temporary file and renames it into place
func (f *fileStatusPersistence) SaveStatus(_ context.Context, subject string, status *SubjectStatus) error {
	filePath, err := f.statusPath(subject)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return fmt.Errorf("failed to create status directory for subject '%s': %w", subject, err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data for subject '%s': %w", subject, err)
	}

	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file for subject '%s': %w", subject, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file for subject '%s': %w", subject, err)
	}

	return nil
}

// LoadStatus loads the sync status of a subject
func (f *fileStatusPersistence) LoadStatus(_ context.Context, subject string) (*SubjectStatus, error) {
	filePath, err := f.statusPath(subject)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- filePath is built from basePath and a validated subject
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &SubjectStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file for subject '%s': %w", subject, err)
	}

	var status SubjectStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data for subject '%s': %w", subject, err)
	}

	return &status, nil
}

// LoadAllStatus loads the sync status of every subject directory under basePath
func (f *fileStatusPersistence) LoadAllStatus(ctx context.Context) (map[string]*SubjectStatus, error) {
	result := make(map[string]*SubjectStatus)

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("failed to read status directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		subject := entry.Name()
		status, err := f.LoadStatus(ctx, subject)
		if err != nil {
			// Unreadable entries are skipped so one bad file does not hide the rest
			slog.Warn("Skipping unreadable subject status", "subject", subject, "error", err)
			continue
		}

		result[subject] = status
	}

	return result, nil
}
