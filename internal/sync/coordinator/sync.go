package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/toolhive-bundle-server/internal/status"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/internal/validators"
)

// SyncNow syncs subject and records Syncing, then the outcome of the run
func (c *defaultCoordinator) SyncNow(ctx context.Context, subject string, force bool) (*pkgsync.Result, error) {
	subject, err := validators.ValidateSubject(subject)
	if err != nil {
		return nil, err
	}

	var attemptCount int
	c.withSubjectStatus(ctx, subject, func(s *status.SubjectStatus) {
		now := time.Now()
		s.Phase = status.SyncPhaseSyncing
		s.Message = "Sync in progress"
		s.LastAttempt = &now
		s.AttemptCount++
		attemptCount = s.AttemptCount
	})
	slog.Debug("Starting sync operation", "subject", subject, "attempt", attemptCount, "force", force)

	result, syncErr := c.manager.Sync(ctx, subject, force)

	c.withSubjectStatus(ctx, subject, func(s *status.SubjectStatus) {
		applyResult(s, result, syncErr, time.Now())

		fpPreview := s.LastBundleFingerprint
		if len(fpPreview) > 19 {
			fpPreview = fpPreview[:19]
		}
		slog.Info("Sync recorded",
			"subject", subject,
			"phase", s.Phase,
			"unit_count", s.UnitCount,
			"fingerprint", fpPreview,
			"message", s.Message)
	})
	return result, syncErr
}

// applyResult records the outcome of a sync run in s
func applyResult(s *status.SubjectStatus, result *pkgsync.Result, syncErr error, now time.Time) {
	if result != nil && result.Run != nil {
		s.LastRunID = result.Run.ID
	}

	if result == nil || result.Status == pkgsync.StatusFailed {
		s.Phase = status.SyncPhaseFailed
		switch {
		case syncErr != nil:
			s.Message = syncErr.Error()
		case result != nil && result.Error != "":
			s.Message = result.Error
		default:
			s.Message = "No unit could be resolved"
		}
		if result != nil {
			s.FailedUnits = failedUnitIDs(result.FailedUnits)
		}
		return
	}

	s.AttemptCount = 0
	s.FailedUnits = failedUnitIDs(result.FailedUnits)
	if result.Bundle != nil {
		s.LastBundleFingerprint = result.Bundle.Fingerprint.String()
		s.UnitCount = len(result.Bundle.Units)
	}

	switch result.Status {
	case pkgsync.StatusCached:
		s.Phase = status.SyncPhaseComplete
		s.Message = "Cached bundle is still valid"
	case pkgsync.StatusPartial:
		s.Phase = status.SyncPhasePartial
		s.Message = fmt.Sprintf("%d unit(s) could not be refreshed", len(result.FailedUnits))
		s.LastSyncTime = &now
	default:
		s.Phase = status.SyncPhaseComplete
		s.Message = "Sync completed successfully"
		s.LastSyncTime = &now
	}

}

func failedUnitIDs(failed []pkgsync.FailedUnit) []string {
	if len(failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		ids = append(ids, f.ID)
	}
	return ids
}
