package status

import "time"

// SyncPhase represents the current phase of a subject's synchronization
type SyncPhase string

const (
	// SyncPhaseSyncing means sync is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means every unit was resolved
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhasePartial means a bundle was produced but some units could not be refreshed
	SyncPhasePartial SyncPhase = "Partial"

	// SyncPhaseFailed means sync failed
	SyncPhaseFailed SyncPhase = "Failed"
)

// SubjectStatus is the operator-facing summary of the last sync of a subject
type SubjectStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase"`

	// Message provides additional information about the sync status
	Message string `json:"message,omitempty"`

	// LastRunID identifies the last sync run
	LastRunID string `json:"lastRunId,omitempty"`

	// LastAttempt is the timestamp of the last sync attempt
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of sync attempts since last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last run that produced a bundle
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// LastBundleFingerprint is the fingerprint of the last produced bundle
	LastBundleFingerprint string `json:"lastBundleFingerprint,omitempty"`

	// UnitCount is the number of units in the last produced bundle
	UnitCount int `json:"unitCount"`

	// FailedUnits lists the units the last run could not refresh
	FailedUnits []string `json:"failedUnits,omitempty"`

	// SyncSchedule is the background sync interval, empty for on-demand subjects
	SyncSchedule string `json:"syncSchedule,omitempty"`
}
