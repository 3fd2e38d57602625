package sync

import (
	"errors"
	"time"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
)

// ErrBundleNotFound is returned when no bundle is cached for a subject
var ErrBundleNotFound = errors.New("bundle not found")

// Status is the outcome of a sync run
type Status string

const (
	// StatusCached means a valid cached bundle was returned without fetching
	StatusCached Status = "cached"
	// StatusFull means every unit was resolved
	StatusFull Status = "full"
	// StatusPartial means at least one unit could not be refreshed
	StatusPartial Status = "partial"
	// StatusFailed means units exist but none could be resolved
	StatusFailed Status = "failed"
)

// FailedUnit describes a unit that could not be refreshed
type FailedUnit struct {
	ID      string       `json:"id"`
	Kind    fetcher.Kind `json:"kind"`
	Message string       `json:"message,omitempty"`

	// Cached is set when the last known value of the unit was used instead
	Cached bool `json:"cached"`
}

// Result is the outcome of Manager.Sync
type Result struct {
	Status      Status         `json:"status"`
	Bundle      *bundle.Bundle `json:"bundle,omitempty"`
	FailedUnits []FailedUnit   `json:"failedUnits"`
	Run         *Run           `json:"run"`

	// Error is set when the run failed before any unit could be planned
	Error string `json:"error,omitempty"`
}

// Run records the coordination state of one sync run
type Run struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Force       bool      `json:"force"`
	State       string    `json:"state"`
	Degraded    bool      `json:"degraded,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	CompletedAt time.Time `json:"completedAt"`

	StaleUnitIDs     []string `json:"staleUnitIds,omitempty"`
	CompletedUnitIDs []string `json:"completedUnitIds,omitempty"`
	FailedUnitIDs    []string `json:"failedUnitIds,omitempty"`
}
