// Package fetcher defines the boundary to the upstream system that owns a
// subject's units, together with the git, REST API and local directory
// implementations of it.
//
// Fetchers never retry: the sync orchestrator decides what to retry based on
// the Kind of the returned Error.
package fetcher

import (
	"context"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks -source=fetcher.go Fetcher

// Fetcher retrieves units of a subject from an upstream system
type Fetcher interface {
	// ListUnits returns the unit ids of a subject
	ListUnits(ctx context.Context, subject string) ([]string, error)

	// FetchMetadata returns the cheap descriptor of a unit. Its fingerprint
	// decides whether the unit content must be fetched again.
	FetchMetadata(ctx context.Context, subject, unitID string) (bundle.Metadata, error)

	// FetchContent returns the expensive, enriched view of a unit
	FetchContent(ctx context.Context, subject, unitID string) (bundle.Content, error)
}
