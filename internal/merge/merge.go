// Package merge combines freshly fetched and cached units into a bundle.
package merge

import (
	"sort"
	"time"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/fingerprint"
)

// Merge builds the bundle of subject from fresh and cached units. A fresh
// unit replaces a cached unit with the same id as a whole. The result is
// sorted by unit id, so equal inputs produce identical bundles regardless of
// the order in which fetches completed.
func Merge(subject string, fresh, cached []bundle.Unit, now time.Time) *bundle.Bundle {
	byID := make(map[string]bundle.Unit, len(fresh)+len(cached))
	for _, u := range cached {
		byID[u.ID] = u
	}
	for _, u := range fresh {
		byID[u.ID] = u
	}

	units := make([]bundle.Unit, 0, len(byID))
	for _, u := range byID {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })

	return &bundle.Bundle{
		Subject:     subject,
		Units:       units,
		Fingerprint: fingerprint.Bundle(units),
		MergedAt:    now.UTC(),
	}
}

// Changed reports whether next differs from previous in any unit fingerprint.
// A missing previous bundle always counts as a change.
func Changed(previous, next *bundle.Bundle) bool {
	if previous == nil {
		return true
	}
	return previous.Fingerprint != next.Fingerprint
}
