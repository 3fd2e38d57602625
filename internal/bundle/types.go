// Package bundle defines the aggregate produced by a sync run and the per-unit
// records it is merged from.
package bundle

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Metadata is the cheap descriptor of a unit returned by a fetcher. Its
// canonical encoding is the input of the metadata fingerprint.
type Metadata map[string]any

// Document is an excerpt of a documentation file found in a unit.
type Document struct {
	Path    string `json:"path"`
	Excerpt string `json:"excerpt"`
}

// Content is the expensive, enriched view of a unit.
type Content struct {
	Docs      []Document     `json:"docs,omitempty"`
	TechStack []string       `json:"techStack,omitempty"`
	FileTypes map[string]int `json:"fileTypes,omitempty"`
	Languages map[string]int `json:"languages,omitempty"`
}

// Unit is one independently fetchable part of a subject, such as a single
// repository of a user.
type Unit struct {
	ID                  string        `json:"id"`
	MetadataFingerprint digest.Digest `json:"metadataFingerprint"`
	ContentFingerprint  digest.Digest `json:"contentFingerprint,omitempty"`
	Metadata            Metadata      `json:"metadata,omitempty"`
	Content             Content       `json:"content"`
	LastSyncedAt        time.Time     `json:"lastSyncedAt"`
}

// Bundle is the merged, cacheable aggregate for one subject. Units are always
// sorted by ID.
type Bundle struct {
	Subject     string        `json:"subject"`
	Units       []Unit        `json:"units"`
	Fingerprint digest.Digest `json:"fingerprint"`
	MergedAt    time.Time     `json:"mergedAt"`
}

// UnitIDs returns the IDs of the units in the bundle, in bundle order.
func (b *Bundle) UnitIDs() []string {
	if b == nil {
		return nil
	}
	ids := make([]string, 0, len(b.Units))
	for _, u := range b.Units {
		ids = append(ids, u.ID)
	}
	return ids
}

// Unit returns the unit with the given ID, if present.
func (b *Bundle) Unit(id string) (Unit, bool) {
	if b == nil {
		return Unit{}, false
	}
	for _, u := range b.Units {
		if u.ID == id {
			return u, true
		}
	}
	return Unit{}, false
}
