// Package fingerprint computes stable content digests for unit metadata,
// unit content and merged bundles.
//
// Digests are computed over a canonical JSON encoding: object keys are sorted
// and HTML escaping is disabled, so two semantically equal inputs always
// produce the same digest regardless of map iteration order.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
)

// Algorithm is the digest algorithm used for every fingerprint.
const Algorithm = digest.SHA256

// Part is one named digest contributing to an aggregate fingerprint.
type Part struct {
	ID     string
	Digest digest.Digest
}

// Of returns the fingerprint of the canonical encoding of v.
func Of(v any) (digest.Digest, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return Algorithm.FromBytes(data), nil
}

// Metadata returns the fingerprint of a unit's metadata. A nil map hashes the
// same as an empty one.
func Metadata(meta bundle.Metadata) (digest.Digest, error) {
	if meta == nil {
		meta = bundle.Metadata{}
	}
	d, err := Of(meta)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint metadata: %w", err)
	}
	return d, nil
}

// Content returns the fingerprint of a unit's enriched content.
func Content(content bundle.Content) (digest.Digest, error) {
	d, err := Of(content)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint content: %w", err)
	}
	return d, nil
}

// Aggregate combines parts into a single digest. The result does not depend
// on the order of parts.
func Aggregate(parts []Part) digest.Digest {
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ID == sorted[j].ID {
			return sorted[i].Digest < sorted[j].Digest
		}
		return sorted[i].ID < sorted[j].ID
	})

	digester := Algorithm.Digester()
	w := digester.Hash()
	for _, p := range sorted {
		// NUL cannot appear in an id, so entries never run into each other
		_, _ = io.WriteString(w, p.ID)
		_, _ = w.Write([]byte{0})
		_, _ = io.WriteString(w, p.Digest.String())
		_, _ = w.Write([]byte{'\n'})
	}
	return digester.Digest()
}

// Bundle returns the fingerprint of a set of units. It changes exactly when
// a unit is added, removed or has a different metadata fingerprint.
//
// Content is not part of it. A unit re-fetched after its TTL elapsed that
// yields different content under unchanged metadata leaves the bundle
// fingerprint as it was, so no refresh signal is emitted for it.
func Bundle(units []bundle.Unit) digest.Digest {
	parts := make([]Part, 0, len(units))
	for _, u := range units {
		parts = append(parts, Part{ID: u.ID, Digest: u.MetadataFingerprint})
	}
	return Aggregate(parts)
}

func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
