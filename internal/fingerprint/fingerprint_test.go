package fingerprint

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
)

func TestMetadata_KeyOrderIndependent(t *testing.T) {
	t.Parallel()

	a := bundle.Metadata{}
	a["pushedAt"] = "2024-01-01T00:00:00Z"
	a["size"] = 120
	a["language"] = "Go"
	a["languages"] = map[string]any{"Go": 900, "Shell": 12}

	b := bundle.Metadata{}
	b["languages"] = map[string]any{"Shell": 12, "Go": 900}
	b["language"] = "Go"
	b["size"] = 120
	b["pushedAt"] = "2024-01-01T00:00:00Z"

	da, err := Metadata(a)
	require.NoError(t, err)
	db, err := Metadata(b)
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.Equal(t, digest.SHA256, da.Algorithm())
	assert.NoError(t, da.Validate())
}

func TestMetadata_DetectsChanges(t *testing.T) {
	t.Parallel()

	before, err := Metadata(bundle.Metadata{"head": "abc123"})
	require.NoError(t, err)
	after, err := Metadata(bundle.Metadata{"head": "def456"})
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func TestMetadata_NilEqualsEmpty(t *testing.T) {
	t.Parallel()

	nilDigest, err := Metadata(nil)
	require.NoError(t, err)
	emptyDigest, err := Metadata(bundle.Metadata{})
	require.NoError(t, err)

	assert.Equal(t, emptyDigest, nilDigest)
}

func TestMetadata_UnsupportedValue(t *testing.T) {
	t.Parallel()

	_, err := Metadata(bundle.Metadata{"ch": make(chan int)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fingerprint metadata")
}

func TestContent_HTMLIsNotEscaped(t *testing.T) {
	t.Parallel()

	content := bundle.Content{Docs: []bundle.Document{{Path: "README.md", Excerpt: "<b>a & b</b>"}}}
	d, err := Content(content)
	require.NoError(t, err)

	expected := digest.FromString(`{"docs":[{"path":"README.md","excerpt":"<b>a & b</b>"}]}`)
	assert.Equal(t, expected, d)
}

func TestAggregate_OrderIndependent(t *testing.T) {
	t.Parallel()

	parts := []Part{
		{ID: "repo2", Digest: digest.FromString("two")},
		{ID: "repo1", Digest: digest.FromString("one")},
		{ID: "repo3", Digest: digest.FromString("three")},
	}
	reversed := []Part{parts[2], parts[1], parts[0]}

	assert.Equal(t, Aggregate(parts), Aggregate(reversed))
	// input slice is left untouched
	assert.Equal(t, "repo2", parts[0].ID)
}

func TestAggregate_DistinguishesBoundaries(t *testing.T) {
	t.Parallel()

	a := Aggregate([]Part{{ID: "ab", Digest: digest.FromString("x")}})
	b := Aggregate([]Part{{ID: "a", Digest: digest.FromString("x")}})

	assert.NotEqual(t, a, b)
	assert.Equal(t, Aggregate(nil), Aggregate([]Part{}))
}

func TestBundle(t *testing.T) {
	t.Parallel()

	u1 := bundle.Unit{ID: "repo1", MetadataFingerprint: digest.FromString("m1"), ContentFingerprint: digest.FromString("c1")}
	u2 := bundle.Unit{ID: "repo2", MetadataFingerprint: digest.FromString("m2"), ContentFingerprint: digest.FromString("c2")}

	assert.Equal(t, Bundle([]bundle.Unit{u1, u2}), Bundle([]bundle.Unit{u2, u1}))

	reanalyzed := u2
	reanalyzed.ContentFingerprint = digest.FromString("c2-new")
	assert.Equal(t, Bundle([]bundle.Unit{u1, u2}), Bundle([]bundle.Unit{u1, reanalyzed}))

	changed := u2
	changed.MetadataFingerprint = digest.FromString("m2-new")
	assert.NotEqual(t, Bundle([]bundle.Unit{u1, u2}), Bundle([]bundle.Unit{u1, changed}))
	assert.NotEqual(t, Bundle([]bundle.Unit{u1, u2}), Bundle([]bundle.Unit{u1}))
}
