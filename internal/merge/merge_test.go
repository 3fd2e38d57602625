package merge

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func unit(id, meta string) bundle.Unit {
	return bundle.Unit{
		ID:                  id,
		MetadataFingerprint: digest.FromString(meta),
		Content:             bundle.Content{TechStack: []string{meta}},
		LastSyncedAt:        now,
	}
}

func TestMerge_FreshWins(t *testing.T) {
	t.Parallel()

	cached := []bundle.Unit{unit("repo1", "v1"), unit("repo2", "v1")}
	fresh := []bundle.Unit{unit("repo2", "v2"), unit("repo3", "v1")}

	b := Merge("alice", fresh, cached, now)

	assert.Equal(t, "alice", b.Subject)
	assert.Equal(t, []string{"repo1", "repo2", "repo3"}, b.UnitIDs())
	repo2, ok := b.Unit("repo2")
	require.True(t, ok)
	assert.Equal(t, []string{"v2"}, repo2.Content.TechStack)
	assert.Equal(t, now, b.MergedAt)
}

func TestMerge_Deterministic(t *testing.T) {
	t.Parallel()

	units := []bundle.Unit{unit("a", "1"), unit("b", "2"), unit("c", "3"), unit("d", "4"), unit("e", "5")}
	reference := Merge("alice", units[:3], units[3:], now)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		shuffled := append([]bundle.Unit(nil), units...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		split := rng.IntN(len(shuffled) + 1)
		got := Merge("alice", shuffled[:split], shuffled[split:], now)
		assert.Equal(t, reference, got)
	}
}

func TestMerge_Empty(t *testing.T) {
	t.Parallel()

	b := Merge("alice", nil, nil, now)
	assert.Empty(t, b.Units)
	assert.NotNil(t, b.Units)
	assert.Equal(t, Merge("alice", nil, nil, now.Add(time.Hour)).Fingerprint, b.Fingerprint)
}

func TestChanged(t *testing.T) {
	t.Parallel()

	v1 := Merge("alice", []bundle.Unit{unit("repo1", "v1")}, nil, now)
	same := Merge("alice", nil, []bundle.Unit{unit("repo1", "v1")}, now.Add(time.Minute))
	v2 := Merge("alice", []bundle.Unit{unit("repo1", "v2")}, nil, now)

	assert.True(t, Changed(nil, v1))
	assert.False(t, Changed(v1, same))
	assert.True(t, Changed(v1, v2))
}
