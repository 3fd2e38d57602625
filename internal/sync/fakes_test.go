package sync

import (
	"context"
	"errors"
	"maps"
	"slices"
	stdsync "sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/cache"
	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
	"github.com/stacklok/toolhive-bundle-server/internal/signal"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeUnit struct {
	meta    bundle.Metadata
	content bundle.Content
	delay   time.Duration
}

// fakeFetcher serves units from memory. Errors queued per unit are returned
// by successive calls before the unit is served.
type fakeFetcher struct {
	mu stdsync.Mutex

	units       map[string]fakeUnit
	listErr     error
	metaErrs    map[string][]error
	contentErrs map[string][]error
	gates       map[string]chan struct{}

	listCalls    int
	metaCalls    map[string]int
	contentCalls map[string]int

	started chan string
}

func newFakeFetcher(ids ...string) *fakeFetcher {
	f := &fakeFetcher{
		units:        make(map[string]fakeUnit),
		metaErrs:     make(map[string][]error),
		contentErrs:  make(map[string][]error),
		gates:        make(map[string]chan struct{}),
		metaCalls:    make(map[string]int),
		contentCalls: make(map[string]int),
		started:      make(chan string, 64),
	}
	for _, id := range ids {
		f.units[id] = fakeUnit{
			meta:    bundle.Metadata{"revision": "v1", "unit": id},
			content: bundle.Content{TechStack: []string{"lang:" + id}},
		}
	}
	return f
}

func (f *fakeFetcher) setMetadata(id string, meta bundle.Metadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.units[id]
	u.meta = meta
	f.units[id] = u
}

func (f *fakeFetcher) removeUnit(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.units, id)
}

func (f *fakeFetcher) addUnit(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[id] = fakeUnit{
		meta:    bundle.Metadata{"revision": "v1", "unit": id},
		content: bundle.Content{TechStack: []string{"lang:" + id}},
	}
}

func (f *fakeFetcher) setContent(id string, content bundle.Content) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.units[id]
	u.content = content
	f.units[id] = u
}

func (f *fakeFetcher) setDelay(id string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.units[id]
	u.delay = d
	f.units[id] = u
}

func (f *fakeFetcher) gate(id string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[id] = ch
	return ch
}

func (f *fakeFetcher) failContent(id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentErrs[id] = append(f.contentErrs[id], errs...)
}

func (f *fakeFetcher) failMetadata(id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaErrs[id] = append(f.metaErrs[id], errs...)
}

func (f *fakeFetcher) contentCallsOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentCalls[id]
}

func (f *fakeFetcher) metaCallsOf(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metaCalls[id]
}

func (f *fakeFetcher) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeFetcher) ListUnits(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Sorted(maps.Keys(f.units)), nil
}

func (f *fakeFetcher) FetchMetadata(_ context.Context, subject, unitID string) (bundle.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls[unitID]++
	if err := pop(f.metaErrs, unitID); err != nil {
		return nil, err
	}
	u, ok := f.units[unitID]
	if !ok {
		return nil, fetcher.NewError(fetcher.KindNotFound, subject, unitID, errors.New("no such unit"))
	}
	return maps.Clone(u.meta), nil
}

func (f *fakeFetcher) FetchContent(_ context.Context, subject, unitID string) (bundle.Content, error) {
	f.mu.Lock()
	f.contentCalls[unitID]++
	err := pop(f.contentErrs, unitID)
	gate := f.gates[unitID]
	u, ok := f.units[unitID]
	f.mu.Unlock()

	select {
	case f.started <- unitID:
	default:
	}
	if gate != nil {
		<-gate
	}
	if u.delay > 0 {
		time.Sleep(u.delay)
	}

	if err != nil {
		return bundle.Content{}, err
	}
	if !ok {
		return bundle.Content{}, fetcher.NewError(fetcher.KindNotFound, subject, unitID, errors.New("no such unit"))
	}
	return u.content, nil
}

func pop(queue map[string][]error, id string) error {
	errs := queue[id]
	if len(errs) == 0 {
		return nil
	}
	queue[id] = errs[1:]
	return errs[0]
}

type recordingEmitter struct {
	mu      stdsync.Mutex
	signals []signal.Signal
	err     error
}

func (e *recordingEmitter) Emit(_ context.Context, sig signal.Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, sig)
	return e.err
}

func (e *recordingEmitter) emitted() []signal.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.signals)
}

// failingSaveStore reads from the wrapped store and fails every write
type failingSaveStore struct {
	cache.Store
}

func (failingSaveStore) Save(context.Context, string, []byte, time.Duration, digest.Digest) error {
	return cache.ErrUnavailable
}

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		MaxConcurrency: 4,
		RunTimeout:     "5s",
		FetchTimeout:   "5s",
		UnitTTL:        "1h",
		BundleTTL:      "6h",
		Retry: &config.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: "1ms",
			MaxInterval:     "5ms",
		},
	}
}

type testEnv struct {
	clock   *testingclock.FakeClock
	store   cache.Store
	fetcher *fakeFetcher
	emitter *recordingEmitter
	manager Manager
}

func newTestEnv(t *testing.T, f *fakeFetcher, mutate ...func(*config.SyncConfig)) *testEnv {
	t.Helper()

	cfg := testSyncConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	clk := testingclock.NewFakeClock(epoch)
	store := cache.NewMemoryStore(cache.WithClock(clk))
	emitter := &recordingEmitter{}
	return &testEnv{
		clock:   clk,
		store:   store,
		fetcher: f,
		emitter: emitter,
		manager: NewManager(store, f, emitter, WithSyncConfig(cfg), WithClock(clk)),
	}
}

func (e *testEnv) unitEntry(t *testing.T, subject, id string) (*bundle.Unit, cache.Entry) {
	t.Helper()
	return cache.GetJSON[bundle.Unit](context.Background(), e.store, cache.Key(cache.KindUnit, subject, id))
}

func (e *testEnv) bundleEntry(t *testing.T, subject string) (*bundle.Bundle, cache.Entry) {
	t.Helper()
	return cache.GetJSON[bundle.Bundle](context.Background(), e.store, cache.Key(cache.KindBundle, subject))
}

func (e *testEnv) sync(t *testing.T, subject string, force bool) *Result {
	t.Helper()
	result, err := e.manager.Sync(context.Background(), subject, force)
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func unitIDs(units []bundle.Unit) []string {
	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	return ids
}

func failedIDs(failed []FailedUnit) []string {
	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		ids = append(ids, f.ID)
	}
	return ids
}
