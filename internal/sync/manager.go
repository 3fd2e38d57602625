package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/cache"
	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
	"github.com/stacklok/toolhive-bundle-server/internal/fingerprint"
	"github.com/stacklok/toolhive-bundle-server/internal/merge"
	"github.com/stacklok/toolhive-bundle-server/internal/otel"
	"github.com/stacklok/toolhive-bundle-server/internal/signal"
	"github.com/stacklok/toolhive-bundle-server/internal/telemetry"
	"github.com/stacklok/toolhive-bundle-server/internal/validators"
)

// signalTimeout bounds the delivery of one refresh signal
const signalTimeout = 10 * time.Second

// Manager keeps the cached bundles of subjects up to date
//
//go:generate mockgen -destination=mocks/mock_manager.go -package=mocks github.com/stacklok/toolhive-bundle-server/internal/sync Manager
type Manager interface {
	// Sync brings the bundle of subject up to date. A valid cached bundle is
	// returned without fetching unless force is set. The returned error is
	// non-nil only when the run could not start or could not plan any unit;
	// unit failures are reported in Result.FailedUnits.
	Sync(ctx context.Context, subject string, force bool) (*Result, error)

	// GetCachedBundle returns the cached bundle of subject, expired or not,
	// without contacting upstream. It returns ErrBundleNotFound when no
	// bundle is cached.
	GetCachedBundle(ctx context.Context, subject string) (*bundle.Bundle, error)

	// Clear removes the cached bundle of subject along with its units and
	// refresh marker
	Clear(ctx context.Context, subject string) error
}

// Option configures the default Manager
type Option func(*defaultManager)

// WithSyncConfig applies the run limits, TTLs and retry policy of cfg
func WithSyncConfig(cfg *config.SyncConfig) Option {
	return func(m *defaultManager) {
		if cfg != nil {
			m.applySyncConfig(cfg)
		}
	}
}

// WithClock sets the clock used for unit and bundle timestamps
func WithClock(c clock.PassiveClock) Option {
	return func(m *defaultManager) {
		m.clock = c
	}
}

// WithMetrics records sync metrics
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(m *defaultManager) {
		m.metrics = metrics
	}
}

// WithTracer records sync and fetch spans
func WithTracer(tracer trace.Tracer) Option {
	return func(m *defaultManager) {
		m.tracer = tracer
	}
}

// defaultManager is the default implementation of Manager
type defaultManager struct {
	store   cache.Store
	fetcher fetcher.Fetcher
	emitter signal.Emitter
	clock   clock.PassiveClock
	metrics *telemetry.SyncMetrics
	tracer  trace.Tracer

	maxConcurrency int
	runTimeout     time.Duration
	fetchTimeout   time.Duration
	unitTTL        time.Duration
	bundleTTL      time.Duration
	retry          retryPolicy

	// flights coalesces content fetches keyed by subject/unit
	flights singleflight.Group
}

// NewManager creates a Manager backed by store and f. A nil emitter logs
// refresh signals.
func NewManager(store cache.Store, f fetcher.Fetcher, emitter signal.Emitter, opts ...Option) Manager {
	m := &defaultManager{
		store:   store,
		fetcher: f,
		emitter: emitter,
		clock:   clock.RealClock{},
	}
	m.applySyncConfig(&config.SyncConfig{})
	for _, opt := range opts {
		opt(m)
	}
	if m.emitter == nil {
		m.emitter = signal.NewLogEmitter()
	}
	return m
}

func (m *defaultManager) applySyncConfig(cfg *config.SyncConfig) {
	m.maxConcurrency = cfg.GetMaxConcurrency()
	m.runTimeout = cfg.GetRunTimeout()
	m.fetchTimeout = cfg.GetFetchTimeout()
	m.unitTTL = cfg.GetUnitTTL()
	m.bundleTTL = cfg.GetBundleTTL()
	m.retry = retryPolicy{
		maxAttempts:     uint(cfg.GetRetryMaxAttempts()),
		initialInterval: cfg.GetRetryInitialInterval(),
		maxInterval:     cfg.GetRetryMaxInterval(),
	}
}

// Sync brings the bundle of subject up to date
func (m *defaultManager) Sync(ctx context.Context, subject string, force bool) (*Result, error) {
	subject, err := validators.ValidateSubject(subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}

	started := time.Now()
	run := &Run{
		ID:          uuid.NewString(),
		Subject:     subject,
		Force:       force,
		RequestedAt: m.clock.Now().UTC(),
	}
	logger := slog.With("subject", subject, "run_id", run.ID)
	rs := &runState{run: run, logger: logger, machine: newRunMachine(run, logger)}

	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.Sync", trace.WithAttributes(
		otel.AttrSubject.String(subject),
		otel.AttrRunID.String(run.ID),
		otel.AttrForce.Bool(force),
	))
	defer span.End()

	// runCtx stops new fetches on caller cancellation; waitCtx only ends at
	// the run deadline so fetches already in flight can still be collected
	deadline := started.Add(m.runTimeout)
	runCtx, cancelRun := context.WithDeadline(ctx, deadline)
	defer cancelRun()
	waitCtx, cancelWait := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancelWait()

	logger.Info("Starting sync", "force", force)
	result, err := m.run(runCtx, waitCtx, rs)

	run.Degraded = rs.degraded.Load()
	run.CompletedAt = m.clock.Now().UTC()

	span.SetAttributes(
		otel.AttrSyncStatus.String(string(result.Status)),
		otel.AttrStaleCount.Int(len(run.StaleUnitIDs)),
		otel.AttrFailedCount.Int(len(run.FailedUnitIDs)),
	)
	otel.RecordError(span, err)
	m.metrics.RecordSyncDuration(ctx, subject, time.Since(started), string(result.Status))

	logger.Info("Sync finished",
		"status", result.Status,
		"state", run.State,
		"stale_units", len(run.StaleUnitIDs),
		"failed_units", len(run.FailedUnitIDs),
		"degraded", run.Degraded,
		"duration", time.Since(started).String())
	return result, err
}

// run drives rs through its state machine. The returned result is never nil.
func (m *defaultManager) run(runCtx, waitCtx context.Context, rs *runState) (*Result, error) {
	subject := rs.run.Subject
	storeCtx := context.WithoutCancel(runCtx)

	previous, entry := cache.GetJSON[bundle.Bundle](storeCtx, m.store, cache.Key(cache.KindBundle, subject))
	switch {
	case entry.Status == cache.StatusError && !errors.Is(entry.Err, cache.ErrCorrupt):
		rs.setDegraded(entry.Err)
	case entry.Status == cache.StatusError:
		rs.logger.Warn("Ignoring corrupt cached bundle", "error", entry.Err)
	case entry.Status == cache.StatusValid && !rs.run.Force:
		rs.transition(eventShortCircuit)
		return &Result{Status: StatusCached, Bundle: previous, FailedUnits: []FailedUnit{}, Run: rs.run}, nil
	}
	rs.previous = previous

	ids, err := withRetry(runCtx, m.retry, func() ([]string, error) {
		return m.fetcher.ListUnits(runCtx, subject)
	})
	if err != nil {
		if previous == nil {
			rs.transition(eventFail)
			return &Result{Status: StatusFailed, FailedUnits: []FailedUnit{}, Run: rs.run, Error: err.Error()},
				fmt.Errorf("failed to list units of %s: %w", subject, err)
		}
		rs.logger.Warn("Failed to list units, planning from the cached bundle", "error", err)
		ids = previous.UnitIDs()
	}
	ids = normalizeUnitIDs(ids, rs.logger)

	plans := m.plan(runCtx, storeCtx, rs, ids)

	var stale []*unitPlan
	for _, p := range plans {
		if p.stale {
			stale = append(stale, p)
			rs.run.StaleUnitIDs = append(rs.run.StaleUnitIDs, p.id)
		}
	}
	rs.logger.Debug("Planned sync", "units", len(plans), "stale_units", len(stale))

	rs.transition(eventFanOut)
	m.fanOut(runCtx, waitCtx, rs, stale)

	rs.transition(eventMerge)
	return m.mergeAndStore(storeCtx, rs, plans), nil
}

// plan reads the cached value and the metadata fingerprint of every unit
func (m *defaultManager) plan(runCtx, storeCtx context.Context, rs *runState, ids []string) []*unitPlan {
	plans := make([]*unitPlan, len(ids))

	var g errgroup.Group
	g.SetLimit(m.maxConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			plans[i] = m.planUnit(runCtx, storeCtx, rs, id)
			return nil
		})
	}
	_ = g.Wait()

	// Units planned before the store failed must not trust their cache either
	if rs.degraded.Load() {
		for _, p := range plans {
			if p.failure == nil {
				p.stale = true
			}
		}
	}
	return plans
}

func (m *defaultManager) planUnit(runCtx, storeCtx context.Context, rs *runState, id string) *unitPlan {
	subject := rs.run.Subject
	plan := &unitPlan{id: id}

	cached, entry := cache.GetJSON[bundle.Unit](storeCtx, m.store, cache.Key(cache.KindUnit, subject, id))
	switch {
	case entry.Status == cache.StatusError && !errors.Is(entry.Err, cache.ErrCorrupt):
		rs.setDegraded(entry.Err)
	case entry.Status == cache.StatusError:
		rs.logger.Warn("Ignoring corrupt cached unit", "unit", id, "error", entry.Err)
	}
	plan.cached = cached

	meta, err := withRetry(runCtx, m.retry, func() (bundle.Metadata, error) {
		return m.fetcher.FetchMetadata(runCtx, subject, id)
	})
	if err != nil {
		plan.fail(err)
		m.metrics.RecordUnitFetch(storeCtx, subject, string(plan.failure.Kind))
		rs.logger.Warn("Failed to fetch unit metadata", "unit", id, "kind", plan.failure.Kind, "error", err)
		return plan
	}

	fp, err := fingerprint.Metadata(meta)
	if err != nil {
		plan.fail(fetcher.NewError(fetcher.KindPermanent, subject, id, err))
		rs.logger.Warn("Failed to fingerprint unit metadata", "unit", id, "error", err)
		return plan
	}

	plan.metadata = meta
	plan.fingerprint = fp
	plan.stale = rs.degraded.Load() ||
		cached == nil ||
		entry.Status != cache.StatusValid ||
		entry.Fingerprint != fp
	return plan
}

// fanOut fetches the content of stale units and settles every one of them,
// either with a fresh value or a failure
func (m *defaultManager) fanOut(runCtx, waitCtx context.Context, rs *runState, stale []*unitPlan) {
	if len(stale) == 0 {
		return
	}

	sem := semaphoreFor(m.maxConcurrency)
	results := make(chan settledUnit, len(stale))

	dispatched := 0
	for _, plan := range stale {
		// Acquire may succeed on a done context, so check first
		if runCtx.Err() != nil || sem.Acquire(runCtx, 1) != nil {
			break
		}
		dispatched++
		go func() {
			defer sem.Release(1)
			unit, err := m.fetchUnit(runCtx, rs, plan)
			results <- settledUnit{plan: plan, unit: unit, err: err}
		}()
	}

	for _, plan := range stale[dispatched:] {
		err := runCtx.Err()
		plan.fail(fetcher.NewError(fetcher.KindOf(err), rs.run.Subject, plan.id, fmt.Errorf("fetch not started: %w", err)))
		m.metrics.RecordUnitFetch(waitCtx, rs.run.Subject, string(plan.failure.Kind))
	}

	m.collect(waitCtx, rs, results, stale[:dispatched])
}

// collect settles dispatched plans as their results arrive. Once waitCtx is
// done, results already delivered are still settled and the rest time out.
func (m *defaultManager) collect(waitCtx context.Context, rs *runState, results <-chan settledUnit, dispatched []*unitPlan) {
	for pending := len(dispatched); pending > 0; pending-- {
		select {
		case s := <-results:
			m.settle(waitCtx, rs, s)
		case <-waitCtx.Done():
			ctx := context.WithoutCancel(waitCtx)
		drain:
			for pending > 0 {
				select {
				case s := <-results:
					m.settle(ctx, rs, s)
					pending--
				default:
					break drain
				}
			}
			for _, plan := range dispatched {
				if plan.fresh == nil && plan.failure == nil {
					plan.fail(fetcher.NewError(fetcher.KindTimeout, rs.run.Subject, plan.id, waitCtx.Err()))
					m.metrics.RecordUnitFetch(ctx, rs.run.Subject, string(fetcher.KindTimeout))
				}
			}
			if pending > 0 {
				rs.logger.Warn("Sync run deadline elapsed with fetches pending", "pending_units", pending)
			}
			return
		}
	}
}

func (m *defaultManager) settle(ctx context.Context, rs *runState, s settledUnit) {
	if s.err != nil {
		s.plan.fail(s.err)
		m.metrics.RecordUnitFetch(ctx, rs.run.Subject, string(s.plan.failure.Kind))
		rs.logger.Warn("Failed to fetch unit", "unit", s.plan.id, "kind", s.plan.failure.Kind, "error", s.err)
		return
	}
	s.plan.fresh = s.unit
	m.metrics.RecordUnitFetch(ctx, rs.run.Subject, "success")
}

// fetchUnit joins or starts the fetch of plan's unit. The fetch runs on a
// context detached from runCtx, so it completes and populates the cache even
// when the run stops waiting for it.
func (m *defaultManager) fetchUnit(runCtx context.Context, rs *runState, plan *unitPlan) (*bundle.Unit, error) {
	ch := m.flights.DoChan(rs.run.Subject+"/"+plan.id, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), m.fetchTimeout)
		defer cancel()
		return m.fetchAndStore(ctx, rs, plan)
	})

	res := <-ch
	if res.Shared {
		rs.logger.Debug("Coalesced unit fetch", "unit", plan.id)
	}
	if res.Err != nil {
		return nil, res.Err
	}

	fr := res.Val.(flightResult)
	if fr.cacheErr != nil {
		rs.setDegraded(fr.cacheErr)
	}
	return &fr.unit, nil
}

func (m *defaultManager) fetchAndStore(ctx context.Context, rs *runState, plan *unitPlan) (flightResult, error) {
	subject := rs.run.Subject
	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.fetchUnit", trace.WithAttributes(
		otel.AttrSubject.String(subject),
		otel.AttrUnitID.String(plan.id),
	))
	defer span.End()

	content, err := withRetry(ctx, m.retry, func() (bundle.Content, error) {
		return m.fetcher.FetchContent(ctx, subject, plan.id)
	})
	if err != nil {
		otel.RecordError(span, err)
		return flightResult{}, err
	}

	contentFP, err := fingerprint.Content(content)
	if err != nil {
		otel.RecordError(span, err)
		return flightResult{}, fetcher.NewError(fetcher.KindPermanent, subject, plan.id, err)
	}

	unit := bundle.Unit{
		ID:                  plan.id,
		MetadataFingerprint: plan.fingerprint,
		ContentFingerprint:  contentFP,
		Metadata:            plan.metadata,
		Content:             content,
		LastSyncedAt:        m.clock.Now().UTC(),
	}

	var cacheErr error
	if !rs.degraded.Load() {
		key := cache.Key(cache.KindUnit, subject, plan.id)
		if err := cache.SaveJSON(ctx, m.store, key, unit, m.unitTTL, unit.MetadataFingerprint); err != nil {
			cacheErr = err
		}
	}
	return flightResult{unit: unit, cacheErr: cacheErr}, nil
}

// mergeAndStore merges fresh units with cached fallbacks, writes the bundle
// and emits a refresh signal when the bundle changed
func (m *defaultManager) mergeAndStore(ctx context.Context, rs *runState, plans []*unitPlan) *Result {
	subject := rs.run.Subject

	var fresh, fallback []bundle.Unit
	failed := []FailedUnit{}
	for _, p := range plans {
		switch {
		case p.fresh != nil:
			fresh = append(fresh, *p.fresh)
			rs.run.CompletedUnitIDs = append(rs.run.CompletedUnitIDs, p.id)
		case p.failure != nil:
			failed = append(failed, *p.failure)
			rs.run.FailedUnitIDs = append(rs.run.FailedUnitIDs, p.id)
			if p.cached != nil {
				fallback = append(fallback, *p.cached)
			}
		case p.cached != nil:
			fallback = append(fallback, *p.cached)
		}
	}

	if len(plans) > 0 && len(fresh)+len(fallback) == 0 {
		rs.logger.Error("No unit could be resolved", "failed_units", len(failed))
		rs.transition(eventFail)
		return &Result{Status: StatusFailed, Bundle: rs.previous, FailedUnits: failed, Run: rs.run}
	}

	b := merge.Merge(subject, fresh, fallback, m.clock.Now())
	m.metrics.RecordUnitsTotal(ctx, subject, int64(len(b.Units)))

	if !rs.degraded.Load() {
		err := cache.SaveJSON(ctx, m.store, cache.Key(cache.KindBundle, subject), b, m.bundleTTL, b.Fingerprint)
		if err != nil {
			rs.setDegraded(err)
		}
	}

	if rs.degraded.Load() {
		rs.logger.Warn("Skipping refresh signal while the cache store is unavailable")
	} else if merge.Changed(rs.previous, b) {
		m.emit(ctx, rs, b)
	}

	status := StatusFull
	if len(failed) > 0 {
		status = StatusPartial
	}
	rs.transition(eventComplete)
	return &Result{Status: status, Bundle: b, FailedUnits: failed, Run: rs.run}
}

// emit delivers a refresh signal for b and records it as the subject's
// latest refresh request. Delivery failures are logged, never returned.
func (m *defaultManager) emit(ctx context.Context, rs *runState, b *bundle.Bundle) {
	sig := signal.Signal{
		Subject:     b.Subject,
		Fingerprint: b.Fingerprint,
		RequestedAt: m.clock.Now().UTC(),
	}

	emitCtx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()

	err := m.emitter.Emit(emitCtx, sig)
	m.metrics.RecordSignal(ctx, b.Subject, err == nil)
	if err != nil {
		rs.logger.Warn("Failed to emit refresh signal", "fingerprint", b.Fingerprint.String(), "error", err)
	}

	if err := cache.SaveJSON(ctx, m.store, cache.Key(cache.KindModel, b.Subject), sig, 0, b.Fingerprint); err != nil {
		rs.logger.Warn("Failed to record refresh request", "error", err)
	}
}

// GetCachedBundle returns the cached bundle of subject
func (m *defaultManager) GetCachedBundle(ctx context.Context, subject string) (*bundle.Bundle, error) {
	subject, err := validators.ValidateSubject(subject)
	if err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}

	b, entry := cache.GetJSON[bundle.Bundle](ctx, m.store, cache.Key(cache.KindBundle, subject))
	switch entry.Status {
	case cache.StatusValid, cache.StatusExpired:
		return b, nil
	case cache.StatusMissing:
		return nil, ErrBundleNotFound
	default:
		return nil, fmt.Errorf("failed to read cached bundle of %s: %w", subject, entry.Err)
	}
}

// Clear removes the cached bundle of subject along with every cached unit
// and the refresh marker
func (m *defaultManager) Clear(ctx context.Context, subject string) error {
	subject, err := validators.ValidateSubject(subject)
	if err != nil {
		return fmt.Errorf("invalid subject: %w", err)
	}

	// Units go by prefix: the cached bundle may be missing, corrupt or behind
	// units a timed-out run still saved
	err = errors.Join(
		m.store.InvalidateUnits(ctx, subject),
		m.store.Invalidate(ctx, cache.Key(cache.KindBundle, subject)),
		m.store.Invalidate(ctx, cache.Key(cache.KindModel, subject)),
	)
	if err != nil {
		return fmt.Errorf("failed to clear cache of %s: %w", subject, err)
	}
	slog.Info("Cleared cached bundle", "subject", subject)
	return nil
}

// normalizeUnitIDs drops invalid and duplicate ids and sorts the rest
func normalizeUnitIDs(ids []string, logger *slog.Logger) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := validators.ValidateUnitID(id); err != nil {
			logger.Warn("Skipping invalid unit id", "unit", id, "error", err)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
