package integration

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/toolhive-bundle-server/internal/app"
	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/cache"
	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
	"github.com/stacklok/toolhive-bundle-server/internal/signal"
	"github.com/stacklok/toolhive-bundle-server/internal/status"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/test-integration/bundle/helpers"
)

var _ = Describe("File fetcher sync", Label("file", "sqlite"), func() {
	var (
		tempDir    string
		repoRoot   string
		signalPath string
		components *app.AppComponents
	)

	unitOf := func(subject, id string) (*bundle.Unit, cache.Entry) {
		return cache.GetJSON[bundle.Unit](ctx, components.Store, cache.Key(cache.KindUnit, subject, id))
	}

	pendingSignals := func() []signal.Signal {
		q, err := signal.NewQueue(signalPath, 0)
		Expect(err).NotTo(HaveOccurred())
		items, err := q.Snapshot(ctx)
		Expect(err).NotTo(HaveOccurred())
		return items
	}

	BeforeEach(func() {
		tempDir = createTempDir("bundle-file-")
		repoRoot = filepath.Join(tempDir, "repos")
		signalPath = filepath.Join(tempDir, "signals", "queue.json")

		helpers.WriteUnit(repoRoot, "alice", "repo1", map[string]string{
			"README.md":   "# repo1\n\nA service written in Go.\n",
			"go.mod":      "module example.com/alice/repo1\n\ngo 1.25\n",
			"cmd/main.go": "package main\n\nfunc main() {}\n",
		})
		helpers.WriteUnit(repoRoot, "alice", "repo2", map[string]string{
			"README.md":    "# repo2\n",
			"package.json": `{"name":"repo2","dependencies":{"react":"^19.0.0"}}`,
			"src/index.ts": "export const x = 1;\n",
		})

		configPath := helpers.WriteConfigYAML(tempDir, helpers.ConfigOptions{
			CachePath:   filepath.Join(tempDir, "cache.db"),
			StatusPath:  filepath.Join(tempDir, "status"),
			SignalPath:  signalPath,
			FetcherYAML: helpers.FileFetcherYAML(repoRoot),
			Subjects:    []helpers.SubjectOptions{{Name: "alice", Interval: "1h"}},
		})

		cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
		Expect(err).NotTo(HaveOccurred())

		components, err = app.NewComponents(ctx, app.WithConfig(cfg))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if components != nil {
			Expect(components.Close(ctx)).To(Succeed())
		}
		cleanupTempDir(tempDir)
	})

	It("builds the bundle on the first sync and short-circuits afterwards", func() {
		result, err := components.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(pkgsync.StatusFull))
		Expect(result.FailedUnits).To(BeEmpty())
		Expect(result.Bundle.UnitIDs()).To(Equal([]string{"repo1", "repo2"}))

		repo1 := result.Bundle.Units[0]
		Expect(repo1.Content.TechStack).NotTo(BeEmpty())
		Expect(repo1.Content.Docs).NotTo(BeEmpty())

		By("recording a refresh signal and the model marker")
		Expect(pendingSignals()).To(HaveLen(1))
		marker := components.Store.Get(ctx, cache.Key(cache.KindModel, "alice"))
		Expect(marker.Status).To(Equal(cache.StatusValid))
		Expect(marker.Fingerprint).To(Equal(result.Bundle.Fingerprint))

		By("returning the cached bundle on the next sync")
		again, err := components.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Status).To(Equal(pkgsync.StatusCached))
		Expect(again.Bundle.Fingerprint).To(Equal(result.Bundle.Fingerprint))
		Expect(pendingSignals()).To(HaveLen(1))

		st, err := components.SyncCoordinator.Status(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Phase).To(Equal(status.SyncPhaseComplete))
		Expect(st.UnitCount).To(Equal(2))
	})

	It("refetches only the unit whose metadata changed", func() {
		first, err := components.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())
		repo1Before, _ := unitOf("alice", "repo1")
		Expect(repo1Before).NotTo(BeNil())

		helpers.WriteFile(filepath.Join(repoRoot, "alice", "repo2", "src", "extra.ts"), "export const y = 2;\n")

		second, err := components.SyncCoordinator.SyncNow(ctx, "alice", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Status).To(Equal(pkgsync.StatusFull))
		Expect(second.Run.StaleUnitIDs).To(Equal([]string{"repo2"}))
		Expect(second.Bundle.Fingerprint).NotTo(Equal(first.Bundle.Fingerprint))

		repo1After, _ := unitOf("alice", "repo1")
		Expect(repo1After.LastSyncedAt).To(BeTemporally("==", repo1Before.LastSyncedAt))

		repo2, entry := unitOf("alice", "repo2")
		Expect(entry.Status).To(Equal(cache.StatusValid))
		Expect(repo2.Content.FileTypes).To(HaveKeyWithValue("ts", 2))

		Expect(pendingSignals()).To(HaveLen(2))
	})

	It("keeps the last known value of a unit that disappeared upstream", func() {
		_, err := components.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())

		Expect(os.RemoveAll(filepath.Join(repoRoot, "alice", "repo2"))).To(Succeed())

		result, err := components.SyncCoordinator.SyncNow(ctx, "alice", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(pkgsync.StatusFull))
		Expect(result.Bundle.UnitIDs()).To(Equal([]string{"repo1"}))
	})

	It("reports a failed sync for an unknown subject", func() {
		result, err := components.SyncCoordinator.SyncNow(ctx, "bob", false)
		Expect(err).To(HaveOccurred())
		Expect(fetcher.KindOf(err)).To(Equal(fetcher.KindNotFound))
		Expect(result.Status).To(Equal(pkgsync.StatusFailed))

		st, err := components.SyncCoordinator.Status(ctx, "bob")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Phase).To(Equal(status.SyncPhaseFailed))
		Expect(st.AttemptCount).To(Equal(1))
	})

	It("clears every cached key of a subject", func() {
		_, err := components.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())

		Expect(components.SyncManager.Clear(ctx, "alice")).To(Succeed())

		_, err = components.SyncManager.GetCachedBundle(ctx, "alice")
		Expect(err).To(MatchError(pkgsync.ErrBundleNotFound))
		_, entry := unitOf("alice", "repo1")
		Expect(entry.Status).To(Equal(cache.StatusMissing))

		result, err := components.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Run.StaleUnitIDs).To(ConsistOf("repo1", "repo2"))
	})

	It("persists the status across restarts", func() {
		_, err := components.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())

		persistence := status.NewFileStatusPersistence(filepath.Join(tempDir, "status"))
		st, err := persistence.LoadStatus(ctx, "alice")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Phase).To(Equal(status.SyncPhaseComplete))
		Expect(st.LastSyncTime).NotTo(BeNil())
	})
})
