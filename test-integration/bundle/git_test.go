package integration

import (
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/toolhive-bundle-server/internal/app"
	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/cache"
	"github.com/stacklok/toolhive-bundle-server/internal/config"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/test-integration/bundle/helpers"
)

var _ = Describe("Git fetcher sync", Label("git"), func() {
	var (
		tempDir    string
		repos      map[string]*helpers.GitRepo
		components *app.AppComponents
	)

	BeforeEach(func() {
		tempDir = ""
		// Cloning over file:// shells out to git-upload-pack
		if _, err := exec.LookPath("git"); err != nil {
			Skip("git binary not available")
		}

		tempDir = createTempDir("bundle-git-")
		repoRoot := filepath.Join(tempDir, "remotes")
		repos = map[string]*helpers.GitRepo{
			"api": helpers.InitGitRepo(filepath.Join(repoRoot, "alice", "api"), map[string]string{
				"README.md": "# api\n",
				"go.mod":    "module example.com/alice/api\n\ngo 1.25\n",
				"main.go":   "package main\n\nfunc main() {}\n",
			}),
			"web": helpers.InitGitRepo(filepath.Join(repoRoot, "alice", "web"), map[string]string{
				"package.json": `{"name":"web"}`,
				"index.js":     "console.log('hi')\n",
			}),
		}

		configPath := helpers.WriteConfigYAML(tempDir, helpers.ConfigOptions{
			CachePath:   filepath.Join(tempDir, "cache.db"),
			StatusPath:  filepath.Join(tempDir, "status"),
			FetcherYAML: helpers.GitFetcherYAML("file://" + repoRoot + "/{subject}/{unit}"),
			Subjects:    []helpers.SubjectOptions{{Name: "alice", Units: []string{"web", "api"}}},
		})
		cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
		Expect(err).NotTo(HaveOccurred())

		components, err = app.NewComponents(ctx, app.WithConfig(cfg))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if components != nil {
			Expect(components.Close(ctx)).To(Succeed())
			components = nil
		}
		if tempDir != "" {
			cleanupTempDir(tempDir)
		}
	})

	It("clones every configured unit and tracks remote commits", func() {
		first, err := components.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Status).To(Equal(pkgsync.StatusFull))
		Expect(first.Bundle.UnitIDs()).To(Equal([]string{"api", "web"}))

		api, ok := first.Bundle.Unit("api")
		Expect(ok).To(BeTrue())
		Expect(api.Metadata).To(HaveKey("commit"))
		Expect(api.Content.Docs).To(HaveLen(1))
		Expect(api.Content.FileTypes).To(HaveKeyWithValue("go", 1))

		By("refetching only the repository with a new commit")
		commit := repos["web"].Commit(map[string]string{"app.js": "export {}\n"}, "Add app")

		second, err := components.SyncCoordinator.SyncNow(ctx, "alice", true)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Run.StaleUnitIDs).To(Equal([]string{"web"}))

		web, entry := cache.GetJSON[bundle.Unit](ctx, components.Store, cache.Key(cache.KindUnit, "alice", "web"))
		Expect(entry.Status).To(Equal(cache.StatusValid))
		Expect(web.Metadata).To(HaveKeyWithValue("commit", commit))
		Expect(web.Content.FileTypes).To(HaveKeyWithValue("js", 2))
	})

	It("reports a partial sync when a configured repository is missing", func() {
		cfgPath := helpers.WriteConfigYAML(tempDir, helpers.ConfigOptions{
			CachePath:   filepath.Join(tempDir, "cache-partial.db"),
			StatusPath:  filepath.Join(tempDir, "status-partial"),
			FetcherYAML: helpers.GitFetcherYAML("file://" + filepath.Join(tempDir, "remotes") + "/{subject}/{unit}"),
			Subjects:    []helpers.SubjectOptions{{Name: "alice", Units: []string{"api", "gone"}}},
		})
		cfg, err := config.LoadConfig(config.WithConfigPath(cfgPath))
		Expect(err).NotTo(HaveOccurred())

		partial, err := app.NewComponents(ctx, app.WithConfig(cfg))
		Expect(err).NotTo(HaveOccurred())
		defer func() { Expect(partial.Close(ctx)).To(Succeed()) }()

		result, err := partial.SyncCoordinator.SyncNow(ctx, "alice", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(pkgsync.StatusPartial))
		Expect(result.Bundle.UnitIDs()).To(Equal([]string{"api"}))
		Expect(result.FailedUnits).To(HaveLen(1))
		Expect(result.FailedUnits[0].ID).To(Equal("gone"))
	})
})
