package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/toolhive-bundle-server/internal/app"
	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/config"
	"github.com/stacklok/toolhive-bundle-server/internal/status"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	"github.com/stacklok/toolhive-bundle-server/test-integration/bundle/helpers"
)

var _ = Describe("Bundle API", Label("api"), func() {
	var (
		tempDir    string
		bundleApp  *app.BundleApp
		testServer *httptest.Server
		client     *http.Client
	)

	do := func(method, path string) *http.Response {
		req, err := http.NewRequestWithContext(ctx, method, testServer.URL+path, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, v)).To(Succeed(), string(body))
	}

	BeforeEach(func() {
		tempDir = createTempDir("bundle-api-")
		repoRoot := filepath.Join(tempDir, "repos")
		helpers.WriteUnit(repoRoot, "alice", "repo1", map[string]string{
			"README.md": "# repo1\n",
			"main.go":   "package main\n",
		})
		helpers.WriteUnit(repoRoot, "alice", "repo2", map[string]string{
			"Cargo.toml": "[package]\nname = \"repo2\"\n",
		})

		configPath := helpers.WriteConfigYAML(tempDir, helpers.ConfigOptions{
			CachePath:   filepath.Join(tempDir, "cache.db"),
			StatusPath:  filepath.Join(tempDir, "status"),
			FetcherYAML: helpers.FileFetcherYAML(repoRoot),
		})
		cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
		Expect(err).NotTo(HaveOccurred())

		bundleApp, err = app.NewBundleApp(ctx, app.WithConfig(cfg))
		Expect(err).NotTo(HaveOccurred())

		testServer = httptest.NewServer(bundleApp.GetHTTPServer().Handler)
		client = &http.Client{Timeout: 30 * time.Second}
	})

	AfterEach(func() {
		if testServer != nil {
			testServer.Close()
		}
		if bundleApp != nil {
			Expect(bundleApp.Stop(5 * time.Second)).To(Succeed())
		}
		cleanupTempDir(tempDir)
	})

	It("reports health", func() {
		resp := do(http.MethodGet, "/health")
		var health map[string]string
		decode(resp, &health)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(health).To(HaveKeyWithValue("status", "healthy"))
	})

	It("syncs a subject and serves the cached bundle", func() {
		resp := do(http.MethodGet, "/v1/subjects/alice/bundle")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

		resp = do(http.MethodPost, "/v1/subjects/alice/sync")
		var result pkgsync.Result
		decode(resp, &result)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(result.Status).To(Equal(pkgsync.StatusFull))
		Expect(result.Bundle.UnitIDs()).To(Equal([]string{"repo1", "repo2"}))

		resp = do(http.MethodGet, "/v1/subjects/alice/bundle")
		var cached bundle.Bundle
		decode(resp, &cached)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(cached.Fingerprint).To(Equal(result.Bundle.Fingerprint))

		resp = do(http.MethodGet, "/v1/subjects/alice/status")
		var st status.SubjectStatus
		decode(resp, &st)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(st.Phase).To(Equal(status.SyncPhaseComplete))
		Expect(st.UnitCount).To(Equal(2))
		Expect(st.LastBundleFingerprint).To(Equal(result.Bundle.Fingerprint.String()))

		By("short-circuiting the next sync unless forced")
		resp = do(http.MethodPost, "/v1/subjects/alice/sync")
		decode(resp, &result)
		Expect(result.Status).To(Equal(pkgsync.StatusCached))

		resp = do(http.MethodPost, "/v1/subjects/alice/sync?force=true")
		decode(resp, &result)
		Expect(result.Status).To(Equal(pkgsync.StatusFull))
	})

	It("clears the cache of a subject", func() {
		resp := do(http.MethodPost, "/v1/subjects/alice/sync")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp = do(http.MethodDelete, "/v1/subjects/alice/cache")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

		resp = do(http.MethodGet, "/v1/subjects/alice/bundle")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("answers 502 when no unit of a subject can be listed", func() {
		resp := do(http.MethodPost, "/v1/subjects/nobody/sync")
		var result pkgsync.Result
		decode(resp, &result)
		Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		Expect(result.Status).To(Equal(pkgsync.StatusFailed))
		Expect(result.Error).NotTo(BeEmpty())

		resp = do(http.MethodGet, "/v1/subjects/nobody/status")
		var st status.SubjectStatus
		decode(resp, &st)
		Expect(st.Phase).To(Equal(status.SyncPhaseFailed))
	})

	It("rejects an invalid subject", func() {
		resp := do(http.MethodGet, "/v1/subjects/not%20valid/bundle")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

		resp = do(http.MethodPost, "/v1/subjects/alice/sync?force=maybe")
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})
})
