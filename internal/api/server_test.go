package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-bundle-server/internal/api"
	"github.com/stacklok/toolhive-bundle-server/internal/bundle"
	"github.com/stacklok/toolhive-bundle-server/internal/fetcher"
	"github.com/stacklok/toolhive-bundle-server/internal/status"
	pkgsync "github.com/stacklok/toolhive-bundle-server/internal/sync"
	coordmocks "github.com/stacklok/toolhive-bundle-server/internal/sync/coordinator/mocks"
	syncmocks "github.com/stacklok/toolhive-bundle-server/internal/sync/mocks"
)

type testServer struct {
	manager     *syncmocks.MockManager
	coordinator *coordmocks.MockCoordinator
	handler     http.Handler
}

func newTestServer(t *testing.T, opts ...api.ServerOption) *testServer {
	t.Helper()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	manager := syncmocks.NewMockManager(ctrl)
	coord := coordmocks.NewMockCoordinator(ctrl)
	return &testServer{
		manager:     manager,
		coordinator: coord,
		handler:     api.NewServer(manager, coord, opts...),
	}
}

func (s *testServer) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "healthy", decode[api.HealthResponse](t, rr).Status)
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/version")

	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decode[api.VersionResponse](t, rr)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.Platform)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("not mounted by default", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/metrics").Code)
	})

	t.Run("served when configured", func(t *testing.T) {
		t.Parallel()
		metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("thv_bundle_units_total 2\n"))
		})
		s := newTestServer(t, api.WithMetricsHandler(metrics))

		rr := s.do(t, http.MethodGet, "/metrics")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "thv_bundle_units_total")
	})
}

func TestMiddlewaresApplied(t *testing.T) {
	t.Parallel()

	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Test", "applied")
			next.ServeHTTP(w, r)
		})
	}
	s := newTestServer(t, api.WithMiddlewares(mw, api.LoggingMiddleware))

	rr := s.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "applied", rr.Header().Get("X-Test"))
}

func TestGetBundle(t *testing.T) {
	t.Parallel()

	cached := &bundle.Bundle{
		Subject:     "alice",
		Units:       []bundle.Unit{{ID: "repo1"}, {ID: "repo2"}},
		Fingerprint: "sha256:aa",
		MergedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name       string
		path       string
		setupMock  func(*syncmocks.MockManager)
		wantStatus int
	}{
		{
			name: "cached bundle",
			path: "/v1/subjects/alice/bundle",
			setupMock: func(m *syncmocks.MockManager) {
				m.EXPECT().GetCachedBundle(gomock.Any(), "alice").Return(cached, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "no bundle",
			path: "/v1/subjects/alice/bundle",
			setupMock: func(m *syncmocks.MockManager) {
				m.EXPECT().GetCachedBundle(gomock.Any(), "alice").Return(nil, pkgsync.ErrBundleNotFound)
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "store failure",
			path: "/v1/subjects/alice/bundle",
			setupMock: func(m *syncmocks.MockManager) {
				m.EXPECT().GetCachedBundle(gomock.Any(), "alice").Return(nil, errors.New("disk on fire"))
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "invalid subject",
			path:       "/v1/subjects/-alice/bundle",
			setupMock:  func(*syncmocks.MockManager) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t)
			tt.setupMock(s.manager)

			rr := s.do(t, http.MethodGet, tt.path)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusOK {
				got := decode[bundle.Bundle](t, rr)
				assert.Equal(t, []string{"repo1", "repo2"}, got.UnitIDs())
				assert.Equal(t, cached.Fingerprint, got.Fingerprint)
			} else {
				assert.NotEmpty(t, decode[map[string]string](t, rr)["error"])
			}
		})
	}
}

func TestSyncSubject(t *testing.T) {
	t.Parallel()

	partial := &pkgsync.Result{
		Status: pkgsync.StatusPartial,
		Bundle: &bundle.Bundle{Subject: "alice", Units: []bundle.Unit{{ID: "repo1"}}},
		FailedUnits: []pkgsync.FailedUnit{
			{ID: "repo2", Kind: fetcher.KindNotFound, Message: "gone"},
		},
		Run: &pkgsync.Run{ID: "run-1", Subject: "alice"},
	}
	failed := &pkgsync.Result{
		Status: pkgsync.StatusFailed,
		Run:    &pkgsync.Run{ID: "run-2", Subject: "alice"},
		Error:  "failed to list units",
	}

	tests := []struct {
		name       string
		path       string
		setupMock  func(*coordmocks.MockCoordinator)
		wantStatus int
		wantResult pkgsync.Status
	}{
		{
			name: "partial run",
			path: "/v1/subjects/alice/sync",
			setupMock: func(m *coordmocks.MockCoordinator) {
				m.EXPECT().SyncNow(gomock.Any(), "alice", false).Return(partial, nil)
			},
			wantStatus: http.StatusOK,
			wantResult: pkgsync.StatusPartial,
		},
		{
			name: "forced run",
			path: "/v1/subjects/alice/sync?force=true",
			setupMock: func(m *coordmocks.MockCoordinator) {
				m.EXPECT().SyncNow(gomock.Any(), "alice", true).Return(partial, nil)
			},
			wantStatus: http.StatusOK,
			wantResult: pkgsync.StatusPartial,
		},
		{
			name: "failed run carries the result",
			path: "/v1/subjects/alice/sync",
			setupMock: func(m *coordmocks.MockCoordinator) {
				m.EXPECT().SyncNow(gomock.Any(), "alice", false).Return(failed, errors.New("failed to list units"))
			},
			wantStatus: http.StatusBadGateway,
			wantResult: pkgsync.StatusFailed,
		},
		{
			name: "error without result",
			path: "/v1/subjects/alice/sync",
			setupMock: func(m *coordmocks.MockCoordinator) {
				m.EXPECT().SyncNow(gomock.Any(), "alice", false).Return(nil, errors.New("boom"))
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "bad force value",
			path:       "/v1/subjects/alice/sync?force=sometimes",
			setupMock:  func(*coordmocks.MockCoordinator) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid subject",
			path:       "/v1/subjects/alice_smith/sync",
			setupMock:  func(*coordmocks.MockCoordinator) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t)
			tt.setupMock(s.coordinator)

			rr := s.do(t, http.MethodPost, tt.path)

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantResult != "" {
				got := decode[pkgsync.Result](t, rr)
				assert.Equal(t, tt.wantResult, got.Status)
			}
		})
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	synced := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		setupMock  func(*coordmocks.MockCoordinator)
		wantStatus int
	}{
		{
			name: "recorded status",
			setupMock: func(m *coordmocks.MockCoordinator) {
				m.EXPECT().Status(gomock.Any(), "alice").Return(&status.SubjectStatus{
					Phase:        status.SyncPhaseComplete,
					LastSyncTime: &synced,
					UnitCount:    2,
				}, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "never synced",
			setupMock: func(m *coordmocks.MockCoordinator) {
				m.EXPECT().Status(gomock.Any(), "alice").Return(&status.SubjectStatus{}, nil)
			},
			wantStatus: http.StatusNotFound,
		},
		{
			name: "persistence failure",
			setupMock: func(m *coordmocks.MockCoordinator) {
				m.EXPECT().Status(gomock.Any(), "alice").Return(nil, errors.New("unreadable"))
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t)
			tt.setupMock(s.coordinator)

			rr := s.do(t, http.MethodGet, "/v1/subjects/alice/status")

			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusOK {
				got := decode[status.SubjectStatus](t, rr)
				assert.Equal(t, status.SyncPhaseComplete, got.Phase)
				assert.Equal(t, 2, got.UnitCount)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	t.Parallel()

	t.Run("cleared", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		s.manager.EXPECT().Clear(gomock.Any(), "alice").Return(nil)

		rr := s.do(t, http.MethodDelete, "/v1/subjects/alice/cache")
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Empty(t, rr.Body.String())
	})

	t.Run("store failure", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		s.manager.EXPECT().Clear(gomock.Any(), "alice").Return(errors.New("unavailable"))

		rr := s.do(t, http.MethodDelete, "/v1/subjects/alice/cache")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)

		rr := s.do(t, http.MethodPut, "/v1/subjects/alice/cache")
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}
