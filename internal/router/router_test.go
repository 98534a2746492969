package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/handler"
	"github.com/stemsi/proctord/internal/model"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/service"
	"github.com/stemsi/proctord/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noLock struct{}

func (noLock) Acquire(context.Context, string, string, time.Duration) (bool, error) { return true, nil }
func (noLock) Refresh(context.Context, string, string, time.Duration) error         { return nil }
func (noLock) Release(context.Context, string, string) error                        { return nil }

type emptyStore struct{}

func (emptyStore) ListViolations(context.Context, string, model.ListViolationsQuery) ([]model.ViolationRecord, int, error) {
	return nil, 0, nil
}

func (emptyStore) CountByUser(context.Context, string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (emptyStore) ViolationCounts(context.Context, string, string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *service.AuthService) {
	t.Helper()
	cfg := &config.Config{GinMode: gin.TestMode, JWTSecret: "test-secret", JWTExpiry: time.Hour}
	auth := service.NewAuthService(cfg)
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	proctors := service.NewProctorService(cfg, noLock{}, func(string) proctor.AttemptService { return nil }, nil, metrics, zerolog.Nop())
	t.Cleanup(proctors.Close)

	handlers := &Handlers{
		WS:      handler.NewWSHandler(proctors, cfg, zerolog.Nop()),
		Proctor: handler.NewProctorHandler(proctors, emptyStore{}, emptyStore{}, zerolog.Nop()),
		Monitor: handler.NewMonitorHandler(nil, proctors, zerolog.Nop()),
	}
	return SetupRouter(Deps{Auth: auth, Registry: reg, Log: zerolog.Nop()}, handlers, cfg), auth
}

func TestSetupRouter_PublicRoutes(t *testing.T) {
	r, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "proctord_active_sessions")
}

func TestSetupRouter_AdminRequiresPermission(t *testing.T) {
	r, auth := newTestRouter(t)

	noPerm, err := auth.IssueToken("a1", service.TokenTypeAdmin, nil, 0)
	require.NoError(t, err)
	reader, err := auth.IssueToken("a2", service.TokenTypeAdmin, []string{service.PermissionProctorRead}, 0)
	require.NoError(t, err)

	cases := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"no permission", noPerm, http.StatusForbidden},
		{"proctor reader", reader, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/proctor/tests/t1/violations", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
			}
		})
	}
}
