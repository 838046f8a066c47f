package cmd

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/internal/config"
)

func TestCredstoreHealthChecker(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, credstoreHealthChecker{}.CheckHealth(t.Context()))
	assert.NoError(t, credstoreHealthChecker{path: filepath.Join(dir, "absent.yaml")}.CheckHealth(t.Context()))

	bad := filepath.Join(dir, "file", "cred.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0o600))
	assert.Error(t, credstoreHealthChecker{path: bad}.CheckHealth(t.Context()))
}

func testServeConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "xdg"))
	config.SetConfigFile("")
	cfg, err := config.Load(t.Context(), map[string]any{
		"credentials": map[string]any{"path": filepath.Join(t.TempDir(), "cred.yaml")},
		"metrics":     map[string]any{"enabled": true},
	})
	require.NoError(t, err)
	return cfg
}

func TestBuildRuntime(t *testing.T) {
	cfg := testServeConfig(t)

	rt, err := buildRuntime(t.Context(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	h := rt.server.Handler()
	for path, want := range map[string]int{
		"/version":       http.StatusOK,
		"/metrics":       http.StatusOK,
		"/list":          http.StatusOK,
		"/download/a.go": http.StatusBadRequest,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}

	base := t.TempDir()
	req := httptest.NewRequest(http.MethodPost, "/configure",
		strings.NewReader(`{"provider_type":"local","base_dir":"`+filepath.ToSlash(base)+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.FileExists(t, cfg.Credentials.Path)
}

func TestBuildRuntimeJanitor(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.Janitor.Enabled = true
	cfg.Janitor.Schedule = "@every 1h"
	cfg.Janitor.MaxAge = time.Hour

	rt, err := buildRuntime(t.Context(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, rt.janitor)
	rt.Close()

	cfg.Janitor.Schedule = "not a schedule"
	_, err = buildRuntime(t.Context(), cfg, zap.NewNop())
	assert.Equal(t, ExitConfigInvalid, ExitCode(err))
}

func TestBuildRuntimeRateLimit(t *testing.T) {
	cfg := testServeConfig(t)
	cfg.RateLimit.RPS = 1
	cfg.RateLimit.Burst = 1

	rt, err := buildRuntime(t.Context(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	codes := make([]int, 0, 2)
	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/version", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		rt.server.Handler().ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}
