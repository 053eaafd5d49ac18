package opsapi_test

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridiandb/node/internal/address"
	"github.com/meridiandb/node/internal/admin"
	"github.com/meridiandb/node/internal/mutationlog"
	"github.com/meridiandb/node/internal/opsapi"
	"github.com/meridiandb/node/internal/store"
)

func TestHealthzReadyzAndStatus(t *testing.T) {
	mlog, err := mutationlog.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mlog.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	adminSvc := admin.New(st, address.Addr{1})
	logger := slog.Default()

	handler := opsapi.Router(logger, mlog, adminSvc, "test-version")

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/readyz", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	req = httptest.NewRequest("GET", "/status", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)

	var body struct {
		HasInited bool   `json:"has_inited"`
		Version   string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.False(t, body.HasInited)
	require.Equal(t, "test-version", body.Version)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	mlog, err := mutationlog.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mlog.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	adminSvc := admin.New(st, address.Addr{1})
	handler := opsapi.Router(slog.Default(), mlog, adminSvc, "test-version")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}
