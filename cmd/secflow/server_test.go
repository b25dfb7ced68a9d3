package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/secflow/api/handlers"
	"github.com/BaSui01/secflow/config"
	"github.com/BaSui01/secflow/testutil/fixtures"
	"github.com/BaSui01/secflow/workflow"
)

const enrichSource = fixtures.EnrichSource

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Store.Backend = config.StoreBackendMemory
	cfg.Telemetry.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv, err := NewServer(cfg, zaptest.NewLogger(t), reg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler(t.Context()))
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(t.Context())
	})
	return srv, ts, reg
}

func envelope(t *testing.T, resp *http.Response, out any) handlers.Response {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var raw struct {
		handlers.Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &raw), string(body))
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return raw.Response
}

func TestServer_HealthAndWorkflowLifecycle(t *testing.T) {
	_, ts, reg := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(handlers.RequestIDHeader))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/api/v1/workflows", "application/yaml", strings.NewReader(enrichSource))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	envelope(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp, err = http.Post(ts.URL+"/api/v1/workflows/"+created.ID+"/runs", "application/json",
		bytes.NewReader([]byte(`{"alert":{"host":"web-3"}}`)))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started struct {
		RunID string `json:"run_id"`
	}
	envelope(t, resp, &started)
	require.NotEmpty(t, started.RunID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/v1/runs/" + started.RunID)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		defer resp.Body.Close()
		var env struct {
			Data workflow.RunRecord `json:"data"`
		}
		if json.NewDecoder(resp.Body).Decode(&env) != nil {
			return false
		}
		return env.Data.Status == workflow.RunStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// 指标以路由模式为标签
	families, err := reg.Gather()
	require.NoError(t, err)
	var paths []string
	for _, mf := range families {
		if mf.GetName() != "secflow_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" {
					paths = append(paths, l.GetValue())
				}
			}
		}
	}
	assert.Contains(t, paths, "POST /api/v1/workflows")
	assert.Contains(t, paths, "GET /api/v1/runs/{id}")
	assert.NotContains(t, paths, "/api/v1/runs/"+started.RunID)
}

func TestServer_AuthProtectsAPI(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.APIKeys = []string{"sekret"}
	_, ts, _ := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/api/v1/workflows")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/workflows", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_StartAndShutdown(t *testing.T) {
	srv, err := NewServer(testConfig(), zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	_, port, err := net.SplitHostPort(srv.httpManager.Addr())
	require.NoError(t, err)
	resp, err := http.Get("http://127.0.0.1:" + port + "/version")
	require.NoError(t, err)
	var info map[string]any
	envelope(t, resp, &info)
	assert.Equal(t, Version, info["version"])

	srv.Shutdown(t.Context())
	select {
	case err := <-srv.Errors():
		t.Fatalf("unexpected server error: %v", err)
	default:
	}
}

func TestNewServer_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "cassandra"
	_, err := NewServer(cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store backend")
}
