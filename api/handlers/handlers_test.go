package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/secflow/testutil/fixtures"
	"github.com/BaSui01/secflow/workflow"
	"github.com/BaSui01/secflow/workflow/dsl"
	"github.com/BaSui01/secflow/workflow/persistence"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	triageSource = fixtures.TriageSource
	slowSource   = fixtures.SlowSource
)

// testAPI wires the handlers over an in-memory store and a real engine.
type testAPI struct {
	t      *testing.T
	store  *persistence.MemoryStore
	runner *workflow.Runner
	server *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := persistence.NewMemoryStore()
	reg := workflow.NewRegistryWithBuiltins()
	exec := workflow.NewDAGExecutor(workflow.NewLocalExecutor(reg, logger), logger, workflow.WithRunStore(store))
	runner := workflow.NewRunner(exec, logger)

	mux := http.NewServeMux()
	NewWorkflowHandler(store, dsl.NewCompiler(reg, logger), dsl.NewValidator(reg), runner, logger).Register(mux)
	NewRunHandler(store, runner, logger).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = runner.Shutdown(t.Context())
	})
	return &testAPI{t: t, store: store, runner: runner, server: srv}
}

// do sends a request and decodes the envelope; data is decoded into out
// when non-nil.
func (a *testAPI) do(method, path, contentType, body string, out any) (int, Response) {
	a.t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(body))
	require.NoError(a.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	var env struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(a.t, json.Unmarshal(raw, &env), string(raw))
	if out != nil && len(env.Data) > 0 {
		dec := json.NewDecoder(bytes.NewReader(env.Data))
		dec.UseNumber()
		require.NoError(a.t, dec.Decode(out))
	}
	return resp.StatusCode, env.Response
}

func (a *testAPI) createWorkflow(src string) *persistence.Definition {
	a.t.Helper()
	var def persistence.Definition
	status, env := a.do(http.MethodPost, "/api/v1/workflows", "application/yaml", src, &def)
	require.Equal(a.t, http.StatusCreated, status, "%+v", env.Error)
	return &def
}

func (a *testAPI) waitForRun(runID string, want workflow.RunStatus) *workflow.RunRecord {
	a.t.Helper()
	var rec *workflow.RunRecord
	require.Eventually(a.t, func() bool {
		r, err := a.store.GetRun(a.t.Context(), runID)
		if err != nil || r.Status != want {
			return false
		}
		rec = r
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}
