package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/secflow/internal/migration"
	"github.com/BaSui01/secflow/testutil"
	"github.com/BaSui01/secflow/testutil/fixtures"
	"github.com/BaSui01/secflow/workflow"
)

func writeWorkflow(t *testing.T, src string) string {
	return testutil.WriteFile(t, "workflow.yaml", src)
}

func TestDispatch_VersionAndHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	require.NoError(t, dispatch("version", nil, &out, &errOut))
	assert.Contains(t, out.String(), "SecFlow "+Version)

	out.Reset()
	require.NoError(t, dispatch("help", nil, &out, &errOut))
	assert.Contains(t, out.String(), "Commands:")

	err := dispatch("explode", nil, &out, &errOut)
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, errOut.String(), "Unknown command: explode")
}

func TestCompile_Formats(t *testing.T) {
	path := writeWorkflow(t, enrichSource)

	t.Run("json", func(t *testing.T) {
		var out, errOut bytes.Buffer
		require.NoError(t, runCompile([]string{path}, &out, &errOut))
		def, err := workflow.ParseDefinitionJSON(out.Bytes())
		require.NoError(t, err)
		assert.Equal(t, "enrich", def.Name)
		assert.NotEmpty(t, def.DAG)
	})

	t.Run("yaml", func(t *testing.T) {
		var out, errOut bytes.Buffer
		require.NoError(t, runCompile([]string{"-format", "yaml", path}, &out, &errOut))
		def, err := workflow.ParseDefinitionYAML(out.Bytes())
		require.NoError(t, err)
		assert.Equal(t, "enrich", def.Name)
	})

	t.Run("bad format", func(t *testing.T) {
		var out, errOut bytes.Buffer
		err := runCompile([]string{"-format", "xml", path}, &out, &errOut)
		require.Error(t, err)
		assert.Empty(t, out.String())
	})

	t.Run("missing file argument", func(t *testing.T) {
		var out, errOut bytes.Buffer
		assert.ErrorIs(t, runCompile(nil, &out, &errOut), errUsage)
	})
}

func TestCompile_ReportsIssues(t *testing.T) {
	path := writeWorkflow(t, fixtures.UnknownActionSource)
	var out, errOut bytes.Buffer
	err := runCompile([]string{path}, &out, &errOut)
	require.Error(t, err)

	var compileErr *workflow.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, workflow.CompileErrUnknownAction, compileErr.Kind)
	assert.Contains(t, err.Error(), path)
	assert.Contains(t, errOut.String(), "core.nope")
	assert.Empty(t, out.String())
}

func TestRunWorkflow(t *testing.T) {
	path := writeWorkflow(t, enrichSource)
	var out, errOut bytes.Buffer
	require.NoError(t, runWorkflow([]string{"-input", `{"alert":{"host":"db1"}}`, path}, &out, &errOut))

	var rec workflow.RunRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec), out.String())
	assert.Equal(t, workflow.RunStatusCompleted, rec.Status)
	assert.Equal(t, "enrich", rec.WorkflowName)

	var logged bool
	for _, s := range rec.Steps {
		if s.ActionType == workflow.LogActionType {
			logged = true
			assert.Equal(t, "host db1", s.Result)
		}
	}
	assert.True(t, logged, "log step recorded")
}

func TestRunWorkflow_FailurePrintsRecord(t *testing.T) {
	path := writeWorkflow(t, fixtures.FailingSource)
	var out, errOut bytes.Buffer
	err := runWorkflow([]string{path}, &out, &errOut)
	require.Error(t, err)

	var rec workflow.RunRecord
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec), out.String())
	assert.Equal(t, workflow.RunStatusFailed, rec.Status)
}

func TestDecodeInput(t *testing.T) {
	v, err := decodeInput(`{"n": 2, "f": 1.5, "tags": ["a"]}`)
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, int64(2), m["n"])
	assert.Equal(t, 1.5, m["f"])
	assert.Equal(t, []any{"a"}, m["tags"])

	_, err = decodeInput(`{"a":1} {"b":2}`)
	assert.Error(t, err)
	_, err = decodeInput(`{`)
	assert.Error(t, err)
}

func TestMigrate_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "secflow.db")
	url := migration.BuildDatabaseURL(migration.DatabaseTypeSQLite, "", 0, dbPath, "", "", "")
	flags := []string{"-db-type", "sqlite", "-db-url", url}

	var out, errOut bytes.Buffer
	require.NoError(t, runMigrate(append([]string{"up"}, flags...), &out, &errOut))
	assert.Contains(t, out.String(), "Migrations complete")

	out.Reset()
	require.NoError(t, runMigrate(append([]string{"version"}, flags...), &out, &errOut))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, runMigrate(append([]string{"steps", "-1"}, flags...), &out, &errOut))
	assert.Contains(t, out.String(), "Rolling back 1 migration(s)")

	out.Reset()
	require.NoError(t, runMigrate(append([]string{"version"}, flags...), &out, &errOut))
	assert.Contains(t, out.String(), "Current version: 1")
}

func TestMigrate_Usage(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.ErrorIs(t, runMigrate(nil, &out, &errOut), errUsage)
	assert.Contains(t, errOut.String(), "Subcommands:")
}

func TestHealthCommand(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	var out, errOut bytes.Buffer
	require.NoError(t, runHealthCheck([]string{"-addr", healthy.URL + "/"}, &out, &errOut))
	assert.Equal(t, "OK\n", out.String())

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	err := runHealthCheck([]string{"-addr", sick.URL}, &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestRunWorkflow_CompiledGraph(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			var graph, errOut bytes.Buffer
			require.NoError(t, runCompile([]string{"-format", format, writeWorkflow(t, enrichSource)}, &graph, &errOut))
			path := testutil.WriteFile(t, "graph."+format, graph.String())

			var out bytes.Buffer
			require.NoError(t, runWorkflow([]string{"-input", `{"alert":{"host":"db2"}}`, path}, &out, &errOut))
			var rec workflow.RunRecord
			require.NoError(t, json.Unmarshal(out.Bytes(), &rec), out.String())
			assert.Equal(t, workflow.RunStatusCompleted, rec.Status)
			assert.Equal(t, "enrich", rec.WorkflowName)
		})
	}
}
