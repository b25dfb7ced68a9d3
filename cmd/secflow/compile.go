package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/secflow/workflow"
	"github.com/BaSui01/secflow/workflow/dsl"
)

// =============================================================================
// 🧩 compile / run 命令
// =============================================================================

// runCompile compiles one document and prints the serialized graph.
func runCompile(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "json", "Output format: json or yaml")
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: secflow compile [-format json|yaml] <file>")
		return errUsage
	}
	if *format != "json" && *format != "yaml" {
		return fmt.Errorf("unsupported format %q", *format)
	}

	eng, _, err := offlineEngine(*configPath)
	if err != nil {
		return err
	}
	dag, err := compileFile(context.Background(), eng, fs.Arg(0), stderr)
	if err != nil {
		return err
	}

	def := workflow.ToDefinition(dag)
	var out []byte
	if *format == "yaml" {
		out, err = def.ToYAML()
	} else {
		out, err = json.MarshalIndent(def, "", "  ")
		out = append(out, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	_, err = stdout.Write(out)
	return err
}

// runWorkflow compiles a document and executes it in-process, printing the
// run record. Interrupts cancel the run.
func runWorkflow(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	inputJSON := fs.String("input", "{}", "Workflow input as JSON")
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: secflow run [-input json] <file>")
		return errUsage
	}

	input, err := decodeInput(*inputJSON)
	if err != nil {
		return err
	}
	eng, logger, err := offlineEngine(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dag, err := compileFile(ctx, eng, fs.Arg(0), stderr)
	if err != nil {
		return err
	}
	record, runErr := eng.executor.Execute(ctx, dag, input)
	if record != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("encode run record: %w", err)
		}
	}
	if runErr != nil {
		logger.Debug("run failed", zap.Error(runErr))
		return runErr
	}
	return nil
}

// offlineEngine builds an engine without store or metrics. Logs go to
// stderr so stdout carries only the command output.
func offlineEngine(configPath string) (*engine, *zap.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.Log.OutputPaths = []string{"stderr"}
	if configPath == "" {
		cfg.Log.Level = "warn"
		cfg.Log.Format = "console"
	}
	logger := initLogger(cfg.Log)
	eng, err := newEngine(cfg, logger, engineDeps{})
	if err != nil {
		return nil, nil, err
	}
	return eng, logger, nil
}

// compileFile compiles a workflow document. A graph previously written by
// `compile` (a document with a top-level dag key) is loaded as is.
func compileFile(ctx context.Context, eng *engine, path string, stderr io.Writer) (*workflow.WorkflowDAG, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	if def, ok := compiledGraph(path, src); ok {
		dag, err := workflow.FromDefinition(def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return dag, nil
	}

	dag, err := eng.compiler.CompileSource(ctx, src)
	if err == nil {
		return dag, nil
	}
	// 编译失败时附带逐条检查结果
	if doc, perr := dsl.NewParser().Parse(src); perr == nil {
		for _, issue := range eng.validator.Validate(doc) {
			fmt.Fprintf(stderr, "%s: %v\n", path, issue)
		}
	}
	return nil, fmt.Errorf("%s: %w", path, err)
}

func compiledGraph(path string, src []byte) (*workflow.DAGDefinition, bool) {
	var probe map[string]any
	if strings.EqualFold(filepath.Ext(path), ".json") {
		def, err := workflow.ParseDefinitionJSON(src)
		return def, err == nil && len(def.DAG) > 0
	}
	if yaml.Unmarshal(src, &probe) != nil {
		return nil, false
	}
	if _, ok := probe["dag"]; !ok {
		return nil, false
	}
	if _, ok := probe["statements"]; ok {
		return nil, false
	}
	def, err := workflow.ParseDefinitionYAML(src)
	return def, err == nil
}

func decodeInput(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid -input JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid -input JSON: trailing data")
	}
	return workflow.NormalizeValue(v), nil
}
