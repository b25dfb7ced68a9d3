package dsl

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/secflow/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CompileRecorder receives compilation measurements.
type CompileRecorder interface {
	RecordCompile(workflow string, nodes int, err error, duration time.Duration)
}

// Compiler turns a workflow document into a dependency graph.
type Compiler struct {
	registry *workflow.Registry
	parser   *Parser
	metrics  CompileRecorder
	tracer   trace.Tracer
	logger   *zap.Logger
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithCompileMetrics records every compilation.
func WithCompileMetrics(m CompileRecorder) CompilerOption {
	return func(c *Compiler) { c.metrics = m }
}

// WithCompileTracer overrides the global tracer.
func WithCompileTracer(t trace.Tracer) CompilerOption {
	return func(c *Compiler) { c.tracer = t }
}

// NewCompiler creates a compiler resolving action types against registry.
func NewCompiler(registry *workflow.Registry, logger *zap.Logger, opts ...CompilerOption) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Compiler{
		registry: registry,
		parser:   NewParser(),
		logger:   logger.With(zap.String("component", "compiler")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/BaSui01/secflow/workflow/dsl")
	}
	return c
}

// CompileSource parses and compiles a YAML workflow document.
func (c *Compiler) CompileSource(ctx context.Context, src []byte) (*workflow.WorkflowDAG, error) {
	doc, err := c.parser.Parse(src)
	if err != nil {
		c.record("", 0, err, 0)
		return nil, err
	}
	return c.Compile(ctx, doc)
}

// Compile builds the graph for doc. On error no graph is returned.
func (c *Compiler) Compile(ctx context.Context, doc *Document) (*workflow.WorkflowDAG, error) {
	if doc == nil {
		return nil, fmt.Errorf("document cannot be nil")
	}
	_, span := c.tracer.Start(ctx, "workflow.compile", trace.WithAttributes(
		attribute.String("workflow.name", doc.Name),
	))
	defer span.End()

	start := time.Now()
	dag, err := c.compile(doc)
	c.record(doc.Name, len(dagNodes(dag)), err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("workflow compilation failed", zap.String("workflow", doc.Name), zap.Error(err))
		return nil, err
	}

	c.logger.Debug("workflow compiled",
		zap.String("workflow", doc.Name),
		zap.Int("nodes", len(dag.Nodes)),
		zap.Int("edges", len(dag.Edges())))
	return dag, nil
}

func (c *Compiler) record(name string, nodes int, err error, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordCompile(name, nodes, err, d)
	}
}

func dagNodes(dag *workflow.WorkflowDAG) map[string]workflow.Node {
	if dag == nil {
		return nil
	}
	return dag.Nodes
}

func (c *Compiler) compile(doc *Document) (*workflow.WorkflowDAG, error) {
	if len(doc.Inputs) != 1 {
		return nil, &workflow.CompileError{
			Kind:    workflow.CompileErrInputSignature,
			Message: fmt.Sprintf("workflow must declare exactly one input parameter, got %d", len(doc.Inputs)),
			Snippet: strings.Join(doc.Inputs, ", "),
			Line:    doc.InputPos.Line,
		}
	}
	input := doc.Inputs[0]
	if !identPattern.MatchString(input) {
		return nil, &workflow.CompileError{
			Kind:    workflow.CompileErrInputSignature,
			Message: fmt.Sprintf("input parameter %q is not a valid identifier", input),
			Snippet: input,
			Line:    doc.InputPos.Line,
		}
	}

	g := &graphBuilder{
		registry: c.registry,
		dag: &workflow.WorkflowDAG{
			Name:        doc.Name,
			Description: doc.Description,
			Triggers:    append([]string(nil), doc.Triggers...),
			Nodes:       make(map[string]workflow.Node),
		},
		order:    make(map[string]int),
		counters: make(map[string]int),
	}
	g.dag.Nodes[workflow.StartNodeID] = &workflow.StartNode{ResultVariable: input}
	g.order[workflow.StartNodeID] = 0

	root := workflow.Producer{NodeID: workflow.StartNodeID, Edge: workflow.EdgeNext}
	sc := scope{input: {root}}
	if _, err := g.compileBlock(doc.Statements, sc, root); err != nil {
		return nil, err
	}

	if err := g.dag.Validate(); err != nil {
		return nil, &workflow.CompileError{Kind: workflow.CompileErrInvalidGraph, Message: err.Error(), Cause: err}
	}
	return g.dag, nil
}

// scope maps a variable to its last writers. Branches compile against a
// clone taken at the branch boundary.
type scope map[string][]workflow.Producer

func (s scope) clone() scope {
	cp := make(scope, len(s))
	for k, v := range s {
		cp[k] = append([]workflow.Producer(nil), v...)
	}
	return cp
}

// graphBuilder accumulates nodes and edges while statements compile.
type graphBuilder struct {
	registry *workflow.Registry
	dag      *workflow.WorkflowDAG
	// order is the creation index of each node. Edges always run from a
	// lower to a higher index.
	order    map[string]int
	counters map[string]int
	// condStack holds the enclosing conditionals, outermost first.
	condStack []string
}

// compileBlock compiles stmts under anchor and returns the ids of every
// node created in the block, nested blocks included, in creation order.
func (g *graphBuilder) compileBlock(stmts []Statement, sc scope, anchor workflow.Producer) ([]string, error) {
	var created []string
	for _, stmt := range stmts {
		var (
			ids []string
			err error
		)
		switch s := stmt.(type) {
		case *CallStmt:
			var id string
			id, err = g.compileCall(s, sc, anchor)
			ids = []string{id}
		case *IfStmt:
			ids, err = g.compileIf(s, sc, anchor)
		case *UnsupportedStmt:
			err = &workflow.CompileError{
				Kind:    workflow.CompileErrUnsupportedStatement,
				Message: fmt.Sprintf("%s statements are not supported", s.Kind),
				Snippet: s.Text,
			}
		default:
			err = &workflow.CompileError{
				Kind:    workflow.CompileErrUnsupportedStatement,
				Message: fmt.Sprintf("unsupported statement %T", stmt),
			}
		}
		if err != nil {
			return nil, withPosition(err, stmt)
		}
		created = append(created, ids...)
	}
	return created, nil
}

func (g *graphBuilder) compileCall(s *CallStmt, sc scope, anchor workflow.Producer) (string, error) {
	if len(s.Targets) > 1 {
		return "", workflow.NewCompileError(workflow.CompileErrMultipleTargets, s.Text,
			"assignment to multiple targets %v is not supported", s.Targets)
	}
	if len(s.Positional) > 0 {
		return "", workflow.NewCompileError(workflow.CompileErrPositionalArguments, s.Text,
			"%s takes keyword arguments only", s.Action)
	}
	spec, err := g.registry.Lookup(s.Action)
	if err != nil {
		return "", &workflow.CompileError{
			Kind:    workflow.CompileErrUnknownAction,
			Message: fmt.Sprintf("action %q is not registered", s.Action),
			Snippet: s.Text,
			Cause:   err,
		}
	}

	var deps []workflow.Producer
	args := make(map[string]any, len(s.Kwargs))
	for _, kw := range s.Kwargs {
		if _, dup := args[kw.Name]; dup {
			return "", workflow.NewCompileError(workflow.CompileErrDuplicateArgument, s.Text,
				"keyword argument %q repeated", kw.Name)
		}
		refs, err := workflow.References(kw.Value)
		if err != nil {
			return "", &workflow.CompileError{
				Kind:    workflow.CompileErrUnsupportedExpression,
				Message: fmt.Sprintf("argument %q: %v", kw.Name, err),
				Snippet: fmt.Sprint(kw.Value),
				Cause:   err,
			}
		}
		for _, ref := range refs {
			producers, ok := sc[ref]
			if !ok {
				return "", workflow.NewCompileError(workflow.CompileErrUndefinedVariable, fmt.Sprint(kw.Value),
					"argument %q references undefined variable %q", kw.Name, ref)
			}
			deps = append(deps, producers...)
		}
		args[kw.Name] = workflow.NormalizeValue(kw.Value)
	}

	for _, v := range s.RunAfter {
		producers, ok := sc[v]
		if !ok {
			return "", workflow.NewCompileError(workflow.CompileErrUnknownDependency, s.Text,
				"run_after references undefined variable %q", v)
		}
		deps = append(deps, producers...)
	}

	if err := checkSecrets(spec, s); err != nil {
		return "", err
	}

	var target string
	if len(s.Targets) == 1 {
		target = s.Targets[0]
		if !identPattern.MatchString(target) {
			return "", workflow.NewCompileError(workflow.CompileErrSyntax, s.Text,
				"assignment target %q is not a valid identifier", target)
		}
		// an existing writer of the same name must finish first
		deps = append(deps, sc[target]...)
	}
	deps = append(deps, anchor)

	node := &workflow.ActionNode{
		ID:             g.newID(slug(s.Action)),
		ActionType:     s.Action,
		Args:           args,
		ResultVariable: target,
	}
	if len(s.Secrets) > 0 {
		node.SecretsMapping = make(map[string]string, len(s.Secrets))
		for k, v := range s.Secrets {
			node.SecretsMapping[k] = v
		}
	}
	if err := g.addNode(node, deps); err != nil {
		return "", err
	}
	if target != "" {
		sc[target] = []workflow.Producer{{NodeID: node.ID, Edge: workflow.EdgeNext}}
	}
	return node.ID, nil
}

func checkSecrets(spec workflow.ActionSpec, s *CallStmt) error {
	declared := make(map[string]bool, len(spec.Secrets))
	for _, name := range spec.Secrets {
		declared[name] = true
	}
	var missing, extra []string
	for _, name := range spec.Secrets {
		if _, ok := s.Secrets[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range s.Secrets {
		if !declared[name] {
			extra = append(extra, name)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return workflow.NewCompileError(workflow.CompileErrSecretsMismatch, s.Text,
		"%s secrets mismatch: missing %v, unexpected %v", s.Action, missing, extra)
}

func (g *graphBuilder) compileIf(s *IfStmt, sc scope, anchor workflow.Producer) ([]string, error) {
	cond, refs, err := ParseCondition(s.Condition)
	if err != nil {
		return nil, err
	}
	deps := []workflow.Producer{}
	for _, ref := range refs {
		producers, ok := sc[ref]
		if !ok {
			return nil, workflow.NewCompileError(workflow.CompileErrUndefinedVariable, s.Condition,
				"condition references undefined variable %q", ref)
		}
		deps = append(deps, producers...)
	}
	deps = append(deps, anchor)

	node := &workflow.ConditionalNode{
		ID:            g.newID(string(workflow.NodeTypeCondition)),
		Condition:     cond,
		ConditionText: s.Condition,
	}
	if err := g.addNode(node, deps); err != nil {
		return nil, err
	}

	g.condStack = append(g.condStack, node.ID)
	trueAnchor := workflow.Producer{NodeID: node.ID, Edge: workflow.EdgeTrue}
	falseAnchor := workflow.Producer{NodeID: node.ID, Edge: workflow.EdgeFalse}
	thenCreated, err := g.compileBlock(s.Then, sc.clone(), trueAnchor)
	if err != nil {
		return nil, err
	}
	elseCreated, err := g.compileBlock(s.Else, sc.clone(), falseAnchor)
	if err != nil {
		return nil, err
	}
	g.condStack = g.condStack[:len(g.condStack)-1]

	leaves := append(g.leaves(trueAnchor, thenCreated), g.leaves(falseAnchor, elseCreated)...)
	for _, v := range assignedVars(append(append([]Statement(nil), s.Then...), s.Else...)) {
		sc[v] = append([]workflow.Producer(nil), leaves...)
	}

	created := append([]string{node.ID}, thenCreated...)
	return append(created, elseCreated...), nil
}

// leaves returns the terminal (node, edge kind) pairs of a branch: the
// anchor and every pair created in the branch whose successor list is
// still empty. A conditional with nothing on either list stands for its own
// inputs, and so does a conditional whose two lists both end up in the set,
// so the two lists of one node never meet in a leaf set.
func (g *graphBuilder) leaves(anchor workflow.Producer, created []string) []workflow.Producer {
	var out []workflow.Producer
	if a := g.dag.Nodes[anchor.NodeID]; len(a.Successors(anchor.Edge)) == 0 {
		out = append(out, anchor)
	}
	for _, id := range created {
		n := g.dag.Nodes[id]
		var open []workflow.Producer
		for _, kind := range n.EdgeKinds() {
			if len(n.Successors(kind)) == 0 {
				open = append(open, workflow.Producer{NodeID: id, Edge: kind})
			}
		}
		if len(open) > 1 {
			out = append(out, g.inputs(id)...)
			continue
		}
		out = append(out, open...)
	}
	out = g.prune(dedupe(out))
	// inputs always precede the node, so collapsing terminates.
	for {
		both := bothBranches(out)
		if both == "" {
			return out
		}
		next := make([]workflow.Producer, 0, len(out))
		for _, p := range out {
			if p.NodeID != both {
				next = append(next, p)
			}
		}
		out = g.prune(dedupe(append(next, g.inputs(both)...)))
	}
}

// bothBranches returns the first node that appears in leaves with two
// different edge kinds.
func bothBranches(leaves []workflow.Producer) string {
	kinds := make(map[string]workflow.EdgeKind, len(leaves))
	for _, p := range leaves {
		if k, ok := kinds[p.NodeID]; ok && k != p.Edge {
			return p.NodeID
		}
		kinds[p.NodeID] = p.Edge
	}
	return ""
}

// inputs lists the producers with an edge into id, in creation order.
func (g *graphBuilder) inputs(id string) []workflow.Producer {
	var out []workflow.Producer
	for pid, n := range g.dag.Nodes {
		for _, kind := range n.EdgeKinds() {
			if slices.Contains(n.Successors(kind), id) {
				out = append(out, workflow.Producer{NodeID: pid, Edge: kind})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if g.order[out[i].NodeID] != g.order[out[j].NodeID] {
			return g.order[out[i].NodeID] < g.order[out[j].NodeID]
		}
		return out[i].Edge < out[j].Edge
	})
	return out
}

// assignedVars collects every assignment target in stmts breadth-first.
func assignedVars(stmts []Statement) []string {
	var vars []string
	seen := make(map[string]bool)
	queue := [][]Statement{stmts}
	for len(queue) > 0 {
		block := queue[0]
		queue = queue[1:]
		for _, stmt := range block {
			switch s := stmt.(type) {
			case *CallStmt:
				for _, t := range s.Targets {
					if !seen[t] {
						seen[t] = true
						vars = append(vars, t)
					}
				}
			case *IfStmt:
				queue = append(queue, s.Then, s.Else)
			}
		}
	}
	return vars
}

// addNode wires node after deps. Dependencies produced outside an
// enclosing branch are first routed into the outermost conditional that
// does not contain them, then redundant dependencies are dropped.
func (g *graphBuilder) addNode(node workflow.Node, deps []workflow.Producer) error {
	deps = g.prune(dedupe(deps))
	g.hoist(deps)
	deps = g.prune(deps)

	byNode := make(map[string]workflow.EdgeKind)
	for _, d := range deps {
		if prev, ok := byNode[d.NodeID]; ok && prev != d.Edge {
			return &workflow.CompileError{
				Kind:    workflow.CompileErrInvalidGraph,
				Message: fmt.Sprintf("node %s would depend on both branches of %s", node.NodeID(), d.NodeID),
			}
		}
		byNode[d.NodeID] = d.Edge
	}

	g.order[node.NodeID()] = len(g.order)
	g.dag.Nodes[node.NodeID()] = node
	for _, d := range deps {
		addChild(g.dag.Nodes[d.NodeID], d.Edge, node.NodeID())
	}
	return nil
}

func (g *graphBuilder) hoist(deps []workflow.Producer) {
	for _, d := range deps {
		for _, condID := range g.condStack {
			if g.order[d.NodeID] >= g.order[condID] {
				continue
			}
			if !g.dag.Reachable(d, condID) {
				addChild(g.dag.Nodes[d.NodeID], d.Edge, condID)
				g.pruneInputs(condID)
			}
			break
		}
	}
}

// pruneInputs removes every edge into id whose producer reaches another
// producer of id.
func (g *graphBuilder) pruneInputs(id string) {
	in := g.inputs(id)
	kept := g.prune(in)
	for _, p := range in {
		if !slices.Contains(kept, p) {
			removeChild(g.dag.Nodes[p.NodeID], p.Edge, id)
		}
	}
}

// prune drops every dependency from which another dependency's producer is
// reachable.
func (g *graphBuilder) prune(deps []workflow.Producer) []workflow.Producer {
	kept := make([]workflow.Producer, 0, len(deps))
	for i, d1 := range deps {
		redundant := false
		for j, d2 := range deps {
			if i != j && d1.NodeID != d2.NodeID && g.dag.Reachable(d1, d2.NodeID) {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, d1)
		}
	}
	return kept
}

func (g *graphBuilder) newID(base string) string {
	for {
		g.counters[base]++
		id := base
		if n := g.counters[base]; n > 1 {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		if _, exists := g.dag.Nodes[id]; !exists {
			return id
		}
	}
}

func addChild(parent workflow.Node, kind workflow.EdgeKind, child string) {
	appendUnique := func(list []string) []string {
		for _, c := range list {
			if c == child {
				return list
			}
		}
		return append(list, child)
	}
	switch p := parent.(type) {
	case *workflow.StartNode:
		p.Children = appendUnique(p.Children)
	case *workflow.ActionNode:
		p.Children = appendUnique(p.Children)
	case *workflow.ConditionalNode:
		if kind == workflow.EdgeTrue {
			p.TrueChildren = appendUnique(p.TrueChildren)
		} else {
			p.FalseChildren = appendUnique(p.FalseChildren)
		}
	}
}

func removeChild(parent workflow.Node, kind workflow.EdgeKind, child string) {
	drop := func(list []string) []string {
		return slices.DeleteFunc(list, func(c string) bool { return c == child })
	}
	switch p := parent.(type) {
	case *workflow.StartNode:
		p.Children = drop(p.Children)
	case *workflow.ActionNode:
		p.Children = drop(p.Children)
	case *workflow.ConditionalNode:
		if kind == workflow.EdgeTrue {
			p.TrueChildren = drop(p.TrueChildren)
		} else {
			p.FalseChildren = drop(p.FalseChildren)
		}
	}
}

func dedupe(deps []workflow.Producer) []workflow.Producer {
	seen := make(map[workflow.Producer]bool, len(deps))
	out := make([]workflow.Producer, 0, len(deps))
	for _, d := range deps {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// slug maps an action type to a node id prefix.
func slug(actionType string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, actionType)
}

func withPosition(err error, stmt Statement) error {
	var ce *workflow.CompileError
	if errors.As(err, &ce) {
		if ce.Line == 0 {
			ce.Line = stmt.Pos().Line
		}
		if ce.Snippet == "" {
			ce.Snippet = stmt.Source()
		}
	}
	return err
}
