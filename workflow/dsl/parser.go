package dsl

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BaSui01/secflow/workflow"
	"gopkg.in/yaml.v3"
)

// Parser 将 YAML 工作流源文档解析为语法树。
// 结构性检查（动作是否注册、参数是否重复等）留给 Compiler。
type Parser struct{}

// NewParser 创建 DSL 解析器
func NewParser() *Parser {
	return &Parser{}
}

// ParseFile 从文件解析
func (p *Parser) ParseFile(filename string) (*Document, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read DSL file: %w", err)
	}
	return p.Parse(data)
}

// Parse 从 YAML 字节解析
func (p *Parser) Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &workflow.CompileError{Kind: workflow.CompileErrSyntax, Message: "parse YAML", Cause: err}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, syntaxError(&root, "empty workflow document")
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, syntaxError(top, "workflow document must be a mapping")
	}

	pairs, err := mappingPairs(top)
	if err != nil {
		return nil, err
	}
	doc := &Document{}
	var statementsNode *yaml.Node
	for _, kv := range pairs {
		switch kv.key {
		case "name":
			doc.Name, err = scalarString(kv.value, "name")
		case "description":
			doc.Description, err = scalarString(kv.value, "description")
		case "triggers":
			doc.Triggers, err = stringList(kv.value, "triggers")
		case "input", "inputs":
			doc.Inputs, err = stringList(kv.value, kv.key)
			doc.InputPos = pos(kv.value)
		case "statements":
			statementsNode = kv.value
		default:
			err = syntaxError(kv.keyNode, "unknown workflow field %q", kv.key)
		}
		if err != nil {
			return nil, err
		}
	}

	if doc.Name == "" {
		return nil, syntaxError(top, "workflow name is required")
	}
	if statementsNode == nil {
		return nil, syntaxError(top, "workflow statements are required")
	}
	doc.Statements, err = p.parseBlock(statementsNode, "statements")
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Parser) parseBlock(node *yaml.Node, field string) ([]Statement, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, syntaxError(node, "%s must be a list of statements", field)
	}
	stmts := make([]Statement, 0, len(node.Content))
	for _, item := range node.Content {
		s, err := p.parseStatement(item)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)
	}
	return stmts, nil
}

func (p *Parser) parseStatement(node *yaml.Node) (Statement, error) {
	if node.Kind != yaml.MappingNode {
		return &UnsupportedStmt{Kind: "expression", Text: nodeText(node), Position: pos(node)}, nil
	}
	pairs, err := mappingPairs(node)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(pairs))
	for _, kv := range pairs {
		keys[kv.key] = true
	}

	switch {
	case keys["if"]:
		return p.parseIf(node, pairs)
	case keys["call"]:
		return p.parseCall(node, pairs)
	default:
		kind := "statement"
		if len(pairs) > 0 {
			kind = pairs[0].key
		}
		return &UnsupportedStmt{Kind: kind, Text: nodeText(node), Position: pos(node)}, nil
	}
}

func (p *Parser) parseCall(node *yaml.Node, pairs []keyValue) (Statement, error) {
	stmt := &CallStmt{Position: pos(node)}
	var err error
	for _, kv := range pairs {
		switch kv.key {
		case "call":
			stmt.Action, err = scalarString(kv.value, "call")
		case "assign":
			stmt.Targets, err = stringList(kv.value, "assign")
		case "with":
			stmt.Kwargs, err = parseKwargs(kv.value)
		case "args":
			stmt.Positional, err = parsePositional(kv.value)
		case "run_after":
			stmt.RunAfter, err = stringList(kv.value, "run_after")
		case "secrets":
			stmt.Secrets, err = stringMap(kv.value, "secrets")
		default:
			err = syntaxError(kv.keyNode, "unknown call field %q", kv.key)
		}
		if err != nil {
			return nil, err
		}
	}
	if stmt.Action == "" {
		return nil, syntaxError(node, "call requires an action type")
	}
	stmt.Text = formatCall(stmt)
	return stmt, nil
}

func (p *Parser) parseIf(node *yaml.Node, pairs []keyValue) (Statement, error) {
	stmt := &IfStmt{Position: pos(node)}
	var (
		elifNode *yaml.Node
		elseNode *yaml.Node
		err      error
	)
	for _, kv := range pairs {
		switch kv.key {
		case "if":
			stmt.Condition, err = conditionText(kv.value)
		case "then":
			stmt.Then, err = p.parseBlock(kv.value, "then")
		case "elif":
			elifNode = kv.value
		case "else":
			elseNode = kv.value
		default:
			err = syntaxError(kv.keyNode, "unknown if field %q", kv.key)
		}
		if err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(stmt.Condition) == "" {
		return nil, syntaxError(node, "if requires a condition")
	}
	stmt.Text = "if " + stmt.Condition

	var elseBlock []Statement
	if elseNode != nil {
		if elseBlock, err = p.parseBlock(elseNode, "else"); err != nil {
			return nil, err
		}
	}

	// elif 链自后向前脱糖为嵌套的 if
	if elifNode != nil {
		if elifNode.Kind != yaml.SequenceNode {
			return nil, syntaxError(elifNode, "elif must be a list of {condition, then} entries")
		}
		for i := len(elifNode.Content) - 1; i >= 0; i-- {
			branch, err := p.parseElif(elifNode.Content[i])
			if err != nil {
				return nil, err
			}
			branch.Else = elseBlock
			elseBlock = []Statement{branch}
		}
	}
	stmt.Else = elseBlock
	return stmt, nil
}

func (p *Parser) parseElif(node *yaml.Node) (*IfStmt, error) {
	if node.Kind != yaml.MappingNode {
		return nil, syntaxError(node, "elif entry must be a mapping")
	}
	pairs, err := mappingPairs(node)
	if err != nil {
		return nil, err
	}
	stmt := &IfStmt{Position: pos(node)}
	for _, kv := range pairs {
		switch kv.key {
		case "condition", "if":
			stmt.Condition, err = conditionText(kv.value)
		case "then":
			stmt.Then, err = p.parseBlock(kv.value, "then")
		default:
			err = syntaxError(kv.keyNode, "unknown elif field %q", kv.key)
		}
		if err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(stmt.Condition) == "" {
		return nil, syntaxError(node, "elif requires a condition")
	}
	stmt.Text = "elif " + stmt.Condition
	return stmt, nil
}

type keyValue struct {
	key     string
	keyNode *yaml.Node
	value   *yaml.Node
}

// mappingPairs lists a mapping's entries in order, rejecting repeated or
// non-scalar keys.
func mappingPairs(node *yaml.Node) ([]keyValue, error) {
	pairs := make([]keyValue, 0, len(node.Content)/2)
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return nil, syntaxError(k, "mapping keys must be scalars")
		}
		if seen[k.Value] {
			return nil, syntaxError(k, "duplicate field %q", k.Value)
		}
		seen[k.Value] = true
		pairs = append(pairs, keyValue{key: k.Value, keyNode: k, value: v})
	}
	return pairs, nil
}

// parseKwargs keeps repeated names so the compiler can report them.
func parseKwargs(node *yaml.Node) ([]Kwarg, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, syntaxError(node, "with must be a mapping of keyword arguments")
	}
	kwargs := make([]Kwarg, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return nil, syntaxError(k, "argument names must be scalars")
		}
		value, err := decodeValue(v)
		if err != nil {
			return nil, err
		}
		kwargs = append(kwargs, Kwarg{Name: k.Value, Value: value, Pos: pos(k)})
	}
	return kwargs, nil
}

func parsePositional(node *yaml.Node) ([]any, error) {
	if node.Kind != yaml.SequenceNode {
		v, err := decodeValue(node)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}
	out := make([]any, 0, len(node.Content))
	for _, item := range node.Content {
		v, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeValue(node *yaml.Node) (any, error) {
	var v any
	if err := node.Decode(&v); err != nil {
		return nil, syntaxError(node, "invalid value: %v", err)
	}
	return workflow.NormalizeValue(v), nil
}

func conditionText(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", syntaxError(node, "condition must be a scalar expression")
	}
	return node.Value, nil
}

func scalarString(node *yaml.Node, field string) (string, error) {
	if node.Kind != yaml.ScalarNode {
		return "", syntaxError(node, "%s must be a string", field)
	}
	return node.Value, nil
}

func stringList(node *yaml.Node, field string) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, syntaxError(item, "%s entries must be strings", field)
			}
			out = append(out, item.Value)
		}
		return out, nil
	default:
		return nil, syntaxError(node, "%s must be a string or a list of strings", field)
	}
}

func stringMap(node *yaml.Node, field string) (map[string]string, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, syntaxError(node, "%s must be a mapping", field)
	}
	pairs, err := mappingPairs(node)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if kv.value.Kind != yaml.ScalarNode {
			return nil, syntaxError(kv.value, "%s values must be strings", field)
		}
		out[kv.key] = kv.value.Value
	}
	return out, nil
}

func pos(node *yaml.Node) Position {
	return Position{Line: node.Line, Column: node.Column}
}

func syntaxError(node *yaml.Node, format string, args ...any) *workflow.CompileError {
	return &workflow.CompileError{
		Kind:    workflow.CompileErrSyntax,
		Message: fmt.Sprintf(format, args...),
		Line:    node.Line,
	}
}

func nodeText(node *yaml.Node) string {
	data, err := yaml.Marshal(node)
	if err != nil {
		return node.Value
	}
	return strings.TrimSpace(string(data))
}

// formatCall renders a call the way error messages quote it:
// `target = action(name=value, ...)`.
func formatCall(s *CallStmt) string {
	var b strings.Builder
	if len(s.Targets) > 0 {
		b.WriteString(strings.Join(s.Targets, ", "))
		b.WriteString(" = ")
	}
	b.WriteString(s.Action)
	b.WriteByte('(')
	parts := make([]string, 0, len(s.Positional)+len(s.Kwargs)+2)
	for _, v := range s.Positional {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	for _, kw := range s.Kwargs {
		parts = append(parts, fmt.Sprintf("%s=%v", kw.Name, kw.Value))
	}
	if len(s.RunAfter) > 0 {
		parts = append(parts, fmt.Sprintf("run_after=[%s]", strings.Join(s.RunAfter, ", ")))
	}
	if len(s.Secrets) > 0 {
		keys := make([]string, 0, len(s.Secrets))
		for k := range s.Secrets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts = append(parts, fmt.Sprintf("secrets={%s}", strings.Join(keys, ", ")))
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteByte(')')
	return b.String()
}
