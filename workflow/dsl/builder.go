package dsl

import "sort"

// Builder provides a fluent API for constructing workflow documents in Go
// instead of YAML. The result compiles exactly like a parsed document.
type Builder struct {
	doc  *Document
	root *Block
}

// NewBuilder creates a builder for a workflow with the given name. The input
// parameter defaults to "input".
func NewBuilder(name string) *Builder {
	doc := &Document{Name: name, Inputs: []string{"input"}}
	return &Builder{doc: doc, root: &Block{}}
}

// Description sets the workflow description.
func (b *Builder) Description(desc string) *Builder {
	b.doc.Description = desc
	return b
}

// Triggers sets the trigger identifiers.
func (b *Builder) Triggers(triggers ...string) *Builder {
	b.doc.Triggers = append([]string(nil), triggers...)
	return b
}

// Input renames the input parameter.
func (b *Builder) Input(name string) *Builder {
	b.doc.Inputs = []string{name}
	return b
}

// Call appends a top-level action call.
func (b *Builder) Call(action string, args map[string]any) *CallBuilder {
	return b.root.Call(action, args)
}

// If appends a top-level conditional.
func (b *Builder) If(condition string, then func(*Block)) *IfBuilder {
	return b.root.If(condition, then)
}

// Document returns the built document.
func (b *Builder) Document() *Document {
	doc := *b.doc
	doc.Statements = b.root.statements()
	return &doc
}

// Block is a statement sequence: the workflow body or a branch.
type Block struct {
	items []blockItem
}

type blockItem interface {
	statement() Statement
}

// Call appends an action call; kwargs are ordered by name.
func (bl *Block) Call(action string, args map[string]any) *CallBuilder {
	cb := &CallBuilder{stmt: &CallStmt{Action: action}}
	for _, name := range sortedNames(args) {
		cb.stmt.Kwargs = append(cb.stmt.Kwargs, Kwarg{Name: name, Value: args[name]})
	}
	bl.items = append(bl.items, cb)
	return cb
}

// If appends a conditional whose true branch is filled by then.
func (bl *Block) If(condition string, then func(*Block)) *IfBuilder {
	ib := &IfBuilder{condition: condition, then: fill(then)}
	bl.items = append(bl.items, ib)
	return ib
}

func (bl *Block) statements() []Statement {
	if bl == nil {
		return nil
	}
	out := make([]Statement, 0, len(bl.items))
	for _, it := range bl.items {
		out = append(out, it.statement())
	}
	return out
}

func fill(f func(*Block)) *Block {
	bl := &Block{}
	if f != nil {
		f(bl)
	}
	return bl
}

// CallBuilder configures a single call.
type CallBuilder struct {
	stmt *CallStmt
}

// Assign binds the result to a variable.
func (c *CallBuilder) Assign(target string) *CallBuilder {
	c.stmt.Targets = []string{target}
	return c
}

// RunAfter adds ordering-only dependencies.
func (c *CallBuilder) RunAfter(vars ...string) *CallBuilder {
	c.stmt.RunAfter = append(c.stmt.RunAfter, vars...)
	return c
}

// Secrets maps secret placeholders to secret names.
func (c *CallBuilder) Secrets(mapping map[string]string) *CallBuilder {
	if c.stmt.Secrets == nil {
		c.stmt.Secrets = make(map[string]string, len(mapping))
	}
	for k, v := range mapping {
		c.stmt.Secrets[k] = v
	}
	return c
}

func (c *CallBuilder) statement() Statement {
	s := *c.stmt
	s.Text = formatCall(&s)
	return &s
}

type elifClause struct {
	condition string
	then      *Block
}

// IfBuilder configures a conditional.
type IfBuilder struct {
	condition string
	then      *Block
	elifs     []elifClause
	els       *Block
}

// Elif adds an alternative branch.
func (i *IfBuilder) Elif(condition string, then func(*Block)) *IfBuilder {
	i.elifs = append(i.elifs, elifClause{condition: condition, then: fill(then)})
	return i
}

// Else sets the final branch.
func (i *IfBuilder) Else(f func(*Block)) *IfBuilder {
	i.els = fill(f)
	return i
}

func (i *IfBuilder) statement() Statement {
	tail := i.els.statements()
	for k := len(i.elifs) - 1; k >= 0; k-- {
		e := i.elifs[k]
		tail = []Statement{&IfStmt{
			Condition: e.condition,
			Then:      e.then.statements(),
			Else:      tail,
			Text:      "elif " + e.condition,
		}}
	}
	return &IfStmt{
		Condition: i.condition,
		Then:      i.then.statements(),
		Else:      tail,
		Text:      "if " + i.condition,
	}
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
