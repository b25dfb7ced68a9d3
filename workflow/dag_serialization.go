package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DAGDefinition is the persisted form of a compiled workflow.
type DAGDefinition struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers    []string               `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	DAG         map[string]*NodeRecord `json:"dag" yaml:"dag"`
}

// NodeRecord is one persisted node, tagged by Type: "start", "if_condition"
// or the action type.
type NodeRecord struct {
	Type           string            `json:"type" yaml:"type"`
	Args           map[string]any    `json:"args,omitempty" yaml:"args,omitempty"`
	SecretsMapping map[string]string `json:"secrets_mapping,omitempty" yaml:"secrets_mapping,omitempty"`
	ResultVariable string            `json:"result_variable,omitempty" yaml:"result_variable,omitempty"`
	Children       []string          `json:"children,omitempty" yaml:"children,omitempty"`
	Condition      *ConditionRecord  `json:"condition,omitempty" yaml:"condition,omitempty"`
	ConditionText  string            `json:"condition_text,omitempty" yaml:"condition_text,omitempty"`
	TrueChildren   []string          `json:"true_children,omitempty" yaml:"true_children,omitempty"`
	FalseChildren  []string          `json:"false_children,omitempty" yaml:"false_children,omitempty"`
}

// ConditionRecord is the tagged persisted form of a Condition. Type is one
// of constant, unary, binary, and, or.
type ConditionRecord struct {
	Type   string             `json:"type" yaml:"type"`
	Value  any                `json:"value" yaml:"value"`
	Op     string             `json:"op,omitempty" yaml:"op,omitempty"`
	Expr   *ConditionRecord   `json:"expr,omitempty" yaml:"expr,omitempty"`
	Lhs    *ConditionRecord   `json:"lhs,omitempty" yaml:"lhs,omitempty"`
	Rhs    *ConditionRecord   `json:"rhs,omitempty" yaml:"rhs,omitempty"`
	Values []*ConditionRecord `json:"values,omitempty" yaml:"values,omitempty"`
}

const (
	condTypeConstant = "constant"
	condTypeUnary    = "unary"
	condTypeBinary   = "binary"
	condTypeAnd      = "and"
	condTypeOr       = "or"
)

// MarshalCondition converts a condition tree to its persisted form.
func MarshalCondition(c Condition) *ConditionRecord {
	switch n := c.(type) {
	case Constant:
		return &ConditionRecord{Type: condTypeConstant, Value: n.Value}
	case Unary:
		return &ConditionRecord{Type: condTypeUnary, Op: string(n.Op), Expr: MarshalCondition(n.Expr)}
	case Binary:
		return &ConditionRecord{Type: condTypeBinary, Op: string(n.Op), Lhs: MarshalCondition(n.Lhs), Rhs: MarshalCondition(n.Rhs)}
	case And:
		return &ConditionRecord{Type: condTypeAnd, Values: marshalConditions(n.Values)}
	case Or:
		return &ConditionRecord{Type: condTypeOr, Values: marshalConditions(n.Values)}
	default:
		return nil
	}
}

func marshalConditions(values []Condition) []*ConditionRecord {
	out := make([]*ConditionRecord, len(values))
	for i, v := range values {
		out[i] = MarshalCondition(v)
	}
	return out
}

// UnmarshalCondition rebuilds a condition tree from its persisted form.
func UnmarshalCondition(r *ConditionRecord) (Condition, error) {
	if r == nil {
		return nil, fmt.Errorf("condition record is nil")
	}
	switch r.Type {
	case condTypeConstant:
		return Constant{Value: NormalizeValue(r.Value)}, nil

	case condTypeUnary:
		switch op := UnaryOp(r.Op); op {
		case OpNot, OpIsNone, OpIsNotNone:
			expr, err := UnmarshalCondition(r.Expr)
			if err != nil {
				return nil, fmt.Errorf("unary %s: %w", op, err)
			}
			return Unary{Op: op, Expr: expr}, nil
		default:
			return nil, fmt.Errorf("invalid unary operator %q", r.Op)
		}

	case condTypeBinary:
		switch op := BinaryOp(r.Op); op {
		case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpIn:
			lhs, err := UnmarshalCondition(r.Lhs)
			if err != nil {
				return nil, fmt.Errorf("binary %s lhs: %w", op, err)
			}
			rhs, err := UnmarshalCondition(r.Rhs)
			if err != nil {
				return nil, fmt.Errorf("binary %s rhs: %w", op, err)
			}
			return Binary{Lhs: lhs, Op: op, Rhs: rhs}, nil
		default:
			return nil, fmt.Errorf("invalid binary operator %q", r.Op)
		}

	case condTypeAnd, condTypeOr:
		if len(r.Values) == 0 {
			return nil, fmt.Errorf("%s condition requires operands", r.Type)
		}
		values := make([]Condition, len(r.Values))
		for i, v := range r.Values {
			c, err := UnmarshalCondition(v)
			if err != nil {
				return nil, fmt.Errorf("%s operand %d: %w", r.Type, i, err)
			}
			values[i] = c
		}
		if r.Type == condTypeAnd {
			return And{Values: values}, nil
		}
		return Or{Values: values}, nil

	default:
		return nil, fmt.Errorf("invalid condition type %q", r.Type)
	}
}

// ToDefinition converts a graph to its persisted form.
func ToDefinition(dag *WorkflowDAG) *DAGDefinition {
	def := &DAGDefinition{
		Name:        dag.Name,
		Description: dag.Description,
		Triggers:    nonEmpty(dag.Triggers),
		DAG:         make(map[string]*NodeRecord, len(dag.Nodes)),
	}
	for id, node := range dag.Nodes {
		switch n := node.(type) {
		case *StartNode:
			def.DAG[id] = &NodeRecord{
				Type:           string(NodeTypeStart),
				ResultVariable: n.ResultVariable,
				Children:       nonEmpty(n.Children),
			}
		case *ActionNode:
			def.DAG[id] = &NodeRecord{
				Type:           n.ActionType,
				Args:           n.Args,
				SecretsMapping: n.SecretsMapping,
				ResultVariable: n.ResultVariable,
				Children:       nonEmpty(n.Children),
			}
		case *ConditionalNode:
			def.DAG[id] = &NodeRecord{
				Type:          string(NodeTypeCondition),
				Condition:     MarshalCondition(n.Condition),
				ConditionText: n.ConditionText,
				TrueChildren:  nonEmpty(n.TrueChildren),
				FalseChildren: nonEmpty(n.FalseChildren),
			}
		}
	}
	return def
}

// FromDefinition rebuilds and validates a graph from its persisted form.
func FromDefinition(def *DAGDefinition) (*WorkflowDAG, error) {
	if def == nil {
		return nil, fmt.Errorf("definition cannot be nil")
	}
	if def.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	dag := &WorkflowDAG{
		Name:        def.Name,
		Description: def.Description,
		Triggers:    nonEmpty(def.Triggers),
		Nodes:       make(map[string]Node, len(def.DAG)),
	}
	for id, rec := range def.DAG {
		if rec == nil {
			return nil, fmt.Errorf("node %s: record is nil", id)
		}
		switch rec.Type {
		case "":
			return nil, fmt.Errorf("node %s: type is required", id)

		case string(NodeTypeStart):
			if id != StartNodeID {
				return nil, fmt.Errorf("node %s: start record must use id %q", id, StartNodeID)
			}
			dag.Nodes[id] = &StartNode{ResultVariable: rec.ResultVariable, Children: nonEmpty(rec.Children)}

		case string(NodeTypeCondition):
			cond, err := UnmarshalCondition(rec.Condition)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", id, err)
			}
			dag.Nodes[id] = &ConditionalNode{
				ID:            id,
				Condition:     cond,
				ConditionText: rec.ConditionText,
				TrueChildren:  nonEmpty(rec.TrueChildren),
				FalseChildren: nonEmpty(rec.FalseChildren),
			}

		default:
			args, _ := NormalizeValue(rec.Args).(map[string]any)
			if args == nil {
				args = make(map[string]any)
			}
			var secrets map[string]string
			if len(rec.SecretsMapping) > 0 {
				secrets = rec.SecretsMapping
			}
			dag.Nodes[id] = &ActionNode{
				ID:             id,
				ActionType:     rec.Type,
				Args:           args,
				SecretsMapping: secrets,
				ResultVariable: rec.ResultVariable,
				Children:       nonEmpty(rec.Children),
			}
		}
	}
	if err := dag.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow graph: %w", err)
	}
	return dag, nil
}

// ToJSON encodes the definition as indented JSON.
func (d *DAGDefinition) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return data, nil
}

// ToYAML encodes the definition as YAML.
func (d *DAGDefinition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return data, nil
}

// ParseDefinitionJSON decodes a definition, keeping integers exact.
func ParseDefinitionJSON(data []byte) (*DAGDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var def DAGDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from JSON: %w", err)
	}
	def.normalize()
	return &def, nil
}

// ParseDefinitionYAML decodes a definition from YAML.
func ParseDefinitionYAML(data []byte) (*DAGDefinition, error) {
	var def DAGDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from YAML: %w", err)
	}
	def.normalize()
	return &def, nil
}

// LoadDefinitionFile reads a .json, .yaml or .yml definition file.
func LoadDefinitionFile(path string) (*DAGDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseDefinitionJSON(data)
	case ".yaml", ".yml":
		return ParseDefinitionYAML(data)
	default:
		return nil, fmt.Errorf("unsupported definition file extension %q", filepath.Ext(path))
	}
}

// SaveFile writes the definition in the format given by the file extension.
func (d *DAGDefinition) SaveFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = d.ToJSON()
	case ".yaml", ".yml":
		data, err = d.ToYAML()
	default:
		return fmt.Errorf("unsupported definition file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func (d *DAGDefinition) normalize() {
	for _, rec := range d.DAG {
		if rec == nil {
			continue
		}
		if rec.Args != nil {
			rec.Args, _ = NormalizeValue(rec.Args).(map[string]any)
		}
		normalizeConditionRecord(rec.Condition)
	}
}

func normalizeConditionRecord(r *ConditionRecord) {
	if r == nil {
		return
	}
	r.Value = NormalizeValue(r.Value)
	normalizeConditionRecord(r.Expr)
	normalizeConditionRecord(r.Lhs)
	normalizeConditionRecord(r.Rhs)
	for _, v := range r.Values {
		normalizeConditionRecord(v)
	}
}

// NormalizeValue maps decoded values onto one canonical representation so
// that structured round trips are lossless: integers become int64, integral
// floats become int64, other numbers float64, and containers become []any
// and map[string]any.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int64:
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return val.String()
	case float64:
		return normalizeFloat(val)
	case float32:
		return normalizeFloat(float64(val))
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return normalizeUnsigned(uint64(val))
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return normalizeUnsigned(val)
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = NormalizeValue(el)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = el
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, el := range val {
			out[k] = NormalizeValue(el)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, el := range val {
			out[k] = el
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, el := range val {
			out[fmt.Sprint(k)] = NormalizeValue(el)
		}
		return out
	default:
		return val
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 && !math.IsInf(f, 0) {
		return int64(f)
	}
	return f
}

func normalizeUnsigned(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return float64(u)
}

func nonEmpty(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	return list
}
