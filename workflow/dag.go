package workflow

import (
	"fmt"
	"sort"
)

// StartNodeID is the fixed id of the entry node of every workflow graph.
const StartNodeID = "start"

// NodeType tags a node in the graph and in its persisted record.
type NodeType string

const (
	// NodeTypeStart is the implicit producer of the input payload
	NodeTypeStart NodeType = "start"
	// NodeTypeCondition performs conditional branching
	NodeTypeCondition NodeType = "if_condition"
	// NodeTypeAction invokes a registered action
	NodeTypeAction NodeType = "action"
)

// EdgeKind identifies the outgoing list an edge belongs to.
type EdgeKind string

const (
	// EdgeNext is the single outgoing list of start and action nodes
	EdgeNext EdgeKind = "next"
	// EdgeTrue is followed when a condition evaluates true
	EdgeTrue EdgeKind = "true"
	// EdgeFalse is followed when a condition evaluates false
	EdgeFalse EdgeKind = "false"
)

// Producer is a (node, edge kind) pair recording which outgoing list of a
// node delivers a value or completion signal.
type Producer struct {
	NodeID string   `json:"node_id" yaml:"node_id"`
	Edge   EdgeKind `json:"edge" yaml:"edge"`
}

func (p Producer) String() string {
	return p.NodeID + ":" + string(p.Edge)
}

// Node is a vertex of a workflow graph. Implementations are StartNode,
// ActionNode and ConditionalNode.
type Node interface {
	NodeID() string
	Type() NodeType
	// Successors returns the children reached through the given edge kind.
	Successors(kind EdgeKind) []string
	// EdgeKinds lists the outgoing lists the node carries.
	EdgeKinds() []EdgeKind
	node()
}

// StartNode produces the workflow input and stores it under ResultVariable.
type StartNode struct {
	ResultVariable string
	Children       []string
}

func (n *StartNode) NodeID() string        { return StartNodeID }
func (n *StartNode) Type() NodeType        { return NodeTypeStart }
func (n *StartNode) EdgeKinds() []EdgeKind { return []EdgeKind{EdgeNext} }
func (n *StartNode) node()                 {}

func (n *StartNode) Successors(kind EdgeKind) []string {
	if kind == EdgeNext {
		return n.Children
	}
	return nil
}

// ActionNode invokes a registered action with templated arguments.
type ActionNode struct {
	ID         string
	ActionType string
	Args       map[string]any
	// SecretsMapping binds each secret placeholder the action declares to a
	// secret name in the secret store.
	SecretsMapping map[string]string
	// ResultVariable is empty when the call result is discarded.
	ResultVariable string
	Children       []string
}

func (n *ActionNode) NodeID() string        { return n.ID }
func (n *ActionNode) Type() NodeType        { return NodeTypeAction }
func (n *ActionNode) EdgeKinds() []EdgeKind { return []EdgeKind{EdgeNext} }
func (n *ActionNode) node()                 {}

func (n *ActionNode) Successors(kind EdgeKind) []string {
	if kind == EdgeNext {
		return n.Children
	}
	return nil
}

// ConditionalNode evaluates Condition and follows exactly one of its two
// outgoing lists.
type ConditionalNode struct {
	ID            string
	Condition     Condition
	ConditionText string
	TrueChildren  []string
	FalseChildren []string
}

func (n *ConditionalNode) NodeID() string        { return n.ID }
func (n *ConditionalNode) Type() NodeType        { return NodeTypeCondition }
func (n *ConditionalNode) EdgeKinds() []EdgeKind { return []EdgeKind{EdgeTrue, EdgeFalse} }
func (n *ConditionalNode) node()                 {}

func (n *ConditionalNode) Successors(kind EdgeKind) []string {
	switch kind {
	case EdgeTrue:
		return n.TrueChildren
	case EdgeFalse:
		return n.FalseChildren
	default:
		return nil
	}
}

// Edge is a directed edge between two nodes.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// WorkflowDAG is a compiled workflow. It is immutable once built.
type WorkflowDAG struct {
	// ID identifies the stored definition the graph was loaded from, empty
	// for ad-hoc graphs.
	ID          string
	Name        string
	Description string
	Triggers    []string
	Nodes       map[string]Node
}

// Start returns the entry node, or nil when the graph has none.
func (d *WorkflowDAG) Start() *StartNode {
	n, ok := d.Nodes[StartNodeID].(*StartNode)
	if !ok {
		return nil
	}
	return n
}

// Node returns the node with the given id.
func (d *WorkflowDAG) Node(id string) (Node, bool) {
	n, ok := d.Nodes[id]
	return n, ok
}

// NodeIDs returns all node ids sorted.
func (d *WorkflowDAG) NodeIDs() []string {
	ids := make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges lists every edge, ordered by source id, edge kind and child position.
func (d *WorkflowDAG) Edges() []Edge {
	var edges []Edge
	for _, id := range d.NodeIDs() {
		n := d.Nodes[id]
		for _, kind := range n.EdgeKinds() {
			for _, child := range n.Successors(kind) {
				edges = append(edges, Edge{From: id, To: child, Kind: kind})
			}
		}
	}
	return edges
}

// InDegrees counts the incoming edges of every node.
func (d *WorkflowDAG) InDegrees() map[string]int {
	in := make(map[string]int, len(d.Nodes))
	for id := range d.Nodes {
		in[id] = 0
	}
	for _, e := range d.Edges() {
		in[e.To]++
	}
	return in
}

// Reachable reports whether target is reachable from the children of
// from selected by kind. A node is not reachable from itself.
func (d *WorkflowDAG) Reachable(from Producer, target string) bool {
	n, ok := d.Nodes[from.NodeID]
	if !ok {
		return false
	}
	return reachableFrom(d.Nodes, n.Successors(from.Edge), target)
}

func reachableFrom(nodes map[string]Node, roots []string, target string) bool {
	visited := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == target {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		n, ok := nodes[id]
		if !ok {
			continue
		}
		for _, kind := range n.EdgeKinds() {
			queue = append(queue, n.Successors(kind)...)
		}
	}
	return false
}

// Validate checks the structural invariants of the graph.
func (d *WorkflowDAG) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow %q has no nodes", d.Name)
	}
	if d.Start() == nil {
		return fmt.Errorf("workflow %q has no start node", d.Name)
	}

	for _, id := range d.NodeIDs() {
		n := d.Nodes[id]
		if n == nil {
			return fmt.Errorf("node %q is nil", id)
		}
		if n.NodeID() != id {
			return fmt.Errorf("node id %q does not match key %q", n.NodeID(), id)
		}
		if id != StartNodeID && n.Type() == NodeTypeStart {
			return fmt.Errorf("node %q is a second start node", id)
		}
		if err := validateNode(n); err != nil {
			return err
		}
		for _, kind := range n.EdgeKinds() {
			seen := make(map[string]bool)
			for _, child := range n.Successors(kind) {
				if _, ok := d.Nodes[child]; !ok {
					return fmt.Errorf("node %q references non-existent child %q", id, child)
				}
				if seen[child] {
					return fmt.Errorf("node %q lists child %q twice on %s edge", id, child, kind)
				}
				seen[child] = true
			}
		}
		if c, ok := n.(*ConditionalNode); ok {
			trueSet := make(map[string]bool, len(c.TrueChildren))
			for _, child := range c.TrueChildren {
				trueSet[child] = true
			}
			for _, child := range c.FalseChildren {
				if trueSet[child] {
					return fmt.Errorf("conditional %q lists child %q on both branches", id, child)
				}
			}
		}
	}

	for id, deg := range d.InDegrees() {
		if id == StartNodeID && deg != 0 {
			return fmt.Errorf("start node has %d incoming edges", deg)
		}
		if id != StartNodeID && deg == 0 {
			return fmt.Errorf("node %q has no incoming edges", id)
		}
	}

	return d.detectCycles()
}

func validateNode(n Node) error {
	switch v := n.(type) {
	case *StartNode:
		return nil
	case *ActionNode:
		if v.ActionType == "" {
			return fmt.Errorf("action node %q has no action type", v.ID)
		}
	case *ConditionalNode:
		if v.Condition == nil {
			return fmt.Errorf("conditional node %q has no condition", v.ID)
		}
	default:
		return fmt.Errorf("node %q has unsupported type %T", n.NodeID(), n)
	}
	return nil
}

// detectCycles runs a DFS with a recursion stack over every node.
func (d *WorkflowDAG) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		n := d.Nodes[id]
		for _, kind := range n.EdgeKinds() {
			for _, child := range n.Successors(kind) {
				if !visited[child] {
					if err := visit(child, path); err != nil {
						return err
					}
				} else if recStack[child] {
					return fmt.Errorf("cycle detected: %v -> %s", path, child)
				}
			}
		}

		recStack[id] = false
		return nil
	}

	for _, id := range d.NodeIDs() {
		if !visited[id] {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
