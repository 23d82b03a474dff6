package graph

import (
	"fmt"
	"strings"

	"github.com/born-ml/graphlower/internal/tensor"
)

// TensorID identifies a tensor in the graph tensor table.
type TensorID int

// NoTensor marks an empty tensor slot.
const NoTensor TensorID = -1

// NodeID identifies a node within its graph.
type NodeID int

// Kind is the operator kind tag of a node.
type Kind string

// Node is an operator instance.
//
// A node only references tensors by id; the graph tensor table owns them.
// Composite nodes additionally own a Workspace holding the primitive nodes
// and tensors their setup produced.
type Node struct {
	ID      NodeID
	UID     uint32 // caller-visible identity, used to enable adapters
	Kind    Kind
	Name    string
	Inputs  []TensorID
	Outputs []TensorID

	// Param holds operator-specific parameters.
	Param any

	// State holds per-instance scratch allocated by the Init hook.
	State any

	graph *Graph
	owner *Node
	ws    *Workspace
}

// Graph returns the graph the node belongs to.
func (n *Node) Graph() *Graph {
	return n.graph
}

// Owner returns the composite node that created n, or nil for top-level nodes.
func (n *Node) Owner() *Node {
	return n.owner
}

// Internal reports whether n was created inside a workspace.
func (n *Node) Internal() bool {
	return n.owner != nil
}

// Workspace returns the node's workspace, creating it on first use.
func (n *Node) Workspace() *Workspace {
	if n.ws == nil {
		n.ws = &Workspace{owner: n}
	}
	return n.ws
}

// Composite reports whether the node's setup produced internal nodes.
func (n *Node) Composite() bool {
	return n.ws != nil && len(n.ws.nodes) > 0
}

// Input returns the tensor in input slot i, or nil when the slot is empty.
func (n *Node) Input(i int) *tensor.Tensor {
	if i < 0 || i >= len(n.Inputs) {
		return nil
	}
	return n.graph.Tensor(n.Inputs[i])
}

// Output returns the tensor in output slot i, or nil when the slot is empty.
func (n *Node) Output(i int) *tensor.Tensor {
	if i < 0 || i >= len(n.Outputs) {
		return nil
	}
	return n.graph.Tensor(n.Outputs[i])
}

// ReplaceInput repoints the first input slot holding old to repl.
func (n *Node) ReplaceInput(old, repl TensorID) bool {
	for i, id := range n.Inputs {
		if id == old {
			n.Inputs[i] = repl
			return true
		}
	}
	return false
}

// ReplaceOutput repoints the first output slot holding old to repl.
func (n *Node) ReplaceOutput(old, repl TensorID) bool {
	for i, id := range n.Outputs {
		if id == old {
			n.Outputs[i] = repl
			return true
		}
	}
	return false
}

// Label returns the node name, or kind#id when unnamed.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return fmt.Sprintf("%s#%d", n.Kind, n.ID)
}

// String returns a one-line description such as "Concat#3 [4 5] -> [6]".
func (n *Node) String() string {
	var sb strings.Builder
	sb.WriteString(n.Label())
	sb.WriteString(" ")
	writeIDs(&sb, n.Inputs)
	sb.WriteString(" -> ")
	writeIDs(&sb, n.Outputs)
	return sb.String()
}

func writeIDs(sb *strings.Builder, ids []TensorID) {
	sb.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if id == NoTensor {
			sb.WriteByte('-')
			continue
		}
		fmt.Fprintf(sb, "%d", id)
	}
	sb.WriteByte(']')
}

func emptySlots(n int) []TensorID {
	slots := make([]TensorID, n)
	for i := range slots {
		slots[i] = NoTensor
	}
	return slots
}
