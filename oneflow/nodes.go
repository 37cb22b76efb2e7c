package oneflow

// This file defines the decoded job graph the converter consumes: the RawNode
// discriminated union and its role classification. Decoding the OneFlow wire format
// itself is the caller's job; the converter only ever sees these structs.

// NodeKind classifies the role a RawNode plays in the job graph.
type NodeKind int

const (
	// KindInvalid marks a RawNode with no payload set. New rejects these.
	KindInvalid NodeKind = iota
	// KindInput is a declared graph input (OneFlow input_conf).
	KindInput
	// KindParameter is a persisted parameter/variable (OneFlow variable_conf).
	KindParameter
	// KindOperator is an intermediate user operator (OneFlow user_conf).
	KindOperator
	// KindOutput is a declared graph output (OneFlow return_conf).
	KindOutput
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	switch k {
	case KindInput:
		return "Input"
	case KindParameter:
		return "Parameter"
	case KindOperator:
		return "Operator"
	case KindOutput:
		return "Output"
	default:
		return "Invalid"
	}
}

// RawNode is one node of the decoded job graph. Exactly one of the payload fields
// must be set; which one determines the node's Kind.
type RawNode struct {
	// Name is the node's unique name within the job.
	Name string

	Input    *InputConf
	Variable *VariableConf
	User     *UserConf
	Return   *ReturnConf
}

// Kind returns the node's role. It is a pure projection of which payload is set and
// never fails; a node with no payload (rejected at Model construction) reports
// KindInvalid.
func (n *RawNode) Kind() NodeKind {
	switch {
	case n.Input != nil:
		return KindInput
	case n.Variable != nil:
		return KindParameter
	case n.User != nil:
		return KindOperator
	case n.Return != nil:
		return KindOutput
	default:
		return KindInvalid
	}
}

// OutputPath returns the storage path under which downstream consumers reference this
// node's value. Only meaningful for inputs and parameters, whose single output blob
// is conventionally named "out".
func (n *RawNode) OutputPath() string {
	return n.Name + "/out"
}

// InputConf declares a graph input: its frozen shape and dtype.
type InputConf struct {
	Dims  []int
	DType DataType
}

// VariableConf declares a persisted parameter: the shape and dtype of the tensor
// stored in the checkpoint under this node's storage path.
type VariableConf struct {
	Dims  []int
	DType DataType
}

// ReturnConf declares a graph output: In is the storage path of the value returned.
type ReturnConf struct {
	In string
}

// Slot is one named input or output of an operator. The slot name is the operand's
// role tag (e.g. "in", "weight", "gamma", "moving_mean") and is the only sanctioned
// way to tell operands apart; converters must never infer roles from display names.
// A slot may carry several storage paths (e.g. concat's variadic "in").
type Slot struct {
	Name  string
	Paths []string
}

// UserConf is the payload of an intermediate operator node.
type UserConf struct {
	// OpType is the operator's type name ("conv2d", "bias_add", ...), the key into
	// the converter registry.
	OpType string
	// Inputs and Outputs are the named operand slots, in declaration order.
	Inputs  []Slot
	Outputs []Slot
	// Attrs is the raw, still-tagged attribute map.
	Attrs map[string]AttrValue
}

// InputSlot returns the input slot with the given role name, or nil.
func (u *UserConf) InputSlot(name string) *Slot {
	for ii := range u.Inputs {
		if u.Inputs[ii].Name == name {
			return &u.Inputs[ii]
		}
	}
	return nil
}

// outputPaths returns all declared output storage paths, flattened in slot order.
func (u *UserConf) outputPaths() []string {
	var paths []string
	for _, slot := range u.Outputs {
		paths = append(paths, slot.Paths...)
	}
	return paths
}

// inputPaths returns all declared input storage paths, flattened in slot order.
func (u *UserConf) inputPaths() []string {
	var paths []string
	for _, slot := range u.Inputs {
		paths = append(paths, slot.Paths...)
	}
	return paths
}
