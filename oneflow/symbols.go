package oneflow

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"
)

// The symbol table bridges the gap between how an operator declares its inputs (by
// storage path) and how values get bound (by symbol name), across two sources:
// checkpoint parameters (materialized eagerly at Model construction, turned into
// graph variables lazily on first use) and intra-graph producer outputs (bound as
// each operator is converted).
//
// Operator outputs are named locally ("<node>-<slot>"), but the true cross-node link
// is the storage path that producer and consumer jointly reference. Model
// construction runs a pre-pass over all operators' declared input paths to build a
// path→name table before any conversion happens, so that when an operator is later
// converted its outputs can be bound under whatever name the consumer side already
// expects. That renaming is what stitches the graph together despite producer and
// consumer disagreeing on a tensor's name.

// outputRef is one declared operator output: its slot role and storage path.
type outputRef struct {
	slot string
	path string
}

// symbolTable is created fresh for each conversion run and discarded afterwards; it
// holds no cross-run state.
type symbolTable struct {
	g     *Graph
	model *Model

	// entries binds symbol names to IR values. Append-only: once bound, a name's
	// value never changes (SSA-like discipline).
	entries map[string]*Node
	// pathToSymbol binds each storage path to the symbol of its producer.
	pathToSymbol map[string]string
	// params maps the symbols of materialized parameters to their tensors.
	params map[string]*tensors.Tensor
	// varOrder records input-variable symbols (graph inputs and materialized
	// parameters) in creation order; primaryInputs marks which of them are declared
	// graph inputs.
	varOrder      []string
	primaryInputs map[string]bool
}

func newSymbolTable(m *Model, g *Graph) *symbolTable {
	return &symbolTable{
		g:             g,
		model:         m,
		entries:       make(map[string]*Node),
		pathToSymbol:  make(map[string]string),
		params:        make(map[string]*tensors.Tensor),
		primaryInputs: make(map[string]bool),
	}
}

// bind registers symbol as the producer of path. Binding the same path to the same
// symbol twice is idempotent; binding it to a different symbol throws
// DuplicateBindingError. Rebinding an existing symbol to a different value is an
// internal invariant violation, not a graph error.
func (st *symbolTable) bind(path, symbol string, value *Node) {
	if existing, found := st.pathToSymbol[path]; found {
		if existing == symbol {
			return
		}
		panic(&DuplicateBindingError{Path: path, Existing: existing, Symbol: symbol})
	}
	if _, found := st.entries[symbol]; found {
		exceptions.Panicf("symbol %q bound twice within one conversion run", symbol)
	}
	st.pathToSymbol[path] = symbol
	st.entries[symbol] = value
}

// bindInputVariable creates and binds the graph-input variable for an input node.
func (st *symbolTable) bindInputVariable(node *RawNode, value *Node) {
	st.bind(node.OutputPath(), node.Name, value)
	st.varOrder = append(st.varOrder, node.Name)
	st.primaryInputs[node.Name] = true
}

// resolveSlot resolves one named input slot of an operator to its IR values, one per
// storage path the slot carries.
func (st *symbolTable) resolveSlot(op *RawNode, slot Slot) []*Node {
	values := make([]*Node, 0, len(slot.Paths))
	for _, path := range slot.Paths {
		values = append(values, st.resolvePath(op, slot.Name, path))
	}
	return values
}

func (st *symbolTable) resolvePath(op *RawNode, slotName, path string) *Node {
	if symbol, found := st.pathToSymbol[path]; found {
		return st.entries[symbol]
	}
	// A checkpoint parameter: materialize a fresh input variable backed by the
	// parameter's shape/dtype. Memoized by path via the bind inside.
	if tensor, found := st.model.paramTensors[path]; found {
		symbol := st.model.pathToConsumerName[path]
		if symbol == "" {
			symbol = fmt.Sprintf("%s-%s", op.Name, slotName)
		}
		return st.materializeParam(path, symbol, tensor)
	}
	panic(&UnboundReferenceError{Node: op.Name, Slot: slotName, Path: path})
}

// materializeParam turns one checkpoint parameter into a graph input variable and
// records its feed tensor.
func (st *symbolTable) materializeParam(path, symbol string, tensor *tensors.Tensor) *Node {
	value := Parameter(st.g, SafeVarName(symbol), tensor.Shape())
	st.bind(path, symbol, value)
	st.params[symbol] = tensor
	st.varOrder = append(st.varOrder, symbol)
	return value
}

// recordOutputs binds each declared output path of op to its produced value. The
// symbol preferred is the consumer-side name from the construction-time pre-pass;
// only the path identifies a tensor across the producer/consumer boundary, so the
// producer's local "<node>-<slot>" name is used only when the path feeds a declared
// graph output and no operator consumes it. A path nothing references is logged and
// omitted (see DESIGN.md on this deliberate asymmetry with fatal unresolved inputs).
func (st *symbolTable) recordOutputs(op *RawNode, refs []outputRef, produced []*Node) {
	for ii, ref := range refs {
		symbol, found := st.model.pathToConsumerName[ref.path]
		if !found {
			if !st.model.returnPaths[ref.path] {
				klog.Warningf("output %q of node %q (path %q) is not consumed anywhere; dropping it",
					ref.slot, op.Name, ref.path)
				continue
			}
			symbol = fmt.Sprintf("%s-%s", op.Name, ref.slot)
		}
		st.bind(ref.path, symbol, produced[ii])
	}
}

// resolveOutput returns the value bound to a declared graph-output path. A parameter
// returned directly, with no operator in between, is a valid (if odd) graph and
// materializes here; a path nothing in the job produces is a malformed graph, the
// output-side counterpart of UnboundReference.
func (st *symbolTable) resolveOutput(node *RawNode) *Node {
	path := node.Return.In
	if symbol, found := st.pathToSymbol[path]; found {
		return st.entries[symbol]
	}
	if tensor, found := st.model.paramTensors[path]; found {
		symbol := st.model.pathToConsumerName[path]
		if symbol == "" {
			symbol = node.Name
		}
		return st.materializeParam(path, symbol, tensor)
	}
	panic(&MalformedGraphError{FreeSymbols: []string{path}})
}
