package oneflow

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"k8s.io/klog/v2"
)

// The assembler: drives a full conversion run over a Model, in six phases.
//
//  1. Declare the primary graph inputs as variables.
//  2. Validate converter coverage over every operator, before converting anything.
//  3. Convert the operators, in dependency order.
//  4. Resolve the declared graph outputs.
//  5. Check the outputs' transitive dependencies are all accounted for.
//  6. Order the input variables (primary inputs first, then parameters in
//     first-use order) and hand back the function signature.
//
// Each run gets a fresh symbol table and registry; a Model can build into any number
// of graphs, sequentially.

// BuildGraph builds m's computation into g, returning the graph's input variables in
// feed order followed by its output value(s). After it returns, Model.Params gives
// the tensor to feed for each non-primary input.
//
// Any conversion failure surfaces here as an error; the typed errors of errors.go can
// be picked out of the chain with errors.As.
func (m *Model) BuildGraph(g *Graph) (inputs, outputs []*Node, err error) {
	err = exceptions.TryCatch[error](func() {
		inputs, outputs = m.buildGraph(g)
	})
	if err != nil {
		return nil, nil, err
	}
	return
}

func (m *Model) buildGraph(g *Graph) (inputs, outputs []*Node) {
	st := newSymbolTable(m, g)
	reg := newRegistry()

	// Phase 1: primary inputs.
	for _, node := range m.nodes {
		if node.Kind() != KindInput {
			continue
		}
		shape, found := m.inputOverrides[node.Name]
		if !found {
			dtype, err := dtypeForOneFlow(node.Input.DType)
			if err != nil {
				exceptions.Panicf("input %q: %v", node.Name, err)
			}
			shape = shapes.Make(dtype, node.Input.Dims...)
		}
		st.bindInputVariable(node, Parameter(g, SafeVarName(node.Name), shape))
	}

	// Phase 2: coverage. All unsupported operator types are reported together, so
	// one failed conversion attempt tells the whole story.
	m.validateCoverage(reg)

	// Phase 3: operators.
	for _, node := range m.sortedOperators() {
		m.convertOperator(st, reg, g, node)
	}

	// Phase 4: declared outputs.
	for _, node := range m.nodes {
		if node.Kind() == KindOutput {
			outputs = append(outputs, st.resolveOutput(node))
		}
	}

	// Phase 5: free-variable check over the raw graph.
	m.checkOutputClosure()

	// Phase 6: input ordering.
	for _, symbol := range st.varOrder {
		if st.primaryInputs[symbol] {
			inputs = append(inputs, st.entries[symbol])
		}
	}
	for _, symbol := range st.varOrder {
		if !st.primaryInputs[symbol] {
			inputs = append(inputs, st.entries[symbol])
		}
	}
	m.params = st.params
	return
}

// validateCoverage throws UnsupportedOperatorError listing every operator type in the
// job with no registered converter, sorted and de-duplicated.
func (m *Model) validateCoverage(reg *registry) {
	var missing []string
	seen := make(map[string]bool)
	for _, node := range m.nodes {
		if node.Kind() != KindOperator {
			continue
		}
		opType := node.User.OpType
		if seen[opType] || reg.supports(opType) {
			continue
		}
		seen[opType] = true
		missing = append(missing, opType)
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		panic(&UnsupportedOperatorError{OpTypes: missing})
	}
}

// sortedOperators returns the operator nodes in an order where every operator comes
// after the producers of all its inputs. Declaration order is not trusted: exported
// jobs routinely list consumers before producers. Ties keep declaration order, so
// the result is deterministic.
func (m *Model) sortedOperators() []*RawNode {
	available := make(map[string]bool)
	for _, node := range m.nodes {
		switch node.Kind() {
		case KindInput, KindParameter:
			available[node.OutputPath()] = true
		}
	}

	var remaining []*RawNode
	for _, node := range m.nodes {
		if node.Kind() == KindOperator {
			remaining = append(remaining, node)
		}
	}

	sorted := make([]*RawNode, 0, len(remaining))
	for len(remaining) > 0 {
		progressed := false
		var stuck []*RawNode
		for _, node := range remaining {
			ready := true
			for _, path := range node.User.inputPaths() {
				if !available[path] {
					ready = false
					break
				}
			}
			if !ready {
				stuck = append(stuck, node)
				continue
			}
			sorted = append(sorted, node)
			for _, path := range node.User.outputPaths() {
				available[path] = true
			}
			progressed = true
		}
		if !progressed {
			// A cycle, or a reference nothing produces. Report the first missing
			// edge of the first stuck node.
			node := stuck[0]
			for _, slot := range node.User.Inputs {
				for _, path := range slot.Paths {
					if !available[path] {
						panic(&UnboundReferenceError{Node: node.Name, Slot: slot.Name, Path: path})
					}
				}
			}
		}
		remaining = stuck
	}
	return sorted
}

// convertOperator lowers one operator node and binds its outputs.
func (m *Model) convertOperator(st *symbolTable, reg *registry, g *Graph, node *RawNode) {
	opType := node.User.OpType
	klog.V(2).Infof("converting node %q (%s)", node.Name, opType)

	attrs, err := parseAttributes(opType, node.User.Attrs)
	if err != nil {
		panic(err)
	}
	inputs := newOpInputs(opType)
	for _, slot := range node.User.Inputs {
		inputs.add(slot.Name, st.resolveSlot(node, slot))
	}

	produced := reg.convert(opType, g, inputs, attrs, st.params)

	refs := make([]outputRef, 0, len(node.User.Outputs))
	for _, slot := range node.User.Outputs {
		for _, path := range slot.Paths {
			refs = append(refs, outputRef{slot: slot.Name, path: path})
		}
	}
	// Trim training-only output slots the converter legitimately does not produce.
	if aux := auxiliaryOutputSlots[opType]; aux != nil && len(produced) < len(refs) {
		trimmed := refs[:0]
		for _, ref := range refs {
			if !aux[ref.slot] {
				trimmed = append(trimmed, ref)
			}
		}
		refs = trimmed
	}
	if len(refs) != len(produced) {
		panic(&OutputCountMismatchError{
			Node: node.Name, OpType: opType,
			Declared: len(refs), Produced: len(produced),
		})
	}
	st.recordOutputs(node, refs, produced)
}

// checkOutputClosure walks the raw graph backward from the declared outputs and
// throws MalformedGraphError if any transitive dependency is neither a declared
// input, a checkpoint parameter, nor some operator's output.
func (m *Model) checkOutputClosure() {
	producers := make(map[string]*RawNode)
	for _, node := range m.nodes {
		switch node.Kind() {
		case KindInput, KindParameter:
			producers[node.OutputPath()] = node
		case KindOperator:
			for _, path := range node.User.outputPaths() {
				producers[path] = node
			}
		}
	}

	var pending []string
	for _, node := range m.nodes {
		if node.Kind() == KindOutput {
			pending = append(pending, node.Return.In)
		}
	}
	visited := make(map[string]bool)
	var free []string
	for len(pending) > 0 {
		path := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if visited[path] {
			continue
		}
		visited[path] = true
		producer, found := producers[path]
		if !found {
			free = append(free, path)
			continue
		}
		if producer.Kind() == KindOperator {
			pending = append(pending, producer.User.inputPaths()...)
		}
	}
	if len(free) > 0 {
		slices.Sort(free)
		panic(&MalformedGraphError{FreeSymbols: free})
	}
}
