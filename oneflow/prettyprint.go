package oneflow

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gomlx/types/shapes"
)

// String implements fmt.Stringer, and pretty prints job information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("OneFlow Job:\n")
	w("\t# nodes:\t%d\n", len(m.nodes))

	var inputs, params, outputs int
	opTypesSet := types.MakeSet[string]()
	for _, node := range m.nodes {
		switch node.Kind() {
		case KindInput:
			inputs++
		case KindParameter:
			params++
		case KindOperator:
			opTypesSet.Insert(node.User.OpType)
		case KindOutput:
			outputs++
		}
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypesSet)))

	w("\tInputs (%d):\n", inputs)
	for _, node := range m.nodes {
		if node.Kind() != KindInput {
			continue
		}
		shape := m.inputShape(node)
		w("\t\t%s:\t%s\n", node.Name, shape)
	}
	w("\t# parameters:\t%d\n", params)
	w("\tOutputs (%d):\n", outputs)
	for _, node := range m.nodes {
		if node.Kind() != KindOutput {
			continue
		}
		w("\t\t%s <- %s\n", node.Name, node.Return.In)
	}
	return buf.String()
}

// inputShape resolves an input node's effective shape, overrides applied. Falls back
// to an invalid shape when the declared dtype is unknown, so String never fails.
func (m *Model) inputShape(node *RawNode) shapes.Shape {
	if shape, found := m.inputOverrides[node.Name]; found {
		return shape
	}
	dtype, err := dtypeForOneFlow(node.Input.DType)
	if err != nil {
		return shapes.Shape{}
	}
	return shapes.Make(dtype, node.Input.Dims...)
}
