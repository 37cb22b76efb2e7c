package oneflow

import (
	"strings"

	"github.com/gomlx/gomlx/ml/context"
)

// ModelScope is the context scope under which VariablesToContext creates the model's
// parameter variables.
var ModelScope = "OneFlow"

// SafeVarName converts an OneFlow node/symbol name to a GoMLX safe variable name by
// replacing the scope separator with a "|".
func SafeVarName(name string) string {
	return strings.ReplaceAll(name, context.ScopeSeparator, "|")
}

// VariablesToContext creates a context variable (within scope ModelScope) for every
// checkpoint parameter of the model, keyed by its storage path. Use this instead of
// feeding Model.Params when the parameters should live in a context, e.g. for
// fine-tuning; load from your own checkpoint instead if you already saved one.
func (m *Model) VariablesToContext(ctx *context.Context) error {
	ctx = ctx.In(ModelScope).Checked(false)
	for _, node := range m.nodes {
		if node.Kind() != KindParameter {
			continue
		}
		tensor, found := m.paramTensors[node.OutputPath()]
		if !found {
			continue
		}
		ctx.VariableWithValue(SafeVarName(node.Name), tensor)
	}
	return nil
}
