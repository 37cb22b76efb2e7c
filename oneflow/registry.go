package oneflow

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
)

// Converter builds the GoMLX value(s) of one operator. It must be a pure function of
// its arguments: the resolved input values, the normalized attributes, and the
// materialized parameter store (symbol → tensor). It returns one node per declared
// output of the operator.
type Converter func(g *Graph, inputs *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node

// opInputs is role-tagged access to an operator's resolved inputs. Roles are the
// declared slot names, which travel with the graph; they are the only way converters
// tell operands apart.
type opInputs struct {
	op     string
	roles  []string
	bySlot map[string][]*Node
}

func newOpInputs(op string) *opInputs {
	return &opInputs{op: op, bySlot: make(map[string][]*Node)}
}

func (in *opInputs) add(role string, values []*Node) {
	if _, found := in.bySlot[role]; !found {
		in.roles = append(in.roles, role)
	}
	in.bySlot[role] = append(in.bySlot[role], values...)
}

// Get returns the single value of the given role, or nil when the slot is absent.
func (in *opInputs) Get(role string) *Node {
	values := in.bySlot[role]
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

// MustGet returns the single value of the given role, panicking if absent.
func (in *opInputs) MustGet(role string) *Node {
	value := in.Get(role)
	if value == nil {
		exceptions.Panicf("operator %q is missing required input slot %q", in.op, role)
	}
	return value
}

// All returns every value of a (possibly variadic) role.
func (in *opInputs) All(role string) []*Node {
	return in.bySlot[role]
}

// Flat returns all values in slot declaration order.
func (in *opInputs) Flat() []*Node {
	var values []*Node
	for _, role := range in.roles {
		values = append(values, in.bySlot[role]...)
	}
	return values
}

// registry is the operator-converter dispatch table of one conversion run. It is
// built by newRegistry, passed into the assembler, and never mutated afterwards;
// there is no process-wide converter state.
type registry struct {
	converters map[string]Converter
	// identity holds the pass-through set: operators whose GoMLX equivalent is a
	// single op applied to the single input, needing no attribute work.
	identity map[string]func(*Node) *Node
}

// supports reports whether opType has a converter or an identity mapping.
func (r *registry) supports(opType string) bool {
	if _, found := r.converters[opType]; found {
		return true
	}
	_, found := r.identity[opType]
	return found
}

// convert dispatches opType. Coverage is validated before conversion starts, so a
// miss here is an internal error.
func (r *registry) convert(opType string, g *Graph, inputs *opInputs, attrs Attributes,
	params map[string]*tensors.Tensor) []*Node {
	if converter, found := r.converters[opType]; found {
		return converter(g, inputs, attrs, params)
	}
	if fn, found := r.identity[opType]; found {
		return []*Node{fn(inputs.MustGet("x"))}
	}
	exceptions.Panicf("operator %q reached conversion without a registered converter", opType)
	panic(nil) // for lint benefit.
}

// opTypes returns all supported operator type names, sorted.
func (r *registry) opTypes() []string {
	names := slices.Collect(maps.Keys(r.converters))
	names = append(names, slices.Collect(maps.Keys(r.identity))...)
	slices.Sort(names)
	return names
}

// newRegistry builds the converter table. Families are parameterized variants of
// shared constructors (binary broadcast, conv, pool, reduction) rather than
// per-operator types.
func newRegistry() *registry {
	return &registry{
		identity: map[string]func(*Node) *Node{
			"abs":      Abs,
			"ceil":     Ceil,
			"cos":      Cos,
			"erf":      Erf,
			"exp":      Exp,
			"floor":    Floor,
			"log":      Log,
			"negative": Neg,
			"round":    Round,
			"sigmoid":  Logistic,
			"sign":     Sign,
			"sin":      Sin,
			"sqrt":     Sqrt,
			"tanh":     Tanh,
		},
		converters: map[string]Converter{
			// Elementwise / broadcast family.
			"bias_add":      convertBiasAdd,
			"broadcast_add": binaryConverter(Add),
			"broadcast_sub": binaryConverter(Sub),
			"broadcast_mul": binaryConverter(Mul),
			"broadcast_div": binaryConverter(Div),
			"broadcast_pow": binaryConverter(Pow),
			"multiply":      binaryConverter(Mul),
			"add_n":         convertAddN,
			"scalar_add":    scalarConverter(AddScalar),
			"scalar_mul":    scalarConverter(MulScalar),

			// Convolution / pooling family.
			"conv1d":      convConverter(1),
			"conv2d":      convConverter(2),
			"max_pool_2d": poolConverter(poolMax),
			"avg_pool_2d": poolConverter(poolAvg),

			// Reduction family: uniform {axis, keepdims} contract.
			"reduce_sum":  reductionConverter(ReduceSum, ReduceAllSum),
			"reduce_max":  reductionConverter(ReduceMax, ReduceAllMax),
			"reduce_min":  reductionConverter(ReduceMin, ReduceAllMin),
			"reduce_mean": reductionConverter(ReduceMean, ReduceAllMean),

			// Normalization family.
			"normalization": convertBatchNorm,
			"layer_norm":    convertLayerNorm,

			// Shape-rewrite family. Attribute contracts, one per op:
			//   reshape:            shape []int (-1 infers one axis)
			//   flatten:            start_dim=1, end_dim=-1
			//   expand_dims:        axis
			//   squeeze:            axes (default: all unit axes)
			//   slice:              start, stop, step (per axis; negative indexes from the end)
			//   concat:             axis
			//   split:              axis, split_sizes
			//   expand:             expand_shape
			//   one_hot:            depth, floating_on_value=1, floating_off_value=0, dtype
			"reshape":     convertReshape,
			"flatten":     convertFlatten,
			"expand_dims": convertExpandDims,
			"squeeze":     convertSqueeze,
			"slice":       convertSlice,
			"concat":      convertConcat,
			"split":       convertSplit,
			"expand":      convertExpand,
			"one_hot":     convertOneHot,

			// Spatial resize.
			"upsample_nearest_2d": convertUpsampleNearest2D,

			// Dense / activation / misc.
			"matmul":      convertMatMul,
			"softmax":     convertSoftmax,
			"log_softmax": convertLogSoftmax,
			"relu":        convertRelu,
			"gelu":        convertGelu,
			"leaky_relu":  convertLeakyRelu,
			"softplus":    convertSoftplus,
			"dropout":     convertDropout,
		},
	}
}

// auxiliaryOutputSlots lists, per operator type, declared output slots that exist
// only for training bookkeeping and are never produced at inference (e.g. dropout's
// random mask). They are trimmed from the declared outputs before the produced-count
// check.
var auxiliaryOutputSlots = map[string]map[string]bool{
	"dropout":       {"mask": true},
	"normalization": {"mean": true, "inv_variance": true},
	"layer_norm":    {"mean": true, "inv_variance": true},
}
