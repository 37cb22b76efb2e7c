package oneflow

import (
	"testing"

	"github.com/gomlx/exceptions"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Node builders shared by the package tests.

func inputNode(name string, dtype DataType, dims ...int) *RawNode {
	return &RawNode{Name: name, Input: &InputConf{Dims: dims, DType: dtype}}
}

func paramNode(name string, dims ...int) *RawNode {
	return &RawNode{Name: name, Variable: &VariableConf{Dims: dims, DType: DataTypeFloat}}
}

func returnNode(name, in string) *RawNode {
	return &RawNode{Name: name, Return: &ReturnConf{In: in}}
}

func opNode(name, opType string, inputs, outputs []Slot, attrs map[string]AttrValue) *RawNode {
	return &RawNode{Name: name, User: &UserConf{
		OpType: opType, Inputs: inputs, Outputs: outputs, Attrs: attrs,
	}}
}

func slot(name string, paths ...string) Slot {
	return Slot{Name: name, Paths: paths}
}

// memStore is an in-memory ParamStore for tests.
type memStore map[string]*tensors.Tensor

func (s memStore) Has(path string) bool {
	_, found := s[path]
	return found
}

func (s memStore) Materialize(path string, shape shapes.Shape) (*tensors.Tensor, error) {
	tensor, found := s[path]
	if !found {
		return nil, errors.Errorf("no tensor stored under %q", path)
	}
	return tensor, nil
}

// buildModelGraph converts nodes into a fresh graph, failing the test on error.
func buildModelGraph(t *testing.T, nodes []*RawNode, store ParamStore) (*Model, *Graph, []*Node, []*Node) {
	m, err := New(nodes, store)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	inputs, outputs, err := m.BuildGraph(g)
	require.NoError(t, err)
	return m, g, inputs, outputs
}

// buildModelError converts nodes expecting BuildGraph to fail, and returns the error.
func buildModelError(t *testing.T, nodes []*RawNode, store ParamStore) error {
	m, err := New(nodes, store)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	_, _, err = m.BuildGraph(g)
	require.Error(t, err)
	return err
}

func TestUnsupportedOperators(t *testing.T) {
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 2, 2),
		opNode("w0", "warp_drive",
			[]Slot{slot("in", "Input_0/out")},
			[]Slot{slot("out", "w0/out_0")}, nil),
		opNode("a0", "alien_conv",
			[]Slot{slot("in", "w0/out_0")},
			[]Slot{slot("out", "a0/out_0")}, nil),
		returnNode("Output_0", "a0/out_0"),
	}
	err := buildModelError(t, nodes, nil)
	var unsupported *UnsupportedOperatorError
	require.True(t, errors.As(err, &unsupported))
	// Every offender reported at once, sorted.
	assert.Equal(t, []string{"alien_conv", "warp_drive"}, unsupported.OpTypes)
}

func TestUnboundReference(t *testing.T) {
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 2, 2),
		opNode("r0", "relu",
			[]Slot{slot("in", "ghost/out")},
			[]Slot{slot("out", "r0/out_0")}, nil),
		returnNode("Output_0", "r0/out_0"),
	}
	err := buildModelError(t, nodes, nil)
	var unbound *UnboundReferenceError
	require.True(t, errors.As(err, &unbound))
	assert.Equal(t, "r0", unbound.Node)
	assert.Equal(t, "ghost/out", unbound.Path)
}

func TestDuplicateBinding(t *testing.T) {
	// Two producers claim the same storage path; the path itself is a declared graph
	// output, so neither producer's binding is silently dropped.
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 2, 2),
		opNode("a0", "relu",
			[]Slot{slot("in", "Input_0/out")},
			[]Slot{slot("out", "shared/out")}, nil),
		opNode("b0", "relu",
			[]Slot{slot("in", "Input_0/out")},
			[]Slot{slot("out", "shared/out")}, nil),
		returnNode("Output_0", "shared/out"),
	}
	err := buildModelError(t, nodes, nil)
	var duplicate *DuplicateBindingError
	require.True(t, errors.As(err, &duplicate))
	assert.Equal(t, "shared/out", duplicate.Path)
	assert.NotEqual(t, duplicate.Existing, duplicate.Symbol)
}

// Re-binding a path to the identical symbol is idempotent; only a different symbol
// conflicts.
func TestBindIdempotentRebind(t *testing.T) {
	m, err := New([]*RawNode{inputNode("Input_0", DataTypeFloat, 1)}, nil)
	require.NoError(t, err)
	st := newSymbolTable(m, nil)

	st.bind("p/out", "sym", nil)
	require.NotPanics(t, func() { st.bind("p/out", "sym", nil) })

	err = exceptions.TryCatch[error](func() { st.bind("p/out", "other", nil) })
	require.Error(t, err)
	var duplicate *DuplicateBindingError
	require.True(t, errors.As(err, &duplicate))
	assert.Equal(t, "p/out", duplicate.Path)
	assert.Equal(t, "sym", duplicate.Existing)
	assert.Equal(t, "other", duplicate.Symbol)
}

func TestOutputCountMismatch(t *testing.T) {
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 2, 2),
		opNode("r0", "relu",
			[]Slot{slot("in", "Input_0/out")},
			[]Slot{slot("out", "r0/out_0", "r0/out_1")}, nil),
		returnNode("Output_0", "r0/out_0"),
	}
	err := buildModelError(t, nodes, nil)
	var mismatch *OutputCountMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "relu", mismatch.OpType)
	assert.Equal(t, 2, mismatch.Declared)
	assert.Equal(t, 1, mismatch.Produced)
}

func TestOutputClosure(t *testing.T) {
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 2, 2),
		returnNode("Output_0", "ghost/out"),
	}
	m, err := New(nodes, nil)
	require.NoError(t, err)

	err = exceptions.TryCatch[error](func() { m.checkOutputClosure() })
	require.Error(t, err)
	var malformed *MalformedGraphError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, []string{"ghost/out"}, malformed.FreeSymbols)

	// The same taxonomy applies through BuildGraph: an output path nothing produces
	// is a malformed graph, not an unbound input reference.
	err = buildModelError(t, nodes, nil)
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, []string{"ghost/out"}, malformed.FreeSymbols)
}

// A parameter returned directly, with no operator consuming it, is a valid graph:
// the parameter becomes the sole input and flows straight to the output.
func TestReturnedParameter(t *testing.T) {
	nodes := []*RawNode{
		paramNode("w", 3),
		returnNode("Output_0", "w/out"),
	}
	store := memStore{"w/out": tensors.FromValue([]float32{1, 2, 3})}
	m, g, inputs, outputs := buildModelGraph(t, nodes, store)

	require.Len(t, inputs, 1)
	require.Len(t, outputs, 1)
	require.Contains(t, m.Params(), "Output_0")

	g.Compile(outputs...)
	results := g.Run(m.Params()["Output_0"])
	assert.Equal(t, []float32{1, 2, 3}, results[0].Value())
}

// Consumers listed before their producers must still convert: declaration order
// carries no dependency information.
func TestOperatorsOutOfOrder(t *testing.T) {
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 1, 2),
		// t0 consumes r0's output but is declared first.
		opNode("t0", "tanh",
			[]Slot{slot("x", "r0/out_0")},
			[]Slot{slot("out", "t0/out_0")}, nil),
		opNode("r0", "relu",
			[]Slot{slot("in", "Input_0/out")},
			[]Slot{slot("out", "r0/out_0")}, nil),
		returnNode("Output_0", "t0/out_0"),
	}
	_, g, _, outputs := buildModelGraph(t, nodes, nil)
	require.Len(t, outputs, 1)
	g.Compile(outputs...)
	results := g.Run(tensors.FromValue([][]float32{{-5, 0}}))
	assert.Equal(t, [][]float32{{0, 0}}, results[0].Value())
}

// Parameters become graph inputs in first-use order, always after the primary
// inputs, regardless of where their variable nodes sit in the node list.
func TestInputOrdering(t *testing.T) {
	nodes := []*RawNode{
		paramNode("w1", 1, 3),
		inputNode("Input_0", DataTypeFloat, 2, 3),
		paramNode("w2", 2, 1),
		opNode("mul0", "broadcast_mul",
			[]Slot{slot("x", "Input_0/out"), slot("y", "w1/out")},
			[]Slot{slot("out", "mul0/out_0")}, nil),
		opNode("add0", "broadcast_add",
			[]Slot{slot("x", "mul0/out_0"), slot("y", "w2/out")},
			[]Slot{slot("out", "add0/out_0")}, nil),
		returnNode("Output_0", "add0/out_0"),
	}
	store := memStore{
		"w1/out": tensors.FromValue([][]float32{{10, 20, 30}}),
		"w2/out": tensors.FromValue([][]float32{{1}, {2}}),
	}
	m, g, inputs, outputs := buildModelGraph(t, nodes, store)

	require.Len(t, inputs, 3)
	assert.Equal(t, []int{2, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{1, 3}, inputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, inputs[2].Shape().Dimensions)

	// Parameter symbols carry the consumer-side "<node>-<slot>" names.
	params := m.Params()
	require.Contains(t, params, "mul0-y")
	require.Contains(t, params, "add0-y")

	g.Compile(outputs...)
	results := g.Run(
		tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
		params["mul0-y"], params["add0-y"])
	assert.Equal(t, [][]float32{{11, 41, 91}, {42, 102, 182}}, results[0].Value())
}

// End-to-end: conv2d with same_upper padding feeding a relu, parameters coming from
// the store.
func TestConvSameUpperEndToEnd(t *testing.T) {
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 1, 1, 4, 4),
		paramNode("conv0.weight", 1, 1, 3, 3),
		opNode("conv0", "conv2d",
			[]Slot{slot("in", "Input_0/out"), slot("weight", "conv0.weight/out")},
			[]Slot{slot("out", "conv0/out_0")},
			map[string]AttrValue{
				"padding":       {Kind: AttrString, Str: "same_upper"},
				"kernel_size":   {Kind: AttrShape, Shape: []int64{3, 3}},
				"strides":       {Kind: AttrListInt32, ListInt32: []int32{1, 1}},
				"dilation_rate": {Kind: AttrListInt32, ListInt32: []int32{1, 1}},
				"groups":        {Kind: AttrInt32, Int32: 1},
			}),
		opNode("relu0", "relu",
			[]Slot{slot("in", "conv0/out_0")},
			[]Slot{slot("out", "relu0/out_0")}, nil),
		returnNode("Output_0", "relu0/out_0"),
	}
	weight := tensors.FromValue([][][][]float32{{{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}}})
	store := memStore{"conv0.weight/out": weight}

	m, g, inputs, outputs := buildModelGraph(t, nodes, store)
	require.Len(t, inputs, 2)
	assert.Equal(t, []int{1, 1, 4, 4}, inputs[0].Shape().Dimensions)
	require.Len(t, outputs, 1)
	// same_upper keeps the spatial extent at stride 1.
	assert.Equal(t, []int{1, 1, 4, 4}, outputs[0].Shape().Dimensions)

	image := tensors.FromValue([][][][]float32{{{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
		{13, 14, 15, 16},
	}}})
	g.Compile(outputs...)
	results := g.Run(image, m.Params()["conv0-weight"])
	assert.Equal(t, [][][][]float32{{{
		{14, 24, 30, 22},
		{33, 54, 63, 45},
		{57, 90, 99, 69},
		{46, 72, 78, 54},
	}}}, results[0].Value())
}

func TestWithInputOverride(t *testing.T) {
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 1, 4),
		opNode("r0", "relu",
			[]Slot{slot("in", "Input_0/out")},
			[]Slot{slot("out", "r0/out_0")}, nil),
		returnNode("Output_0", "r0/out_0"),
	}
	m, err := New(nodes, nil,
		WithInputOverride("Input_0", shapes.Make(dtypes.Float32, 3, 4)))
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	inputs, outputs, err := m.BuildGraph(g)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{3, 4}, outputs[0].Shape().Dimensions)
}

// An operator output nothing consumes or returns is dropped with a warning rather
// than failing the conversion.
func TestUnconsumedOutputIsDropped(t *testing.T) {
	nodes := []*RawNode{
		inputNode("Input_0", DataTypeFloat, 4, 2),
		opNode("s0", "split",
			[]Slot{slot("in", "Input_0/out")},
			[]Slot{slot("out", "s0/out_0", "s0/out_1")},
			map[string]AttrValue{
				"axis":     {Kind: AttrInt64, Int64: 0},
				"sections": {Kind: AttrInt64, Int64: 2},
			}),
		returnNode("Output_0", "s0/out_0"),
	}
	_, g, _, outputs := buildModelGraph(t, nodes, nil)
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{2, 2}, outputs[0].Shape().Dimensions)

	g.Compile(outputs...)
	results := g.Run(tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}}))
	assert.Equal(t, [][]float32{{1, 2}, {3, 4}}, results[0].Value())
}

func TestModelValidation(t *testing.T) {
	_, err := New([]*RawNode{{Name: "empty"}}, nil)
	require.ErrorContains(t, err, "no payload")

	_, err = New([]*RawNode{
		inputNode("twin", DataTypeFloat, 1),
		inputNode("twin", DataTypeFloat, 1),
	}, nil)
	require.ErrorContains(t, err, "duplicate node name")

	// A parameter with an unknown dtype is rejected up front, before any checkpoint
	// read is started.
	_, err = New([]*RawNode{
		{Name: "w", Variable: &VariableConf{Dims: []int{1}, DType: DataType(99)}},
	}, memStore{})
	require.ErrorContains(t, err, `parameter "w"`)
}
