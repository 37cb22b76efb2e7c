package oneflow

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	timage "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePadMode(t *testing.T) {
	assert.Equal(t, PadModeValid, parsePadMode("conv2d", "valid"))
	assert.Equal(t, PadModeSameUpper, parsePadMode("conv2d", "same"))
	assert.Equal(t, PadModeSameUpper, parsePadMode("conv2d", "same_upper"))
	assert.Equal(t, PadModeSameLower, parsePadMode("conv2d", "same_lower"))
	assert.Equal(t, PadModeExplicit, parsePadMode("conv2d", "customized"))
	assert.Equal(t, PadModeSameUpper, parsePadMode("conv2d", "SAME_UPPER"))

	err := exceptions.TryCatch[error](func() { parsePadMode("max_pool_2d", "sideways") })
	require.Error(t, err)
	var padErr *InvalidPaddingModeError
	require.True(t, errors.As(err, &padErr))
	assert.Equal(t, "max_pool_2d", padErr.Op)
	assert.Equal(t, "sideways", padErr.Mode)
}

func TestPadPair(t *testing.T) {
	testCases := []struct {
		input, kernel, stride int
		mode                  PadMode
		before, after         int
	}{
		// Stride divides the input: total = max(kernel-stride, 0).
		{32, 3, 1, PadModeSameUpper, 1, 1},
		{6, 3, 2, PadModeSameUpper, 0, 1},
		{6, 3, 2, PadModeSameLower, 1, 0},
		{4, 4, 2, PadModeSameUpper, 1, 1},
		// Stride does not divide the input: total = max(kernel-(input%stride), 0).
		{5, 3, 2, PadModeSameUpper, 1, 1},
		{7, 2, 3, PadModeSameUpper, 0, 1},
		{7, 5, 3, PadModeSameLower, 2, 2},
		// Kernel no larger than the stride (or the remainder): no padding at all.
		{8, 2, 2, PadModeSameUpper, 0, 0},
		{9, 1, 2, PadModeSameUpper, 0, 0},
	}
	for _, testCase := range testCases {
		name := fmt.Sprintf("in=%d,k=%d,s=%d,mode=%d", testCase.input, testCase.kernel, testCase.stride, testCase.mode)
		before, after := padPair(testCase.input, testCase.kernel, testCase.stride, testCase.mode)
		assert.Equal(t, testCase.before, before, name)
		assert.Equal(t, testCase.after, after, name)
		// same_upper puts the odd element at the end of the axis.
		if testCase.mode == PadModeSameUpper {
			assert.LessOrEqual(t, before, after, name)
		}
	}
}

func TestDilatedExtent(t *testing.T) {
	assert.Equal(t, 3, dilatedExtent(3, 1))
	assert.Equal(t, 5, dilatedExtent(3, 2))
	assert.Equal(t, 7, dilatedExtent(3, 3))
	assert.Equal(t, 1, dilatedExtent(1, 4))
	assert.Equal(t, 3, dilatedExtent(3, 0))
}

func TestSpatialPadPairs(t *testing.T) {
	// Dilation widens the effective kernel before the same-padding arithmetic.
	pairs := spatialPadPairs("conv2d", []int{32, 32}, []int{3, 3}, []int{1, 1}, []int{2, 2},
		PadModeSameUpper, nil, nil)
	assert.Equal(t, [][2]int{{2, 2}, {2, 2}}, pairs)

	pairs = spatialPadPairs("conv2d", []int{32, 32}, []int{3, 3}, nil, nil,
		PadModeValid, nil, nil)
	assert.Equal(t, [][2]int{{0, 0}, {0, 0}}, pairs)

	pairs = spatialPadPairs("conv2d", []int{32, 32}, []int{3, 3}, nil, nil,
		PadModeExplicit, []int{2, 1}, []int{0, 3})
	assert.Equal(t, [][2]int{{2, 0}, {1, 3}}, pairs)
}

func TestPadSpatial(t *testing.T) {
	graphtest.RunTestGraphFn(t, "padSpatial zero fill", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{1, 2}, {3, 4}}}})
		inputs = []*Node{x}
		outputs = []*Node{
			padSpatial(x, zeroFill(g, x.DType()), [][2]int{{1, 1}, {1, 1}}),
			// All-zero pairs short-circuit to the input itself.
			padSpatial(x, zeroFill(g, x.DType()), [][2]int{{0, 0}, {0, 0}}),
		}
		return
	}, []any{
		[][][][]float32{{{
			{0, 0, 0, 0},
			{0, 1, 2, 0},
			{0, 3, 4, 0},
			{0, 0, 0, 0},
		}}},
		[][][][]float32{{{{1, 2}, {3, 4}}}},
	}, -1)

	graphtest.RunTestGraphFn(t, "padSpatial lowest fill", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{-1, -2}, {-3, -4}}}})
		inputs = []*Node{x}
		// A max pool over the padded tensor must still see the data, not the padding.
		padded := padSpatial(x, lowestFill(g, x.DType()), [][2]int{{1, 1}, {1, 1}})
		pool := MaxPool(padded).ChannelsAxis(timage.ChannelsFirst).
			WindowPerAxis(2, 2).StridePerAxis(2, 2).NoPadding().Done()
		outputs = []*Node{pool}
		return
	}, []any{
		[][][][]float32{{{{-1, -2}, {-3, -4}}}},
	}, -1)
}
