package oneflow

import (
	"math"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape/padding inference shared by the spatial operators (convolution, pooling,
// upsampling).

// PadMode is a spatial operator's padding policy.
type PadMode int

const (
	// PadModeValid applies no padding.
	PadModeValid PadMode = iota
	// PadModeSameUpper pads so the output extent is ceil(input/stride), with the
	// extra element (when the total is odd) at the end of the axis.
	PadModeSameUpper
	// PadModeSameLower is PadModeSameUpper with the extra element at the start.
	PadModeSameLower
	// PadModeExplicit takes the padding from the operator's padding_before /
	// padding_after attributes.
	PadModeExplicit
)

// parsePadMode maps the operator's "padding" attribute string to a PadMode.
// A bare "same" resolves to same_upper (OneFlow's documented tie-break). Anything
// unrecognized throws an InvalidPaddingModeError naming the operator.
func parsePadMode(opType, mode string) PadMode {
	switch strings.ToLower(mode) {
	case "valid":
		return PadModeValid
	case "same", "same_upper":
		return PadModeSameUpper
	case "same_lower":
		return PadModeSameLower
	case "customized":
		return PadModeExplicit
	default:
		panic(&InvalidPaddingModeError{Op: opType, Mode: mode})
	}
}

// dilatedExtent is the effective kernel extent once dilation is applied.
func dilatedExtent(kernel, dilation int) int {
	if dilation <= 1 {
		return kernel
	}
	return (kernel-1)*dilation + 1
}

// padPair computes the explicit (before, after) padding of one spatial axis under a
// "same" policy. kernel must already be the dilated extent.
func padPair(input, kernel, stride int, mode PadMode) (before, after int) {
	var total int
	if input%stride == 0 {
		total = max(kernel-stride, 0)
	} else {
		total = max(kernel-(input%stride), 0)
	}
	before = total / 2
	after = total - before
	if mode == PadModeSameLower {
		return after, before
	}
	return before, after
}

// spatialPadPairs resolves the per-axis (before, after) padding of the spatial axes
// of a NC-leading shape, for any PadMode. explicitBefore/explicitAfter are only
// consulted for PadModeExplicit.
func spatialPadPairs(opType string, spatialDims, kernelShape, strides, dilations []int,
	mode PadMode, explicitBefore, explicitAfter []int) [][2]int {
	pairs := make([][2]int, len(spatialDims))
	switch mode {
	case PadModeValid:
		// All zeros.
	case PadModeSameUpper, PadModeSameLower:
		for axis, input := range spatialDims {
			stride := 1
			if len(strides) > axis {
				stride = strides[axis]
			}
			dilation := 1
			if len(dilations) > axis {
				dilation = dilations[axis]
			}
			kernel := dilatedExtent(kernelShape[axis], dilation)
			before, after := padPair(input, kernel, stride, mode)
			pairs[axis] = [2]int{before, after}
		}
	case PadModeExplicit:
		for axis := range spatialDims {
			var before, after int
			if len(explicitBefore) > axis {
				before = explicitBefore[axis]
			}
			if len(explicitAfter) > axis {
				after = explicitAfter[axis]
			}
			pairs[axis] = [2]int{before, after}
		}
	default:
		exceptions.Panicf("unhandled pad mode %d for operator %q", mode, opType)
	}
	return pairs
}

// autoPad pads the spatial axes (all but the leading batch and channel axes) of x
// with the given fill value. The TVM original emits this arithmetic as IR ops to
// cope with runtime shapes; gomlx shapes are always known at graph-build time, so the
// same formula is evaluated statically here.
func autoPad(x *Node, strides, kernelShape, dilations []int, mode PadMode, fill *Node) *Node {
	spatialDims := x.Shape().Dimensions[2:]
	pairs := spatialPadPairs("autopad", spatialDims, kernelShape, strides, dilations, mode, nil, nil)
	return padSpatial(x, fill, pairs)
}

// padSpatial applies explicit per-spatial-axis (before, after) padding to a
// NC-leading value. No-op when all pairs are zero.
func padSpatial(x *Node, fill *Node, pairs [][2]int) *Node {
	allZero := true
	for _, pair := range pairs {
		if pair[0] != 0 || pair[1] != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return x
	}
	// Batch and channel axes are never padded.
	axesConfig := make([]backends.PadAxis, x.Rank())
	for axis, pair := range pairs {
		axesConfig[2+axis] = backends.PadAxis{Start: pair[0], End: pair[1]}
	}
	return Pad(x, fill, axesConfig...)
}

// zeroFill is the padding fill for average pooling and convolution.
func zeroFill(g *Graph, dtype dtypes.DType) *Node {
	return Scalar(g, dtype, 0)
}

// lowestFill is the padding fill for max pooling: the identity element of max, the
// most negative representable value of the dtype. Padding a max pool with zeros
// instead silently corrupts results at the border for negative data.
func lowestFill(g *Graph, dtype dtypes.DType) *Node {
	switch dtype {
	case dtypes.Float32, dtypes.Float16:
		// Float16 saturates to its own -max on conversion.
		return Scalar(g, dtype, float64(-math32.MaxFloat32))
	case dtypes.Float64:
		return Scalar(g, dtype, -math.MaxFloat64)
	case dtypes.Int8:
		return Scalar(g, dtype, math.MinInt8)
	case dtypes.Int32:
		return Scalar(g, dtype, math.MinInt32)
	case dtypes.Int64:
		return Scalar(g, dtype, math.MinInt64)
	case dtypes.Uint8:
		return Scalar(g, dtype, 0)
	default:
		exceptions.Panicf("no lowest fill value for dtype %s", dtype)
		panic(nil) // for lint benefit.
	}
}
