package oneflow

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	timage "github.com/gomlx/gomlx/types/tensors/images"
)

// Operator converters: each lowers one OneFlow user-op to gomlx ops, consuming the
// operator's normalized attributes. See registry.go for the dispatch table and the
// per-op attribute contracts.

// binaryOperands picks the two operands of a broadcast binary operator: the "x"/"y"
// roles when declared, positional order otherwise.
func binaryOperands(in *opInputs) (lhs, rhs *Node) {
	lhs, rhs = in.Get("x"), in.Get("y")
	if lhs != nil && rhs != nil {
		return
	}
	flat := in.Flat()
	if len(flat) != 2 {
		exceptions.Panicf("binary operator %q takes 2 inputs, got %d", in.op, len(flat))
	}
	return flat[0], flat[1]
}

// alignRanks prepends unit axes to the lower-rank operand so both operands have the
// same rank, after which gomlx's standard broadcasting rules apply.
func alignRanks(lhs, rhs *Node) (*Node, *Node) {
	lhsRank, rhsRank := lhs.Rank(), rhs.Rank()
	if lhsRank < rhsRank {
		lhs = ExpandLeftToRank(lhs, rhsRank)
	} else if rhsRank < lhsRank {
		rhs = ExpandLeftToRank(rhs, lhsRank)
	}
	return lhs, rhs
}

func binaryConverter(fn func(lhs, rhs *Node) *Node) Converter {
	return func(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
		lhs, rhs := alignRanks(binaryOperands(in))
		return []*Node{fn(lhs, rhs)}
	}
}

func scalarConverter(fn func(x *Node, scalar float64) *Node) Converter {
	return func(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
		x := in.MustGet("in")
		var operand float64
		switch {
		case attrs.BoolOr("has_float_operand", false):
			operand = attrs.Float("float_operand")
		case attrs.BoolOr("has_int_operand", false):
			operand = float64(attrs.Int("int_operand"))
		default:
			operand = attrs.FloatOr("float_operand", float64(attrs.IntOr("int_operand", 0)))
		}
		return []*Node{fn(x, operand)}
	}
}

// liftToAxis reshapes a rank-1 value so it broadcasts along the given axis of a
// rank-rank operand (unit dims everywhere else).
func liftToAxis(v *Node, rank, axis int) *Node {
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	dims[axis] = v.Shape().Dimensions[0]
	return Reshape(v, dims...)
}

func adjustAxis(axis, rank int) int {
	if axis < 0 {
		axis += rank
	}
	return axis
}

func convertBiasAdd(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	a := in.MustGet("a")
	b := in.MustGet("b")
	axis := adjustAxis(attrs.IntOr("axis", 1), a.Rank())
	return []*Node{Add(a, liftToAxis(b, a.Rank(), axis))}
}

func convertAddN(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	values := in.Flat()
	if len(values) == 0 {
		exceptions.Panicf("operator %q has no inputs to sum", in.op)
	}
	sum := values[0]
	for _, v := range values[1:] {
		sum = Add(sum, v)
	}
	return []*Node{sum}
}

func onesSlice(n int) []int {
	ones := make([]int, n)
	for ii := range ones {
		ones[ii] = 1
	}
	return ones
}

// convConverter lowers conv1d/conv2d. OneFlow convolutions carry explicit
// padding_before/padding_after attributes; a "padding" policy string, when present,
// takes precedence and may request same_upper/same_lower auto-padding.
func convConverter(spatialRank int) Converter {
	return func(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
		data := in.MustGet("in")
		kernel := in.MustGet("weight")
		if format := attrs.StrOr("data_format", "channels_first"); format != "channels_first" {
			exceptions.Panicf("operator %q: data_format %q is not supported, only channels_first", in.op, format)
		}
		groups := attrs.IntOr("groups", 1)
		kernelSize := attrs.IntsOr("kernel_size", kernel.Shape().Dimensions[2:])
		strides := attrs.IntsOr("strides", onesSlice(spatialRank))
		dilations := attrs.IntsOr("dilation_rate", onesSlice(spatialRank))

		mode := PadModeExplicit
		if attrs.Has("padding") {
			mode = parsePadMode(in.op, attrs.Str("padding"))
		}
		var pairs [][2]int
		switch mode {
		case PadModeSameUpper, PadModeSameLower:
			data = autoPad(data, strides, kernelSize, dilations, mode, zeroFill(g, data.DType()))
		case PadModeExplicit:
			pairs = spatialPadPairs(in.op, data.Shape().Dimensions[2:], kernelSize, strides, dilations,
				mode, attrs.IntsOr("padding_before", nil), attrs.IntsOr("padding_after", nil))
		}

		// Grouped 1-D convolution is lowered by lifting to 2-D with a unit H axis on
		// data and kernel, and squeezing it back off the result.
		lifted := spatialRank == 1 && groups > 1
		if lifted {
			data = ExpandAxes(data, 2)
			kernel = ExpandAxes(kernel, 2)
			kernelSize = append([]int{1}, kernelSize...)
			strides = append([]int{1}, strides...)
			dilations = append([]int{1}, dilations...)
			if pairs != nil {
				pairs = append([][2]int{{0, 0}}, pairs...)
			}
		}

		conv := Convolve(data, kernel).
			ChannelsAxis(timage.ChannelsFirst).
			StridePerAxis(strides...).
			DilationPerAxis(dilations...)
		if groups > 1 {
			conv = conv.FeatureGroupCount(groups)
		}
		if pairs == nil {
			conv = conv.NoPadding()
		} else {
			conv = conv.PaddingPerDim(pairs)
		}
		result := conv.Done()
		if lifted {
			result = Squeeze(result, 2)
		}
		return []*Node{result}
	}
}

type poolKind int

const (
	poolMax poolKind = iota
	poolAvg
)

// poolConverter lowers max_pool_2d/avg_pool_2d. Padding is applied up front as an
// explicit Pad op and the pool itself always runs unpadded: gomlx pooling has no
// notion of a fill value, and max pooling must pad with the dtype's most negative
// value while average pooling pads with zero (and counts the padding, matching
// OneFlow's count_include_pad).
func poolConverter(kind poolKind) Converter {
	return func(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
		x := in.MustGet("x")
		if format := attrs.StrOr("data_format", "channels_first"); format != "channels_first" {
			exceptions.Panicf("operator %q: data_format %q is not supported, only channels_first", in.op, format)
		}
		window := attrs.Ints("pool_size")
		strides := attrs.IntsOr("strides", window)
		mode := parsePadMode(in.op, attrs.StrOr("padding", "valid"))

		fill := zeroFill(g, x.DType())
		if kind == poolMax {
			fill = lowestFill(g, x.DType())
		}
		if mode != PadModeValid {
			pairs := spatialPadPairs(in.op, x.Shape().Dimensions[2:], window, strides, nil,
				mode, attrs.IntsOr("padding_before", nil), attrs.IntsOr("padding_after", nil))
			x = padSpatial(x, fill, pairs)
		}

		var pooled *Node
		switch kind {
		case poolMax:
			pooled = MaxPool(x).ChannelsAxis(timage.ChannelsFirst).
				WindowPerAxis(window...).StridePerAxis(strides...).NoPadding().Done()
		case poolAvg:
			pooled = MeanPool(x).ChannelsAxis(timage.ChannelsFirst).
				WindowPerAxis(window...).StridePerAxis(strides...).NoPadding().Done()
		}
		return []*Node{pooled}
	}
}

// reductionConverter lowers the reduce_* family: "axis" lists the reduced axes (all
// axes when empty or absent), "keepdims" keeps them as unit dims.
func reductionConverter(reduce func(x *Node, axes ...int) *Node, reduceAll func(x *Node) *Node) Converter {
	return func(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
		x := in.Get("input_tensor")
		if x == nil {
			x = in.MustGet("in")
		}
		axes := attrs.IntsOr("axis", nil)
		keepDims := attrs.BoolOr("keepdims", false)
		if len(axes) == 0 {
			reduced := reduceAll(x)
			if keepDims {
				reduced = ExpandLeftToRank(reduced, x.Rank())
			}
			return []*Node{reduced}
		}
		for ii := range axes {
			axes[ii] = adjustAxis(axes[ii], x.Rank())
		}
		if keepDims {
			return []*Node{ReduceAndKeep(x, reduce, axes...)}
		}
		return []*Node{reduce(x, axes...)}
	}
}

// convertBatchNorm lowers inference-mode "normalization" using the checkpoint's
// moving statistics: gamma*(x-mean)/sqrt(var+eps)+beta along the channel axis.
func convertBatchNorm(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("x")
	mean := in.MustGet("moving_mean")
	variance := in.MustGet("moving_variance")
	if attrs.BoolOr("training", false) {
		exceptions.Panicf("operator %q: training-mode normalization is not supported", in.op)
	}
	axis := adjustAxis(attrs.IntOr("axis", 1), x.Rank())
	epsilon := attrs.FloatOr("epsilon", 1e-5)

	rank := x.Rank()
	normalized := Div(
		Sub(x, liftToAxis(mean, rank, axis)),
		Sqrt(AddScalar(liftToAxis(variance, rank, axis), epsilon)))
	if gamma := in.Get("gamma"); gamma != nil {
		normalized = Mul(normalized, liftToAxis(gamma, rank, axis))
	}
	if beta := in.Get("beta"); beta != nil {
		normalized = Add(normalized, liftToAxis(beta, rank, axis))
	}
	return []*Node{normalized}
}

// convertLayerNorm normalizes over the trailing axes starting at begin_norm_axis;
// gamma/beta (when center/scale are set) broadcast over the leading axes.
func convertLayerNorm(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("x")
	beginAxis := adjustAxis(attrs.IntOr("begin_norm_axis", -1), x.Rank())
	epsilon := attrs.FloatOr("epsilon", 1e-5)

	axes := make([]int, 0, x.Rank()-beginAxis)
	for axis := beginAxis; axis < x.Rank(); axis++ {
		axes = append(axes, axis)
	}
	mean := ReduceAndKeep(x, ReduceMean, axes...)
	diff := Sub(x, mean)
	variance := ReduceAndKeep(Mul(diff, diff), ReduceMean, axes...)
	normalized := Div(diff, Sqrt(AddScalar(variance, epsilon)))

	if attrs.BoolOr("scale", true) {
		if gamma := in.Get("gamma"); gamma != nil {
			normalized = Mul(normalized, ExpandLeftToRank(gamma, x.Rank()))
		}
	}
	if attrs.BoolOr("center", true) {
		if beta := in.Get("beta"); beta != nil {
			normalized = Add(normalized, ExpandLeftToRank(beta, x.Rank()))
		}
	}
	return []*Node{normalized}
}

// convertMatMul lowers matmul with optional operand transposes and scaling, via an
// einsum equation built from the transpose flags.
func convertMatMul(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	a := in.MustGet("a")
	b := in.MustGet("b")
	transposeA := attrs.BoolOr("transpose_a", false)
	transposeB := attrs.BoolOr("transpose_b", false)
	alpha := attrs.FloatOr("alpha", 1.0)

	var result *Node
	if !transposeA && !transposeB && a.Rank() == 2 && b.Rank() == 2 {
		result = MatMul(a, b)
	} else {
		lhs, rhs := "ij", "jk"
		if transposeA {
			lhs = "ji"
		}
		if transposeB {
			rhs = "kj"
		}
		result = Einsum(lhs+","+rhs+"->ik", a, b)
	}
	if alpha != 1.0 {
		result = MulScalar(result, alpha)
	}
	return []*Node{result}
}

// softmaxAxes returns the normalized axes [axis, rank).
func softmaxAxes(attrs Attributes, rank int) []int {
	axis := adjustAxis(attrs.IntOr("axis", 1), rank)
	axes := make([]int, 0, rank-axis)
	for ; axis < rank; axis++ {
		axes = append(axes, axis)
	}
	return axes
}

// Softmax is built by hand with the usual max-shift for numerical stability, rather
// than gomlx's Softmax, which normalizes a single axis.
func convertSoftmax(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	axes := softmaxAxes(attrs, x.Rank())
	shifted := Sub(x, ReduceAndKeep(x, ReduceMax, axes...))
	exps := Exp(shifted)
	return []*Node{Div(exps, ReduceAndKeep(exps, ReduceSum, axes...))}
}

func convertLogSoftmax(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	axes := softmaxAxes(attrs, x.Rank())
	shifted := Sub(x, ReduceAndKeep(x, ReduceMax, axes...))
	return []*Node{Sub(shifted, Log(ReduceAndKeep(Exp(shifted), ReduceSum, axes...)))}
}

func convertRelu(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	return []*Node{Max(x, ZerosLike(x))}
}

// Gelu in its exact (erf) form, matching OneFlow's default.
func convertGelu(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	cdf := MulScalar(OnePlus(Erf(MulScalar(x, 1/math.Sqrt2))), 0.5)
	return []*Node{Mul(x, cdf)}
}

func convertLeakyRelu(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	alpha := attrs.FloatOr("alpha", 0.01)
	return []*Node{Max(x, MulScalar(x, alpha))}
}

func convertSoftplus(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	return []*Node{Log(OnePlus(Exp(x)))}
}

// Dropout is an identity at inference. Its declared mask output is trimmed by the
// assembler (see auxiliaryOutputSlots).
func convertDropout(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	return []*Node{Identity(in.MustGet("in"))}
}

func convertReshape(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	dims := attrs.Ints("shape")
	inferAxis := -1
	known := 1
	for axis, dim := range dims {
		if dim == -1 {
			if inferAxis >= 0 {
				exceptions.Panicf("operator %q: reshape target %v has more than one -1", in.op, dims)
			}
			inferAxis = axis
			continue
		}
		known *= dim
	}
	if inferAxis >= 0 {
		dims[inferAxis] = x.Shape().Size() / known
	}
	return []*Node{Reshape(x, dims...)}
}

func convertFlatten(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	rank := x.Rank()
	start := adjustAxis(attrs.IntOr("start_dim", 1), rank)
	end := adjustAxis(attrs.IntOr("end_dim", -1), rank)
	inDims := x.Shape().Dimensions
	dims := make([]int, 0, rank)
	dims = append(dims, inDims[:start]...)
	collapsed := 1
	for axis := start; axis <= end; axis++ {
		collapsed *= inDims[axis]
	}
	dims = append(dims, collapsed)
	dims = append(dims, inDims[end+1:]...)
	return []*Node{Reshape(x, dims...)}
}

func convertExpandDims(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	return []*Node{ExpandAxes(x, attrs.Int("axis"))}
}

func convertSqueeze(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	axes := attrs.IntsOr("axes", nil)
	if len(axes) == 0 {
		for axis, dim := range x.Shape().Dimensions {
			if dim == 1 {
				axes = append(axes, axis)
			}
		}
	}
	return []*Node{Squeeze(x, axes...)}
}

func convertSlice(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("x")
	starts := attrs.Ints("start")
	stops := attrs.Ints("stop")
	steps := attrs.IntsOr("step", onesSlice(len(starts)))

	specs := make([]SliceAxisSpec, x.Rank())
	for axis := range specs {
		specs[axis] = AxisRange()
		if axis >= len(starts) {
			continue
		}
		dim := x.Shape().Dimensions[axis]
		start, stop := starts[axis], stops[axis]
		if start < 0 {
			start += dim
		}
		if stop < 0 {
			stop += dim
		}
		stop = min(stop, dim)
		specs[axis] = AxisRange(start, stop)
		if axis < len(steps) && steps[axis] != 1 {
			specs[axis] = specs[axis].Stride(steps[axis])
		}
	}
	return []*Node{Slice(x, specs...)}
}

func convertConcat(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	values := in.All("in")
	if len(values) == 0 {
		values = in.Flat()
	}
	axis := adjustAxis(attrs.Int("axis"), values[0].Rank())
	if len(values) == 1 {
		return []*Node{values[0]}
	}
	return []*Node{Concatenate(values, axis)}
}

func convertSplit(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	axis := adjustAxis(attrs.Int("axis"), x.Rank())
	dim := x.Shape().Dimensions[axis]
	sizes := attrs.IntsOr("split_sizes", nil)
	if sizes == nil {
		sections := attrs.Int("sections")
		if dim%sections != 0 {
			exceptions.Panicf("operator %q: axis %d (dim %d) not divisible into %d sections", in.op, axis, dim, sections)
		}
		sizes = make([]int, sections)
		for ii := range sizes {
			sizes[ii] = dim / sections
		}
	}

	pieces := make([]*Node, 0, len(sizes))
	offset := 0
	for _, size := range sizes {
		specs := make([]SliceAxisSpec, x.Rank())
		for ii := range specs {
			specs[ii] = AxisRange()
		}
		specs[axis] = AxisRange(offset, offset+size)
		pieces = append(pieces, Slice(x, specs...))
		offset += size
	}
	return pieces
}

// convertExpand broadcasts to expand_shape, with -1 entries keeping the input dim.
func convertExpand(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("in")
	target := attrs.Ints("expand_shape")
	if x.Rank() < len(target) {
		x = ExpandLeftToRank(x, len(target))
	}
	dims := make([]int, len(target))
	for axis, dim := range target {
		if dim == -1 {
			dim = x.Shape().Dimensions[axis]
		}
		dims[axis] = dim
	}
	return []*Node{BroadcastToDims(x, dims...)}
}

func convertOneHot(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	indices := in.MustGet("indices")
	depth := attrs.Int("depth")
	onValue := attrs.FloatOr("floating_on_value", 1)
	offValue := attrs.FloatOr("floating_off_value", 0)
	dtype, err := dtypeForOneFlow(DataType(attrs.IntOr("dtype", int(DataTypeFloat))))
	if err != nil {
		exceptions.Panicf("operator %q: %v", in.op, err)
	}

	dims := append(append([]int{}, indices.Shape().Dimensions...), depth)
	iota := Iota(g, shapes.Make(indices.DType(), dims...), len(dims)-1)
	hot := Equal(ExpandAxes(indices, -1), iota)
	return []*Node{Where(hot, Scalar(g, dtype, onValue), Scalar(g, dtype, offValue))}
}

// convertUpsampleNearest2D implements integral nearest-neighbor upsampling as an
// expand/broadcast/reshape of the two trailing spatial axes.
func convertUpsampleNearest2D(g *Graph, in *opInputs, attrs Attributes, params map[string]*tensors.Tensor) []*Node {
	x := in.MustGet("x")
	heightScale := attrs.FloatOr("height_scale", 2)
	widthScale := attrs.FloatOr("width_scale", 2)
	sh, sw := int(heightScale), int(widthScale)
	if float64(sh) != heightScale || float64(sw) != widthScale || sh < 1 || sw < 1 {
		exceptions.Panicf("operator %q: only integral upsampling scales supported, got %gx%g",
			in.op, heightScale, widthScale)
	}
	dims := x.Shape().Dimensions
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]

	expanded := ExpandAxes(x, 3, 5) // [N, C, H, 1, W, 1]
	expanded = BroadcastToDims(expanded, batch, channels, height, sh, width, sw)
	return []*Node{Reshape(expanded, batch, channels, height*sh, width*sw)}
}
