// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// A Stage is one layer node variant of a topology: convolution, max-pooling
// downsampling, flatten, channel concatenation or the dense classification
// head.
//
// A Stage is a pure function from input tensors to an output tensor. It has
// two jobs: OutputShape enforces the stage's shape contract when the stage is
// wired into a Builder, so invalid wiring fails at construction time; Apply
// lowers the stage onto the computation graph of its (batched) inputs when
// the finished Topology is executed. Stages with learned weights
// (convolution, dense) create their variables in the context scope they are
// applied under.
//
// Shapes handled by OutputShape are per example: the batch axis is omitted
// and is only present in the nodes given to Apply.
type Stage interface {
	// Kind names the stage variant: "conv", "pool", "flatten", "concat" or
	// "dense".
	Kind() string

	// OutputShape validates the per-example input shapes against the stage's
	// contract and returns the per-example output shape.
	OutputShape(inputs ...shapes.Shape) (shapes.Shape, error)

	// Apply lowers the stage onto the graph. The inputs are batched (the
	// leading axis is the batch) and have already been shape-checked at
	// construction time.
	Apply(ctx *context.Context, inputs ...*graph.Node) *graph.Node
}

// convStage applies a square-kernel, same-padding convolution with a fixed
// number of output channels, followed by ReLU. An optional dilation widens
// the receptive field without changing the output shape.
type convStage struct {
	filters    int
	kernelSize int
	dilation   int
}

func (s convStage) Kind() string { return "conv" }

func (s convStage) OutputShape(inputs ...shapes.Shape) (shapes.Shape, error) {
	input, err := singleInput(s, inputs)
	if err != nil {
		return shapes.Shape{}, err
	}
	if input.Rank() != 3 {
		return shapes.Shape{}, errors.Errorf(
			"conv stage requires a rank-3 [height, width, channels] input, got %s", input)
	}
	if s.dilation < 1 {
		return shapes.Shape{}, errors.Errorf("conv stage dilation must be at least 1, got %d", s.dilation)
	}
	// Total padding needed to preserve the spatial dimensions. If odd, the
	// padding would have to be asymmetric, which is not supported.
	padding := (s.kernelSize - 1) * s.dilation
	if padding%2 != 0 {
		return shapes.Shape{}, errors.Errorf(
			"conv stage with kernel size %d and dilation %d requires asymmetric padding (total %d) to preserve the input shape",
			s.kernelSize, s.dilation, padding)
	}
	return shapes.Make(input.DType, input.Dimensions[0], input.Dimensions[1], s.filters), nil
}

func (s convStage) Apply(ctx *context.Context, inputs ...*graph.Node) *graph.Node {
	conv := layers.Convolution(ctx, inputs[0]).
		Filters(s.filters).
		KernelSize(s.kernelSize).
		PadSame()
	if s.dilation > 1 {
		conv = conv.Dilations(s.dilation)
	}
	return activations.Relu(conv.Done())
}

// poolStage downsamples with max-pooling over non-overlapping, unpadded
// square windows: each spatial dimension is divided by the window size,
// rounding down. No learned parameters.
type poolStage struct {
	window int
}

func (s poolStage) Kind() string { return "pool" }

func (s poolStage) OutputShape(inputs ...shapes.Shape) (shapes.Shape, error) {
	input, err := singleInput(s, inputs)
	if err != nil {
		return shapes.Shape{}, err
	}
	if input.Rank() != 3 {
		return shapes.Shape{}, errors.Errorf(
			"pool stage requires a rank-3 [height, width, channels] input, got %s", input)
	}
	height, width := input.Dimensions[0], input.Dimensions[1]
	if height < s.window || width < s.window {
		return shapes.Shape{}, errors.Errorf(
			"pool stage window %dx%d is larger than its %dx%d input", s.window, s.window, height, width)
	}
	return shapes.Make(input.DType, height/s.window, width/s.window, input.Dimensions[2]), nil
}

func (s poolStage) Apply(_ *context.Context, inputs ...*graph.Node) *graph.Node {
	// MaxPool defaults to no padding and strides equal to the window size.
	return graph.MaxPool(inputs[0]).Window(s.window).Done()
}

// flattenStage reshapes [height, width, channels] to a single feature vector
// in row-major order: height first, then width, then channels. Element count
// and identity are preserved.
type flattenStage struct{}

func (s flattenStage) Kind() string { return "flatten" }

func (s flattenStage) OutputShape(inputs ...shapes.Shape) (shapes.Shape, error) {
	input, err := singleInput(s, inputs)
	if err != nil {
		return shapes.Shape{}, err
	}
	if input.Rank() < 1 {
		return shapes.Shape{}, errors.Errorf("flatten stage requires a non-scalar input, got %s", input)
	}
	return shapes.Make(input.DType, input.Size()), nil
}

func (s flattenStage) Apply(_ *context.Context, inputs ...*graph.Node) *graph.Node {
	batchSize := inputs[0].Shape().Dimensions[0]
	return graph.Reshape(inputs[0], batchSize, -1)
}

// concatStage joins two feature tensors along the channel (last) axis. The
// inputs must agree on every other axis.
type concatStage struct{}

func (s concatStage) Kind() string { return "concat" }

func (s concatStage) OutputShape(inputs ...shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 2 {
		return shapes.Shape{}, errors.Errorf("concat stage requires exactly 2 inputs, got %d", len(inputs))
	}
	left, right := inputs[0], inputs[1]
	if left.Rank() != 3 || right.Rank() != 3 {
		return shapes.Shape{}, errors.Errorf(
			"concat stage requires rank-3 [height, width, channels] inputs, got %s and %s", left, right)
	}
	if left.DType != right.DType {
		return shapes.Shape{}, errors.Errorf(
			"concat stage inputs must have the same dtype, got %s and %s", left.DType, right.DType)
	}
	if left.Dimensions[0] != right.Dimensions[0] || left.Dimensions[1] != right.Dimensions[1] {
		return shapes.Shape{}, errors.Errorf(
			"concat stage inputs must match on every non-channel axis, got %s and %s", left, right)
	}
	return shapes.Make(left.DType,
		left.Dimensions[0], left.Dimensions[1], left.Dimensions[2]+right.Dimensions[2]), nil
}

func (s concatStage) Apply(_ *context.Context, inputs ...*graph.Node) *graph.Node {
	return graph.Concatenate(inputs, -1)
}

// denseStage projects a flat feature vector to one score per class and
// normalizes the scores with a softmax, so the output is a probability
// distribution over the classes.
//
// If the context hyperparameter "dropout_rate" (layers.ParamDropoutRate) is
// set to a value > 0, dropout is applied to the features before the
// projection -- only during training steps.
type denseStage struct {
	numClasses int
}

func (s denseStage) Kind() string { return "dense" }

func (s denseStage) OutputShape(inputs ...shapes.Shape) (shapes.Shape, error) {
	input, err := singleInput(s, inputs)
	if err != nil {
		return shapes.Shape{}, err
	}
	if input.Rank() != 1 {
		return shapes.Shape{}, errors.Errorf(
			"dense stage requires a rank-1 feature vector input (flatten first), got %s", input)
	}
	return shapes.Make(input.DType, s.numClasses), nil
}

func (s denseStage) Apply(ctx *context.Context, inputs ...*graph.Node) *graph.Node {
	x := inputs[0]
	dropoutRate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	if dropoutRate > 0 {
		g := x.Graph()
		x = layers.DropoutNormalize(ctx, x, graph.Scalar(g, x.DType(), dropoutRate), true)
	}
	logits := layers.DenseWithBias(ctx, x, s.numClasses)
	return graph.Softmax(logits)
}

// singleInput returns the only input shape, or an error if the stage was
// wired with the wrong number of inputs.
func singleInput(s Stage, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Shape{}, errors.Errorf("%s stage requires exactly 1 input, got %d", s.Kind(), len(inputs))
	}
	return inputs[0], nil
}

// stageDescription is used by Node.Description and the Topology summary.
func stageDescription(s Stage) string {
	switch s := s.(type) {
	case convStage:
		if s.dilation > 1 {
			return fmt.Sprintf("%dx%d conv, %d filters, dilation %d, relu", s.kernelSize, s.kernelSize, s.filters, s.dilation)
		}
		return fmt.Sprintf("%dx%d conv, %d filters, relu", s.kernelSize, s.kernelSize, s.filters)
	case poolStage:
		return fmt.Sprintf("%dx%d max-pool", s.window, s.window)
	case flattenStage:
		return "flatten"
	case concatStage:
		return "concat channels"
	case denseStage:
		return fmt.Sprintf("dense(%d), softmax", s.numClasses)
	}
	return s.Kind()
}
